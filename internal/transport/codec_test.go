package transport

import "testing"

func TestCodecRoundTrip(t *testing.T) {
	c := Codec{}
	in := &rawMessage{data: []byte("hello")}
	encoded, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	out := new(rawMessage)
	if err := c.Unmarshal(encoded, out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(out.data) != "hello" {
		t.Fatalf("got %q, want %q", out.data, "hello")
	}
}

func TestCodecRejectsWrongType(t *testing.T) {
	c := Codec{}
	if _, err := c.Marshal("not a rawMessage"); err == nil {
		t.Fatal("expected error marshaling non-rawMessage")
	}
	if err := c.Unmarshal([]byte("x"), new(struct{})); err == nil {
		t.Fatal("expected error unmarshaling into non-rawMessage")
	}
}

func TestCodecName(t *testing.T) {
	if (Codec{}).Name() != "raw" {
		t.Fatalf("got %q, want raw", Codec{}.Name())
	}
}
