package nsmcp

import (
	"testing"

	"github.com/nacos-go/nacosd/internal/wire"
	"github.com/stretchr/testify/require"
)

type recorder struct{ items []*wire.SnapshotItem }

func (r *recorder) Record(item *wire.SnapshotItem) error {
	r.items = append(r.items, item)
	return nil
}

func TestNamespacePutGetList(t *testing.T) {
	s := NewNamespaceStore()
	ns := Namespace{ID: "ns1", DisplayName: "Team A", Type: NamespaceCustom}
	_, err := s.Apply(NewPutNamespaceCommand(ns))
	require.NoError(t, err)

	got, ok := s.Get("ns1")
	require.True(t, ok)
	require.Equal(t, ns, got)
	require.Len(t, s.List(), 1)
}

func TestNamespaceDelete(t *testing.T) {
	s := NewNamespaceStore()
	ns := Namespace{ID: "ns1", DisplayName: "Team A", Type: NamespaceCustom}
	_, err := s.Apply(NewPutNamespaceCommand(ns))
	require.NoError(t, err)

	_, err = s.Apply(NewDeleteNamespaceCommand("ns1"))
	require.NoError(t, err)
	_, ok := s.Get("ns1")
	require.False(t, ok)
}

func TestNamespaceSnapshotRestoreRoundTrip(t *testing.T) {
	s := NewNamespaceStore()
	ns := Namespace{ID: "ns1", DisplayName: "Team A", Type: NamespaceDefault}
	_, err := s.Apply(NewPutNamespaceCommand(ns))
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, s.Snapshot(rec))
	require.Len(t, rec.items, 1)

	fresh := NewNamespaceStore()
	for _, item := range rec.items {
		require.NoError(t, fresh.Restore(item))
	}
	got, ok := fresh.Get("ns1")
	require.True(t, ok)
	require.Equal(t, ns, got)
}

func TestMcpPutToolAndGet(t *testing.T) {
	s := NewMcpStore()
	spec := ToolSpec{Key: ToolKey{Name: "search", Version: "v1"}, Description: "web search tool"}
	_, err := s.Apply(NewPutToolCommand(spec))
	require.NoError(t, err)

	got, ok := s.GetTool(spec.Key)
	require.True(t, ok)
	require.Equal(t, spec.Description, got.Description)
	require.Equal(t, 0, got.RefCount)
}

func TestMcpServerPinsToolRefCount(t *testing.T) {
	s := NewMcpStore()
	toolKey := ToolKey{Name: "search", Version: "v1"}
	_, err := s.Apply(NewPutToolCommand(ToolSpec{Key: toolKey, Description: "web search"}))
	require.NoError(t, err)

	serverSpec := ServerSpec{Name: "svr", Version: "v1", Tools: []ToolKey{toolKey}}
	_, err = s.Apply(NewPutServerCommand(serverSpec))
	require.NoError(t, err)

	tool, ok := s.GetTool(toolKey)
	require.True(t, ok)
	require.Equal(t, 1, tool.RefCount)

	// a second server version pinning the same tool bumps the ref count again
	serverSpec2 := ServerSpec{Name: "svr2", Version: "v1", Tools: []ToolKey{toolKey}}
	_, err = s.Apply(NewPutServerCommand(serverSpec2))
	require.NoError(t, err)
	tool, _ = s.GetTool(toolKey)
	require.Equal(t, 2, tool.RefCount)
}

func TestMcpDeleteToolBlockedWhileReferenced(t *testing.T) {
	s := NewMcpStore()
	toolKey := ToolKey{Name: "search", Version: "v1"}
	_, err := s.Apply(NewPutToolCommand(ToolSpec{Key: toolKey, Description: "web search"}))
	require.NoError(t, err)
	_, err = s.Apply(NewPutServerCommand(ServerSpec{Name: "svr", Version: "v1", Tools: []ToolKey{toolKey}}))
	require.NoError(t, err)

	_, err = s.Apply(NewDeleteToolCommand(toolKey))
	require.Error(t, err)

	_, err = s.Apply(NewDeleteServerCommand("svr", "v1"))
	require.NoError(t, err)
	tool, ok := s.GetTool(toolKey)
	require.True(t, ok)
	require.Equal(t, 0, tool.RefCount)

	_, err = s.Apply(NewDeleteToolCommand(toolKey))
	require.NoError(t, err)
	_, ok = s.GetTool(toolKey)
	require.False(t, ok)
}

func TestMcpReplacingServerVersionRebalancesRefCounts(t *testing.T) {
	s := NewMcpStore()
	toolA := ToolKey{Name: "search", Version: "v1"}
	toolB := ToolKey{Name: "fetch", Version: "v1"}
	_, err := s.Apply(NewPutToolCommand(ToolSpec{Key: toolA, Description: "search"}))
	require.NoError(t, err)
	_, err = s.Apply(NewPutToolCommand(ToolSpec{Key: toolB, Description: "fetch"}))
	require.NoError(t, err)

	_, err = s.Apply(NewPutServerCommand(ServerSpec{Name: "svr", Version: "v1", Tools: []ToolKey{toolA}}))
	require.NoError(t, err)

	// re-publishing the same (name, version) with a different tool set
	// should unref the old set and ref the new one
	_, err = s.Apply(NewPutServerCommand(ServerSpec{Name: "svr", Version: "v1", Tools: []ToolKey{toolB}}))
	require.NoError(t, err)

	a, _ := s.GetTool(toolA)
	b, _ := s.GetTool(toolB)
	require.Equal(t, 0, a.RefCount)
	require.Equal(t, 1, b.RefCount)
}

func TestMcpSnapshotRestoreRoundTrip(t *testing.T) {
	s := NewMcpStore()
	toolKey := ToolKey{Name: "search", Version: "v1"}
	_, err := s.Apply(NewPutToolCommand(ToolSpec{Key: toolKey, Description: "web search"}))
	require.NoError(t, err)
	_, err = s.Apply(NewPutServerCommand(ServerSpec{Name: "svr", Version: "v1", Tools: []ToolKey{toolKey}}))
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, s.Snapshot(rec))
	require.Len(t, rec.items, 2)

	fresh := NewMcpStore()
	for _, item := range rec.items {
		require.NoError(t, fresh.Restore(item))
	}
	tool, ok := fresh.GetTool(toolKey)
	require.True(t, ok)
	require.Equal(t, 1, tool.RefCount)

	server, ok := fresh.GetServer("svr", "v1")
	require.True(t, ok)
	require.Equal(t, []ToolKey{toolKey}, server.Tools)
}
