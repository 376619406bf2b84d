package leaderroute

import (
	"context"
	"errors"
	"testing"

	"github.com/nacos-go/nacosd/internal/apperr"
	"github.com/nacos-go/nacosd/internal/wire"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	leader bool
	addr   string
}

func (d *fakeDispatcher) IsLeader() bool     { return d.leader }
func (d *fakeDispatcher) LeaderAddr() string { return d.addr }

type fakeClient struct {
	forwardFn func(ctx context.Context, p *wire.Payload) (*wire.Payload, error)
	closed    bool
}

func (c *fakeClient) Forward(ctx context.Context, p *wire.Payload) (*wire.Payload, error) {
	return c.forwardFn(ctx, p)
}
func (c *fakeClient) Close() error { c.closed = true; return nil }

func TestRouteDispatchesLocallyWhenLeader(t *testing.T) {
	d := &fakeDispatcher{leader: true}
	r := NewRouter(d, func(addr string) (RemoteClient, error) { t.Fatal("should not dial"); return nil, nil })

	called := false
	_, err := r.Route(context.Background(), &wire.Payload{}, func(ctx context.Context, p *wire.Payload) (*wire.Payload, error) {
		called = true
		return &wire.Payload{}, nil
	})
	require.NoError(t, err)
	require.True(t, called)
}

func TestRouteFailsWithNoLeaderWhenUnknown(t *testing.T) {
	d := &fakeDispatcher{leader: false, addr: ""}
	r := NewRouter(d, func(addr string) (RemoteClient, error) { return nil, nil })

	_, err := r.Route(context.Background(), &wire.Payload{}, nil)
	require.Error(t, err)
	require.Equal(t, apperr.NoLeader, apperr.KindOf(err))
}

func TestRouteForwardsToRemoteLeader(t *testing.T) {
	d := &fakeDispatcher{leader: false, addr: "node2:8080"}
	dialCount := 0
	client := &fakeClient{forwardFn: func(ctx context.Context, p *wire.Payload) (*wire.Payload, error) {
		return &wire.Payload{Metadata: &wire.Metadata{Type: "ok"}}, nil
	}}
	r := NewRouter(d, func(addr string) (RemoteClient, error) {
		dialCount++
		require.Equal(t, "node2:8080", addr)
		return client, nil
	})

	resp, err := r.Route(context.Background(), &wire.Payload{}, nil)
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Metadata.Type)

	// second call reuses the cached channel
	_, err = r.Route(context.Background(), &wire.Payload{}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, dialCount)
}

func TestRouteRedialsAfterLeaderChange(t *testing.T) {
	d := &fakeDispatcher{leader: false, addr: "node2:8080"}
	var dialed []string
	r := NewRouter(d, func(addr string) (RemoteClient, error) {
		dialed = append(dialed, addr)
		return &fakeClient{forwardFn: func(ctx context.Context, p *wire.Payload) (*wire.Payload, error) {
			return &wire.Payload{}, nil
		}}, nil
	})

	_, err := r.Route(context.Background(), &wire.Payload{}, nil)
	require.NoError(t, err)

	d.addr = "node3:8080"
	_, err = r.Route(context.Background(), &wire.Payload{}, nil)
	require.NoError(t, err)

	require.Equal(t, []string{"node2:8080", "node3:8080"}, dialed)
}

func TestRouteInvalidatesCacheOnForwardFailure(t *testing.T) {
	d := &fakeDispatcher{leader: false, addr: "node2:8080"}
	dialCount := 0
	r := NewRouter(d, func(addr string) (RemoteClient, error) {
		dialCount++
		return &fakeClient{forwardFn: func(ctx context.Context, p *wire.Payload) (*wire.Payload, error) {
			return nil, errors.New("connection reset")
		}}, nil
	})

	_, err := r.Route(context.Background(), &wire.Payload{}, nil)
	require.Error(t, err)
	require.Equal(t, apperr.NoLeader, apperr.KindOf(err))

	_, err = r.Route(context.Background(), &wire.Payload{}, nil)
	require.Error(t, err)
	require.Equal(t, 2, dialCount)
}
