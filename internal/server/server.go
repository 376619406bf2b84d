// Package server implements the connected-client side of component F:
// the grpc Handler that accepts a client's replicated Command over the
// wire, routes it through the leader-route front-door, and applies it,
// plus the stream registration path the bidirectional stream manager
// needs. Read traffic is served far more richly by the HTTP mirror API
// in http.go, where JSON gives every state machine's query methods a
// natural response shape; the grpc path stays a thin, generic command
// pipe, mirroring how Nacos itself splits console/admin HTTP traffic
// from SDK grpc remoting.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_auth "github.com/grpc-ecosystem/go-grpc-middleware/auth"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	"go.opencensus.io/plugin/ocgrpc"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/nacos-go/nacosd/internal/apperr"
	"github.com/nacos-go/nacosd/internal/configsm"
	"github.com/nacos-go/nacosd/internal/leaderroute"
	"github.com/nacos-go/nacosd/internal/namingsm"
	"github.com/nacos-go/nacosd/internal/raftfsm"
	"github.com/nacos-go/nacosd/internal/streammgr"
	"github.com/nacos-go/nacosd/internal/transport"
	"github.com/nacos-go/nacosd/internal/wire"
)

// ApplyTimeout bounds how long a client waits for its command to
// commit through raft before the request fails.
const ApplyTimeout = 5 * time.Second

type Authorizer interface {
	Authorize(subject, object, action string) error
}

const (
	objectWildCard = "*"
	mutateAction   = "mutate"
)

type subjectContextKey struct{}

// Config collects the pieces the grpc Handler dispatches against.
type Config struct {
	Node        *raftfsm.Node
	Router      *leaderroute.Router
	Streams     *streammgr.Manager
	ConfigStore *configsm.Store
	NamingStore *namingsm.Store
	Authorizer  Authorizer
}

type nacosServer struct {
	*Config
}

var _ transport.Handler = (*nacosServer)(nil)

func NewGRPCServer(config *Config, opts ...grpc.ServerOption) (*grpc.Server, error) {
	logger := zap.L().Named("server")
	zapOpts := []grpc_zap.Option{
		grpc_zap.WithDurationField(func(duration time.Duration) zapcore.Field {
			return zap.Int64("grpc.time_ns", duration.Nanoseconds())
		}),
	}
	trace.ApplyConfig(trace.Config{DefaultSampler: trace.AlwaysSample()})
	if err := view.Register(ocgrpc.DefaultServerViews...); err != nil {
		return nil, err
	}

	opts = append(opts,
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_ctxtags.StreamServerInterceptor(),
			grpc_zap.StreamServerInterceptor(logger, zapOpts...),
			grpc_auth.StreamServerInterceptor(authenticate),
		)),
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_ctxtags.UnaryServerInterceptor(),
			grpc_zap.UnaryServerInterceptor(logger, zapOpts...),
			grpc_auth.UnaryServerInterceptor(authenticate),
		)),
		grpc.StatsHandler(&ocgrpc.ServerHandler{}),
		grpc.ForceServerCodec(transport.Codec{}),
	)

	gsrv := grpc.NewServer(opts...)
	transport.RegisterHandler(gsrv, &nacosServer{Config: config})
	return gsrv, nil
}

// Dispatch routes req by its Metadata.Type: the named read/health
// request types are served directly against the local state machines,
// and everything else is treated as a replicated raftfsm.Command
// submitted through the leader-route front-door, acked with the apply
// result rendered as a string (rich typed results belong to the HTTP
// mirror's JSON responses).
func (s *nacosServer) Dispatch(ctx context.Context, req *wire.Payload) (*wire.Payload, error) {
	if err := s.Authorizer.Authorize(subject(ctx), objectWildCard, mutateAction); err != nil {
		return nil, err
	}
	if req.Body == nil {
		return nil, apperr.New(apperr.Unknown, "empty request body")
	}

	reqType := ""
	if req.Metadata != nil {
		reqType = req.Metadata.Type
	}
	switch reqType {
	case wire.TypeConfigQueryRequest:
		return s.dispatchConfigQuery(req)
	case wire.TypeHealthCheckRequest:
		return healthCheckResponse(), nil
	case wire.TypeSubscribeServiceRequest, wire.TypeNotifySubscriberRequest:
		return nil, apperr.New(apperr.InvalidArgument, reqType+" is only valid on the bidirectional stream")
	}

	cmd, err := raftfsm.UnmarshalCommand(req.Body.Value)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unknown, "decode command", err)
	}
	return s.applyCommand(ctx, req, cmd)
}

func (s *nacosServer) applyCommand(ctx context.Context, req *wire.Payload, cmd *raftfsm.Command) (*wire.Payload, error) {
	return s.Router.Route(ctx, req, func(ctx context.Context, _ *wire.Payload) (*wire.Payload, error) {
		result, err := s.Node.Apply(cmd, ApplyTimeout)
		if err != nil {
			return nil, err
		}
		return &wire.Payload{
			Metadata: &wire.Metadata{Type: "ack"},
			Body:     &wire.Any{Value: []byte(fmt.Sprintf("%v", result))},
		}, nil
	})
}

// dispatchConfigQuery answers a ConfigQueryRequest straight from the
// local Config State Machine; reads bypass the leader-route front-door
// the same way the HTTP mirror's GET handler does.
func (s *nacosServer) dispatchConfigQuery(req *wire.Payload) (*wire.Payload, error) {
	var q wire.ConfigQueryRequest
	if err := json.Unmarshal(req.Body.Value, &q); err != nil {
		return nil, apperr.Wrap(apperr.Unknown, "decode ConfigQueryRequest", err)
	}
	key := configsm.Key{DataID: q.DataID, Group: q.Group, Tenant: configsm.NormaliseTenant(q.Tenant)}
	item, ok := s.ConfigStore.Get(key)
	resp := wire.ConfigQueryResponse{Found: ok}
	if ok {
		resp.Content = item.Value
		resp.MD5 = item.MD5
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return &wire.Payload{
		Metadata: &wire.Metadata{Type: wire.TypeConfigQueryResponse},
		Body:     &wire.Any{TypeURL: wire.TypeConfigQueryResponse, Value: body},
	}, nil
}

func healthCheckResponse() *wire.Payload {
	body, _ := json.Marshal(wire.HealthCheckResponse{Success: true})
	return &wire.Payload{
		Metadata: &wire.Metadata{Type: wire.TypeHealthCheckResponse},
		Body:     &wire.Any{TypeURL: wire.TypeHealthCheckResponse, Value: body},
	}
}

func serverCheckResponse(connectionID string) *wire.Payload {
	body, _ := json.Marshal(wire.ServerCheckResponse{ConnectionID: connectionID, Success: true})
	return &wire.Payload{
		Metadata: &wire.Metadata{Type: wire.TypeServerCheckResponse},
		Body:     &wire.Any{TypeURL: wire.TypeServerCheckResponse, Value: body},
	}
}

// subscriberID scopes a naming subscription to one connected client so
// Unsubscribe on disconnect only ever removes that client's own sink.
func subscriberID(clientID string, key namingsm.ServiceKey) string {
	return clientID + "\x02" + key.String()
}

func notifySubscriberFrame(delta namingsm.Delta) *wire.Payload {
	instances := make([]wire.ServiceInstance, 0, len(delta.Complete))
	for _, inst := range delta.Complete {
		instances = append(instances, wire.ServiceInstance{
			InstanceID: inst.InstanceID, IP: inst.IP, Port: inst.Port, Weight: inst.Weight,
			Healthy: inst.Healthy, Ephemeral: inst.Ephemeral, ClusterName: inst.ClusterName,
			Metadata: inst.Metadata,
		})
	}
	body, _ := json.Marshal(wire.NotifySubscriberRequest{
		Namespace: delta.Key.Namespace, Group: delta.Key.Group, Service: delta.Key.Service,
		Instances: instances,
	})
	return &wire.Payload{
		Metadata: &wire.Metadata{Type: wire.TypeNotifySubscriberRequest},
		Body:     &wire.Any{TypeURL: wire.TypeNotifySubscriberRequest, Value: body},
	}
}

// Stream registers the connected client with the stream manager,
// pushes the initial ServerCheckResponse handshake frame, and then
// drives every inbound frame by its Metadata.Type: SubscribeService
// registers or cancels a namingsm.Subscribe sink that pushes
// NotifySubscriberRequest frames back over this same connection,
// HealthCheck is acked directly, and a Detection frame only resets the
// liveness window. On disconnect any ephemeral instance this client
// owned over this stream is deregistered through the leader-route
// front-door (the from_grpc lifetime-binding invariant).
func (s *nacosServer) Stream(stream transport.BiStream) error {
	clientID := subject(stream.Context())
	if clientID == "" {
		clientID = uuid.NewString()
	}
	conn := &streamConn{stream: stream}
	s.Streams.Register(clientID, conn, nil)
	defer s.deregisterStream(clientID)

	if err := conn.Push(serverCheckResponse(clientID)); err != nil {
		return err
	}

	for {
		req, err := stream.Recv()
		if err != nil {
			return err
		}
		s.Streams.Touch(clientID)
		if req.Metadata == nil {
			continue
		}
		switch req.Metadata.Type {
		case streammgr.DetectionFrameType:
			continue
		case wire.TypeSubscribeServiceRequest:
			if err := s.handleSubscribe(clientID, req); err != nil {
				return err
			}
		case wire.TypeHealthCheckRequest:
			if err := conn.Push(healthCheckResponse()); err != nil {
				return err
			}
		default:
			// unknown frame types are acknowledged by the Touch above
			// and otherwise ignored, matching how real Nacos clients
			// probe server capabilities.
		}
	}
}

func (s *nacosServer) handleSubscribe(clientID string, req *wire.Payload) error {
	var sub wire.SubscribeServiceRequest
	if req.Body != nil {
		if err := json.Unmarshal(req.Body.Value, &sub); err != nil {
			return apperr.Wrap(apperr.Unknown, "decode SubscribeServiceRequest", err)
		}
	}
	key := namingsm.ServiceKey{Namespace: sub.Namespace, Group: sub.Group, Service: sub.Service}
	id := subscriberID(clientID, key)
	if !sub.Subscribe {
		s.NamingStore.Unsubscribe(key, id)
		return nil
	}
	s.NamingStore.Subscribe(key, id, func(delta namingsm.Delta) error {
		return s.Streams.Push(clientID, notifySubscriberFrame(delta))
	})
	info := s.NamingStore.Query(key, nil, false)
	return s.Streams.Push(clientID, notifySubscriberFrame(namingsm.Delta{Key: key, Complete: info.Instances}))
}

// deregisterStream unwinds everything a closed stream owned: its
// stream-manager registration, and any ephemeral instance whose
// lifetime was bound to it.
func (s *nacosServer) deregisterStream(clientID string) {
	s.Streams.Deregister(clientID)
	for _, affected := range s.NamingStore.OnStreamClosed(clientID) {
		s.NamingStore.Unsubscribe(affected.Key, subscriberID(clientID, affected.Key))
		cmd := namingsm.NewDeregisterCommand(affected.Key, affected.ID)
		ctx, cancel := context.WithTimeout(context.Background(), ApplyTimeout)
		if _, err := s.applyCommand(ctx, &wire.Payload{}, cmd); err != nil {
			zap.L().Named("server").Warn("deregister ephemeral instance on stream close",
				zap.String("client_id", clientID), zap.Error(err))
		}
		cancel()
	}
}

// streamConn adapts transport.BiStream to streammgr.Conn.
type streamConn struct {
	stream transport.BiStream
}

func (c *streamConn) Push(p *wire.Payload) error { return c.stream.Send(p) }
func (c *streamConn) Close()                     {}

func authenticate(ctx context.Context) (context.Context, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return ctx, status.New(codes.Unknown, "couldn't get peer info").Err()
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(tlsInfo.State.VerifiedChains) == 0 || len(tlsInfo.State.VerifiedChains[0]) == 0 {
		return context.WithValue(ctx, subjectContextKey{}, ""), nil
	}
	subjectName := tlsInfo.State.VerifiedChains[0][0].Subject.CommonName
	return context.WithValue(ctx, subjectContextKey{}, subjectName), nil
}

func subject(ctx context.Context) string {
	v, _ := ctx.Value(subjectContextKey{}).(string)
	return v
}
