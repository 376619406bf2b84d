package wire

// Request/response type names carried in Payload.Metadata.Type and
// Payload.Body.TypeURL, matching the names Nacos's own grpc remoting
// protocol uses for its JSON-encoded request/response bodies. Mutating
// operations still ride the raw raftfsm.Command body (see
// raftfsm.UnmarshalCommand); these named types cover the read and
// streaming-push surface that has no replicated command behind it.
const (
	TypeConfigQueryRequest  = "ConfigQueryRequest"
	TypeConfigQueryResponse = "ConfigQueryResponse"

	TypeSubscribeServiceRequest = "SubscribeServiceRequest"
	TypeNotifySubscriberRequest = "NotifySubscriberRequest"

	TypeHealthCheckRequest  = "HealthCheckRequest"
	TypeHealthCheckResponse = "HealthCheckResponse"

	TypeServerCheckResponse = "ServerCheckResponse"
)

// ConfigQueryRequest asks for the current value and md5 of one config
// entry, served directly from the local Config State Machine without
// going through the leader-route front-door (reads bypass it).
type ConfigQueryRequest struct {
	DataID string `json:"dataId"`
	Group  string `json:"group"`
	Tenant string `json:"tenant"`
}

type ConfigQueryResponse struct {
	Content string `json:"content"`
	MD5     string `json:"md5"`
	Found   bool   `json:"found"`
}

// SubscribeServiceRequest registers or cancels a connected client's
// interest in a service's instance list; Subscribe=false unsubscribes.
type SubscribeServiceRequest struct {
	Namespace string `json:"namespace"`
	Group     string `json:"groupName"`
	Service   string `json:"serviceName"`
	Clusters  string `json:"clusters"`
	Subscribe bool   `json:"subscribe"`
}

// ServiceInstance is the wire projection of namingsm.Instance carried
// in a NotifySubscriberRequest push frame.
type ServiceInstance struct {
	InstanceID  string            `json:"instanceId"`
	IP          string            `json:"ip"`
	Port        int               `json:"port"`
	Weight      float64           `json:"weight"`
	Healthy     bool              `json:"healthy"`
	Ephemeral   bool              `json:"ephemeral"`
	ClusterName string            `json:"clusterName"`
	Metadata    map[string]string `json:"metadata"`
}

// NotifySubscriberRequest is the server-initiated push frame a
// subscriber's sink renders delta/complete instance lists into.
type NotifySubscriberRequest struct {
	Namespace string            `json:"namespace"`
	Group     string            `json:"groupName"`
	Service   string            `json:"serviceName"`
	Instances []ServiceInstance `json:"hosts"`
}

type HealthCheckResponse struct {
	Success bool `json:"success"`
}

// ServerCheckResponse is the first frame the server pushes once a
// client's bidirectional stream registers, mirroring the connection
// handshake real Nacos SDKs expect before sending any other frame.
type ServerCheckResponse struct {
	ConnectionID string `json:"connectionId"`
	Success      bool   `json:"success"`
}
