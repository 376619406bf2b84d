package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/nacos-go/nacosd/internal/accesslog"
	"github.com/nacos-go/nacosd/internal/apperr"
	"github.com/nacos-go/nacosd/internal/configsm"
	"github.com/nacos-go/nacosd/internal/leaderroute"
	"github.com/nacos-go/nacosd/internal/metrics"
	"github.com/nacos-go/nacosd/internal/namingsm"
	"github.com/nacos-go/nacosd/internal/nsmcp"
	"github.com/nacos-go/nacosd/internal/raftfsm"
)

// Long-poll timeout bounds and safety margin for the config listener
// endpoint (r-nacos listener_config: min(max(10000,v),120000) - 500).
const (
	minLongPollMS           = 10000
	maxLongPollMS           = 120000
	longPollSafetyMarginMS = 500
)

func clampLongPollTimeout(ms int) time.Duration {
	if ms < minLongPollMS {
		ms = minLongPollMS
	}
	if ms > maxLongPollMS {
		ms = maxLongPollMS
	}
	return time.Duration(ms-longPollSafetyMarginMS) * time.Millisecond
}

// HTTPConfig collects the state machines and routing the mirror API
// reads from and mutates through.
type HTTPConfig struct {
	Node      *raftfsm.Node
	Router    *leaderroute.Router
	Config    *configsm.Store
	Naming    *namingsm.Store
	Namespace *nsmcp.NamespaceStore
}

// NewHTTPServer builds the HTTP mirror API (component F's second
// half): gorilla/mux routing over config and naming CRUD plus health
// and prometheus metrics.
func NewHTTPServer(addr string, cfg *HTTPConfig) *http.Server {
	h := &httpServer{HTTPConfig: cfg}
	router := mux.NewRouter()
	router.Use(metricsMiddleware)
	router.Use(accessLogMiddleware)

	router.HandleFunc("/nacos/v1/cs/configs", h.handleConfigGet).Methods(http.MethodGet)
	router.HandleFunc("/nacos/v1/cs/configs", h.handleConfigPut).Methods(http.MethodPost)
	router.HandleFunc("/nacos/v1/cs/configs", h.handleConfigDelete).Methods(http.MethodDelete)
	router.HandleFunc("/nacos/v1/cs/configs/listener", h.handleConfigListener).Methods(http.MethodPost)

	router.HandleFunc("/nacos/v1/ns/instance", h.handleInstanceRegister).Methods(http.MethodPost)
	router.HandleFunc("/nacos/v1/ns/instance", h.handleInstanceDeregister).Methods(http.MethodDelete)
	router.HandleFunc("/nacos/v1/ns/instance/beat", h.handleInstanceBeat).Methods(http.MethodPut)
	router.HandleFunc("/nacos/v1/ns/instance/list", h.handleInstanceQuery).Methods(http.MethodGet)

	router.HandleFunc("/nacos/v1/console/namespaces", h.handleNamespaceList).Methods(http.MethodGet)

	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	return &http.Server{Addr: addr, Handler: router}
}

type httpServer struct {
	*HTTPConfig
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		accesslog.Request(r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), map[string]string{"error": err.Error()})
}

func writePlainText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain;charset=UTF-8")
	w.Write([]byte(body))
}

// applyLocally submits cmd through raft directly when this node is
// leader; otherwise it reports NoLeader with the known leader address
// so the caller can retry there (the HTTP mirror does not itself
// forward, unlike the grpc Dispatch path, keeping redirection visible
// to HTTP clients the way a 307 would).
func (h *httpServer) applyLocally(ctx context.Context, cmd *raftfsm.Command) (interface{}, error) {
	if h.Node.IsLeader() {
		return h.Node.Apply(cmd, ApplyTimeout)
	}
	addr := h.Node.LeaderAddr()
	if addr == "" {
		return nil, apperr.New(apperr.NoLeader, "no raft leader known")
	}
	return nil, apperr.New(apperr.NoLeader, "not leader, retry against "+addr)
}

func (h *httpServer) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	key := configsm.Key{
		DataID: r.URL.Query().Get("dataId"),
		Group:  r.URL.Query().Get("group"),
		Tenant: configsm.NormaliseTenant(r.URL.Query().Get("tenant")),
	}
	item, ok := h.Config.Get(key)
	if !ok {
		writeError(w, apperr.New(apperr.NotFound, "config data not exist"))
		return
	}
	contentType := item.ContentType
	if contentType == "" {
		contentType = "text/html;charset=UTF-8"
	}
	w.Header().Set("content-md5", item.MD5)
	w.Header().Set("Content-Type", contentType)
	w.Write([]byte(item.Value))
}

func (h *httpServer) handleConfigPut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, apperr.Wrap(apperr.Unknown, "parse request", err))
		return
	}
	key := configsm.Key{
		DataID: r.FormValue("dataId"),
		Group:  r.FormValue("group"),
		Tenant: configsm.NormaliseTenant(r.FormValue("tenant")),
	}
	cmd := configsm.NewSetCommand(key, r.FormValue("content"), r.FormValue("type"), r.FormValue("desc"))
	if _, err := h.applyLocally(r.Context(), cmd); err != nil {
		writeError(w, err)
		return
	}
	writePlainText(w, "true")
}

func (h *httpServer) handleConfigDelete(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, apperr.Wrap(apperr.Unknown, "parse request", err))
		return
	}
	key := configsm.Key{
		DataID: r.FormValue("dataId"),
		Group:  r.FormValue("group"),
		Tenant: configsm.NormaliseTenant(r.FormValue("tenant")),
	}
	if _, err := h.applyLocally(r.Context(), configsm.NewDeleteCommand(key)); err != nil {
		writeError(w, err)
		return
	}
	writePlainText(w, "true")
}

// handleConfigListener serves the long-poll endpoint: it parks on every
// listed (key, md5) pair via configsm.AddListener, wakes on the first
// change or the clamped deadline, and reports every key whose current
// md5 no longer matches what the client last saw.
func (h *httpServer) handleConfigListener(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, apperr.Wrap(apperr.Unknown, "parse request", err))
		return
	}
	items := configsm.DecodeListenerItems(r.FormValue("Listening-Configs"))
	if len(items) == 0 {
		w.WriteHeader(http.StatusNoContent)
		writePlainText(w, "error:listener empty")
		return
	}

	timeoutMS, _ := strconv.Atoi(r.Header.Get("Long-Pulling-Timeout"))
	timeout := clampLongPollTimeout(timeoutMS)
	deadline := time.Now().Add(timeout)
	clientID := r.Header.Get("Client-Ip")
	if clientID == "" {
		clientID = r.RemoteAddr
	}

	notify := make(chan struct{}, 1)
	for _, item := range items {
		ch := h.Config.AddListener(clientID, item.Key, item.MD5, deadline)
		go func(ch <-chan struct{}) {
			<-ch
			select {
			case notify <- struct{}{}:
			default:
			}
		}(ch)
	}

	select {
	case <-notify:
	case <-time.After(time.Until(deadline)):
	case <-r.Context().Done():
		return
	}

	var changed strings.Builder
	for _, item := range items {
		cur, ok := h.Config.Get(item.Key)
		if !ok || cur.MD5 != item.MD5 {
			changed.WriteString(configsm.BuildListenerKey(item.Key))
			changed.WriteByte(0x01)
		}
	}
	body := ""
	if changed.Len() > 0 {
		body = url.QueryEscape(changed.String()) + "\n"
	}
	writePlainText(w, body)
}

func serviceKeyFromForm(r *http.Request) namingsm.ServiceKey {
	return namingsm.ServiceKey{
		Namespace: r.FormValue("namespaceId"),
		Group:     r.FormValue("groupName"),
		Service:   r.FormValue("serviceName"),
	}
}

func (h *httpServer) handleInstanceRegister(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, apperr.Wrap(apperr.Unknown, "parse request", err))
		return
	}
	port, _ := strconv.Atoi(r.FormValue("port"))
	weight, err := strconv.ParseFloat(r.FormValue("weight"), 64)
	if err != nil {
		weight = 1.0
	}
	ephemeral := r.FormValue("ephemeral") != "false"

	key := serviceKeyFromForm(r)
	inst := &namingsm.Instance{
		InstanceID: r.FormValue("instanceId"),
		IP:         r.FormValue("ip"), Port: port, Weight: weight,
		Enabled: true, Healthy: true, Ephemeral: ephemeral,
		ClusterName: r.FormValue("clusterName"),
	}
	if inst.ClusterName == "" {
		inst.ClusterName = "DEFAULT"
	}
	cmd := namingsm.NewRegisterCommand(key, inst)
	if _, err := h.applyLocally(r.Context(), cmd); err != nil {
		writeError(w, err)
		return
	}
	writePlainText(w, "ok")
}

func (h *httpServer) handleInstanceDeregister(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, apperr.Wrap(apperr.Unknown, "parse request", err))
		return
	}
	key := serviceKeyFromForm(r)
	instanceID := r.FormValue("instanceId")
	if instanceID == "" {
		port, _ := strconv.Atoi(r.FormValue("port"))
		instanceID = namingsm.InstanceID(r.FormValue("ip"), port, r.FormValue("clusterName"))
	}
	if _, err := h.applyLocally(r.Context(), namingsm.NewDeregisterCommand(key, instanceID)); err != nil {
		writeError(w, err)
		return
	}
	writePlainText(w, "ok")
}

func (h *httpServer) handleInstanceBeat(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, apperr.Wrap(apperr.Unknown, "parse request", err))
		return
	}
	key := serviceKeyFromForm(r)
	port, _ := strconv.Atoi(r.FormValue("port"))
	clusterName := r.FormValue("clusterName")
	if clusterName == "" {
		clusterName = "DEFAULT"
	}
	instanceID := r.FormValue("instanceId")
	if instanceID == "" {
		instanceID = namingsm.InstanceID(r.FormValue("ip"), port, clusterName)
	}
	cmd := namingsm.NewHeartbeatCommand(key, instanceID)
	if _, err := h.applyLocally(r.Context(), cmd); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"clientBeatInterval": 5000,
		"code":               10200,
		"lightBeatEnabled":   true,
	})
}

func (h *httpServer) handleInstanceQuery(w http.ResponseWriter, r *http.Request) {
	key := namingsm.ServiceKey{
		Namespace: r.URL.Query().Get("namespaceId"),
		Group:     r.URL.Query().Get("groupName"),
		Service:   r.URL.Query().Get("serviceName"),
	}
	healthyOnly := r.URL.Query().Get("healthyOnly") == "true"
	info := h.Naming.Query(key, nil, healthyOnly)
	writeJSON(w, http.StatusOK, info)
}

func (h *httpServer) handleNamespaceList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Namespace.List())
}

func (h *httpServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"isLeader":  h.Node.IsLeader(),
		"leader":    h.Node.LeaderAddr(),
		"timestamp": time.Now().UTC(),
	})
}
