// ABOUTME: HTTP API handlers for health checks, minion listing and JSON RPC dispatch
// ABOUTME: Provides GET /api/minions and POST /api/rpc for callers that do not speak gRPC

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/minion-gateway/internal/auth"
	"github.com/2389/minion-gateway/internal/metrics"
	"github.com/2389/minion-gateway/internal/minion"
	"github.com/2389/minion-gateway/internal/store"
	pb "github.com/2389/minion-gateway/proto/minion"
)

// maxRPCBody caps the size of a POST /api/rpc body.
const maxRPCBody = 1 << 20

// MinionInfoResponse is the JSON response item for GET /api/minions.
type MinionInfoResponse struct {
	TenantID       string     `json:"tenant_id"`
	SystemID       string     `json:"system_id"`
	Location       string     `json:"location,omitempty"`
	Status         string     `json:"status"`
	Live           bool       `json:"live"`
	ConnectedAt    time.Time  `json:"connected_at"`
	LastSeen       time.Time  `json:"last_seen"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

// RPCRequest is the JSON request body for POST /api/rpc. Payload is any JSON value and is
// sent to the minion as a google.protobuf.Value.
type RPCRequest struct {
	RpcID     string          `json:"rpc_id,omitempty"`
	TenantID  string          `json:"tenant_id,omitempty"`
	Location  string          `json:"location,omitempty"`
	SystemID  string          `json:"system_id,omitempty"`
	ModuleID  string          `json:"module_id"`
	TimeoutMs int64           `json:"timeout_ms,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RPCResponse is the JSON response for POST /api/rpc.
type RPCResponse struct {
	RpcID    string          `json:"rpc_id"`
	SystemID string          `json:"system_id,omitempty"`
	Location string          `json:"location,omitempty"`
	ModuleID string          `json:"module_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    *pb.RpcError    `json:"error,omitempty"`
}

// routes builds the HTTP mux. API routes go through the auth middleware.
func (g *Gateway) routes(authCfg auth.Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	authMiddleware := auth.HTTPAuthMiddleware(authCfg)
	mux.Handle("/api/minions", authMiddleware(http.HandlerFunc(g.handleListMinions)))
	mux.Handle("/api/rpc", authMiddleware(http.HandlerFunc(g.handleRPC)))

	if g.config.Metrics.Enabled {
		mux.Handle(g.config.Metrics.Path, metrics.Handler())
		g.logger.Info("metrics endpoint enabled", "path", g.config.Metrics.Path)
	}
	return mux
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the server has at least one minion connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := len(g.registry.List())
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no minions connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d minions)", n)
}

// handleListMinions handles GET /api/minions.
// Query parameters tenant_id, location and status filter the result. Callers holding the
// wildcard tenant see every tenant unless they ask for one.
func (g *Gateway) handleListMinions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authCtx := auth.FromContext(r.Context())
	if authCtx == nil {
		g.sendJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	q := r.URL.Query()
	requested := q.Get("tenant_id")
	tenant := ""
	if authCtx.TenantID != auth.AnyTenant || requested != "" {
		var ok bool
		tenant, ok = authCtx.Tenant(requested)
		if !ok {
			g.sendJSONError(w, http.StatusForbidden, "not allowed to list this tenant")
			return
		}
	}

	minions, err := g.store.ListMinions(r.Context(), store.ListMinionsOptions{
		TenantID: tenant,
		Location: q.Get("location"),
		Status:   q.Get("status"),
	})
	if err != nil {
		g.logger.Error("failed to list minions", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	live := make(map[minion.TenantKey]bool)
	for _, info := range g.registry.List() {
		live[info.Identity.Key()] = true
	}

	response := make([]MinionInfoResponse, 0, len(minions))
	for _, m := range minions {
		response = append(response, MinionInfoResponse{
			TenantID:       m.TenantID,
			SystemID:       m.SystemID,
			Location:       m.Location,
			Status:         m.Status,
			Live:           live[minion.TenantKey{TenantID: m.TenantID, Key: m.SystemID}],
			ConnectedAt:    m.ConnectedAt,
			LastSeen:       m.LastSeen,
			DisconnectedAt: m.DisconnectedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"minions": response})
}

// handleRPC handles POST /api/rpc.
func (g *Gateway) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authCtx := auth.FromContext(r.Context())
	if authCtx == nil {
		g.sendJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req RPCRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRPCBody)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ModuleID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "module_id is required")
		return
	}

	tenant, ok := authCtx.Tenant(req.TenantID)
	if !ok {
		g.sendJSONError(w, http.StatusForbidden, fmt.Sprintf("not allowed to act for tenant %q", req.TenantID))
		return
	}

	payload, err := packJSONPayload(req.Payload)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := dispatchRequest(r.Context(), g.dispatcher, tenant, &pb.GatewayRpcRequest{
		RpcId:     req.RpcID,
		TenantId:  tenant,
		Location:  req.Location,
		SystemId:  req.SystemID,
		ModuleId:  req.ModuleID,
		TimeoutMs: req.TimeoutMs,
		Payload:   payload,
	})
	if err != nil {
		g.sendJSONError(w, httpStatus(err), status.Convert(err).Message())
		return
	}

	out := RPCResponse{
		RpcID:    resp.RpcId,
		SystemID: resp.SystemId,
		Location: resp.Location,
		ModuleID: resp.ModuleId,
		Error:    resp.Error,
	}
	if out.Payload, err = payloadJSON(resp.Payload); err != nil {
		g.logger.Warn("rendering rpc payload", "error", err, "rpc_id", resp.RpcId)
		g.sendJSONError(w, http.StatusBadGateway, "minion returned an unreadable payload")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// packJSONPayload wraps a raw JSON value as a packed google.protobuf.Value.
func packJSONPayload(raw json.RawMessage) (*pb.Payload, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v structpb.Value
	if err := protojson.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	return pb.PackPayload(&v)
}

// payloadJSON renders a payload as JSON. Types this binary does not know are returned in
// their raw type_url/value form.
func payloadJSON(p *pb.Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, nil
	}
	msg, err := p.Any().UnmarshalNew()
	if err != nil {
		return json.Marshal(p)
	}
	return protojson.Marshal(msg)
}

// httpStatus maps a dispatch status error onto an HTTP status code.
func httpStatus(err error) int {
	st, ok := status.FromError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unimplemented:
		return http.StatusNotFound
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Aborted:
		return http.StatusBadGateway
	case codes.Canceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// sendJSONError writes a JSON error response with the given status code and message.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
