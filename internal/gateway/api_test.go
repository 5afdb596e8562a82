// ABOUTME: Tests for the HTTP API: health checks, minion listing and JSON RPC dispatch
// ABOUTME: Requests go straight to the gateway's handler through httptest

package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/minion-gateway/internal/auth"
	"github.com/2389/minion-gateway/internal/modules"
)

// serve runs one request through the gateway's HTTP handler.
func serve(gw *Gateway, method, target, tenant, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if tenant != "" {
		req.Header.Set(auth.HeaderTenant, tenant)
	}
	rec := httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	gw, lis := newTestGateway(t, "")

	rec := serve(gw, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = serve(gw, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	startMinion(t, gw, lis, nil)

	rec = serve(gw, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready (1 minions)", rec.Body.String())
}

func TestListMinions(t *testing.T) {
	gw, lis := newTestGateway(t, "")
	startMinion(t, gw, lis, nil)

	// Presence is recorded asynchronously.
	var out struct {
		Minions []MinionInfoResponse `json:"minions"`
	}
	require.Eventually(t, func() bool {
		rec := serve(gw, http.MethodGet, "/api/minions", "acme", "")
		if rec.Code != http.StatusOK {
			return false
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return len(out.Minions) == 1
	}, 2*time.Second, 5*time.Millisecond)

	m := out.Minions[0]
	assert.Equal(t, "acme", m.TenantID)
	assert.Equal(t, "m1", m.SystemID)
	assert.Equal(t, "lab", m.Location)
	assert.Equal(t, "online", m.Status)
	assert.True(t, m.Live)

	t.Run("other tenant sees nothing", func(t *testing.T) {
		rec := serve(gw, http.MethodGet, "/api/minions", "globex", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"minions":[]}`, rec.Body.String())
	})

	t.Run("wildcard caller sees every tenant", func(t *testing.T) {
		rec := serve(gw, http.MethodGet, "/api/minions", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"system_id":"m1"`)
	})

	t.Run("tenant mismatch", func(t *testing.T) {
		rec := serve(gw, http.MethodGet, "/api/minions?tenant_id=globex", "acme", "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := serve(gw, http.MethodPost, "/api/minions", "acme", "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestRPCEndpoint(t *testing.T) {
	gw, lis := newTestGateway(t, "")
	startMinion(t, gw, lis, nil)

	t.Run("echo roundtrip", func(t *testing.T) {
		rec := serve(gw, http.MethodPost, "/api/rpc", "acme",
			`{"rpc_id":"http-1","system_id":"m1","module_id":"echo","payload":{"msg":"hi","n":2}}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var out RPCResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		assert.Equal(t, "http-1", out.RpcID)
		assert.Equal(t, "m1", out.SystemID)
		assert.Equal(t, modules.EchoModule, out.ModuleID)
		assert.Nil(t, out.Error)
		assert.JSONEq(t, `{"msg":"hi","n":2}`, string(out.Payload))
	})

	t.Run("handler failure", func(t *testing.T) {
		rec := serve(gw, http.MethodPost, "/api/rpc", "acme",
			`{"location":"lab","module_id":"echo","payload":{"fail":"boom"}}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var out RPCResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		require.NotNil(t, out.Error)
		assert.Equal(t, "boom", out.Error.Message)
	})

	tests := []struct {
		name   string
		method string
		tenant string
		body   string
		want   int
	}{
		{"wrong method", http.MethodGet, "acme", "", http.StatusMethodNotAllowed},
		{"invalid json", http.MethodPost, "acme", `{`, http.StatusBadRequest},
		{"missing module", http.MethodPost, "acme", `{"system_id":"m1"}`, http.StatusBadRequest},
		{"missing target", http.MethodPost, "acme", `{"module_id":"echo"}`, http.StatusBadRequest},
		{"tenant mismatch", http.MethodPost, "acme", `{"tenant_id":"globex","system_id":"m1","module_id":"echo"}`, http.StatusForbidden},
		{"wildcard without tenant", http.MethodPost, "", `{"system_id":"m1","module_id":"echo"}`, http.StatusForbidden},
		{"unreachable", http.MethodPost, "acme", `{"system_id":"ghost","module_id":"echo"}`, http.StatusServiceUnavailable},
		{"unknown module", http.MethodPost, "acme", `{"system_id":"m1","module_id":"nope"}`, http.StatusNotFound},
		{"timeout", http.MethodPost, "acme", `{"system_id":"m1","module_id":"echo","timeout_ms":50,"payload":{"delay_ms":1000}}`, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(gw, tt.method, "/api/rpc", tt.tenant, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gw, _ := newTestGateway(t, "")

	rec := serve(gw, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "minion_gateway_connected_minions")
}
