// ABOUTME: Tests for minion TOML config parsing
// ABOUTME: Covers env expansion, durations, defaults and validation errors

package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/minion-gateway/internal/modules"
)

func TestParseConfig(t *testing.T) {
	t.Setenv("MINION_TOKEN", "secret-token")

	cfg, err := ParseConfig(`
[identity]
system_id = "m1"
tenant_id = "acme"
location = "lab"

[gateway]
address = "gateway.local:50051"
token = "${MINION_TOKEN}"
tls = true

[worker]
workers = 4
heartbeat_interval = "15s"
call_timeout = "5s"
max_backoff = "1m"

[logging]
level = "debug"
format = "json"
`)
	require.NoError(t, err)

	assert.Equal(t, "m1", cfg.Identity.SystemID)
	assert.Equal(t, "acme", cfg.Identity.TenantID)
	assert.Equal(t, "lab", cfg.Identity.Location)
	assert.Equal(t, "gateway.local:50051", cfg.Gateway.Address)
	assert.Equal(t, "secret-token", cfg.Gateway.Token)
	assert.True(t, cfg.Gateway.TLS)
	assert.Equal(t, 4, cfg.Worker.Workers)
	assert.Equal(t, 15*time.Second, cfg.Worker.heartbeat)
	assert.Equal(t, 5*time.Second, cfg.Worker.callTimeout)
	assert.Equal(t, time.Minute, cfg.Worker.maxBackoff)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig(`
[gateway]
address = "localhost:50051"
`)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Identity.SystemID, "system id falls back to the hostname")
	assert.Zero(t, cfg.Worker.heartbeat)
}

func TestParseConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"invalid toml", `[identity`},
		{"missing address", "[identity]\nsystem_id = \"m1\"\n"},
		{"bad duration", "[gateway]\naddress = \"x:1\"\n[worker]\nheartbeat_interval = \"soon\"\n"},
		{"negative duration", "[gateway]\naddress = \"x:1\"\n[worker]\ncall_timeout = \"-1s\"\n"},
		{"negative workers", "[gateway]\naddress = \"x:1\"\n[worker]\nworkers = -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig(tt.toml)
			assert.Error(t, err)
		})
	}
}

func TestSysInfo(t *testing.T) {
	p, err := sysInfo(time.Now().Add(-time.Minute)).Execute(context.Background(), &modules.Call{ModuleID: SysInfoModule})
	require.NoError(t, err)

	var info structpb.Struct
	require.NoError(t, p.UnmarshalTo(&info))
	assert.NotEmpty(t, info.Fields["os"].GetStringValue())
	assert.GreaterOrEqual(t, info.Fields["uptime_s"].GetNumberValue(), 60.0)
}
