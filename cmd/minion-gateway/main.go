// ABOUTME: Entry point for the minion-gateway server and its operator commands
// ABOUTME: serve runs the gateway; token, health, minions and call talk to a running one

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/minion-gateway/internal/auth"
	"github.com/2389/minion-gateway/internal/config"
	"github.com/2389/minion-gateway/internal/gateway"
	"github.com/2389/minion-gateway/internal/logging"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _       _                                _
 _ __ ___ (_)_ __ (_) ___  _ __        __ _  __ _| |_ _____      ____ _ _   _
| '_ ' _ \| | '_ \| |/ _ \| '_ \ _____/ _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| | | | | | | | | | | (_) | | | |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_| |_| |_|_|_| |_|_|\___/|_| |_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                       |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: MINION_GATEWAY_CONFIG env var > XDG_CONFIG_HOME/minion-gateway/gateway.yaml > ~/.config/minion-gateway/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MINION_GATEWAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "minion-gateway", "gateway.yaml")
}

var configPath string

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "minion-gateway",
		Short:         "Reverse RPC gateway for minions",
		Long:          "minion-gateway accepts outbound streams from minions and routes cloud requests to them by system id or location.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", getConfigPath(), "gateway config file")

	root.AddCommand(serveCmd(), tokenCmd(), healthCmd(), minionsCmd(), callCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cyan := color.New(color.FgCyan)
			cyan.Print(banner)
			gray := color.New(color.FgHiBlack)
			gray.Printf("    version: %s\n\n", version)

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

			green := color.New(color.FgGreen)
			yellow := color.New(color.FgYellow)
			green.Print("    ▶ ")
			fmt.Printf("Config:    %s\n", configPath)
			green.Print("    ▶ ")
			fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
			green.Print("    ▶ ")
			fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
			if cfg.Tailscale.Enabled {
				green.Print("    ▶ ")
				fmt.Printf("Tailscale: ")
				cyan.Print(cfg.Tailscale.Hostname)
				if cfg.Tailscale.Ephemeral {
					gray.Print(" (ephemeral)")
				}
				fmt.Println()
			}
			if cfg.Auth.JWTSecret == "" {
				yellow.Print("    ! ")
				fmt.Println("Auth:      metadata (no jwt_secret configured)")
			}
			fmt.Println()

			logger.Info("starting minion-gateway",
				"config", configPath,
				"grpc_addr", cfg.Server.GRPCAddr,
				"http_addr", cfg.Server.HTTPAddr,
			)

			gw, err := gateway.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			return gw.Run(cmd.Context())
		},
	}
}

func tokenCmd() *cobra.Command {
	var tenant, location string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token SUBJECT",
		Short: "Issue a bearer token signed with the configured jwt_secret",
		Long:  "Issue a bearer token for a minion or calling service. Use --tenant '*' for a token that may act for any tenant.",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("jwt_secret not configured in %s", configPath)
			}
			if tenant == "" {
				return fmt.Errorf("--tenant is required")
			}
			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return fmt.Errorf("creating JWT verifier: %w", err)
			}
			token, err := verifier.Generate(args[0], tenant, location, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant claim, or * for any tenant")
	cmd.Flags().StringVar(&location, "location", "", "location claim for minion tokens")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}

// apiRequest sends one request to the running gateway's HTTP API.
func apiRequest(ctx context.Context, cfg *config.Config, method, path, tenant, token string, body []byte) (int, []byte, error) {
	target := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if tenant != "" {
		req.Header.Set(auth.HeaderTenant, tenant)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			code, body, err := apiRequest(cmd.Context(), cfg, http.MethodGet, "/health/ready", "", "", nil)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			fmt.Println(string(body))
			if code != http.StatusOK {
				return fmt.Errorf("not ready: status %d", code)
			}
			return nil
		},
	}
}

func minionsCmd() *cobra.Command {
	var tenant, token, location, status string

	cmd := &cobra.Command{
		Use:   "minions",
		Short: "List known minions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path := "/api/minions"
			query := url.Values{}
			if location != "" {
				query.Set("location", location)
			}
			if status != "" {
				query.Set("status", status)
			}
			if len(query) > 0 {
				path += "?" + query.Encode()
			}

			code, body, err := apiRequest(cmd.Context(), cfg, http.MethodGet, path, tenant, token, nil)
			if err != nil {
				return err
			}
			if code != http.StatusOK {
				return fmt.Errorf("listing minions: status %d: %s", code, strings.TrimSpace(string(body)))
			}

			var out struct {
				Minions []gateway.MinionInfoResponse `json:"minions"`
			}
			if err := json.Unmarshal(body, &out); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			printMinions(out.Minions)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant to list (sent as X-Tenant-ID)")
	cmd.Flags().StringVar(&token, "token", os.Getenv("MINION_GATEWAY_TOKEN"), "bearer token")
	cmd.Flags().StringVar(&location, "location", "", "only minions at this location")
	cmd.Flags().StringVar(&status, "status", "", "online or offline")
	return cmd
}

func printMinions(minions []gateway.MinionInfoResponse) {
	if len(minions) == 0 {
		fmt.Println("no minions")
		return
	}
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)
	for _, m := range minions {
		marker := gray.Sprint("○")
		if m.Live {
			marker = green.Sprint("●")
		}
		fmt.Printf("%s %-12s %-24s %-16s %-8s last seen %s\n",
			marker, m.TenantID, m.SystemID, m.Location, m.Status, m.LastSeen.Local().Format(time.DateTime))
	}
}

func callCmd() *cobra.Command {
	var tenant, token, systemID, location, payload string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "call MODULE",
		Short: "Send a request to a minion and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if systemID == "" && location == "" {
				return fmt.Errorf("--system or --location is required")
			}

			req := gateway.RPCRequest{
				TenantID:  tenant,
				SystemID:  systemID,
				Location:  location,
				ModuleID:  args[0],
				TimeoutMs: timeout.Milliseconds(),
			}
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("--payload is not valid JSON")
				}
				req.Payload = json.RawMessage(payload)
			}
			body, err := json.Marshal(req)
			if err != nil {
				return fmt.Errorf("encoding request: %w", err)
			}

			code, resp, err := apiRequest(cmd.Context(), cfg, http.MethodPost, "/api/rpc", tenant, token, body)
			if err != nil {
				return err
			}
			if code != http.StatusOK {
				return fmt.Errorf("call failed: status %d: %s", code, strings.TrimSpace(string(resp)))
			}

			var out bytes.Buffer
			if err := json.Indent(&out, resp, "", "  "); err != nil {
				fmt.Println(string(resp))
				return nil
			}
			fmt.Println(out.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant to act for")
	cmd.Flags().StringVar(&token, "token", os.Getenv("MINION_GATEWAY_TOKEN"), "bearer token")
	cmd.Flags().StringVar(&systemID, "system", "", "target system id")
	cmd.Flags().StringVar(&location, "location", "", "target location")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "request timeout (gateway default when zero)")
	return cmd
}
