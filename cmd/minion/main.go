// ABOUTME: Entry point for the minion agent that keeps a stream open to a gateway
// ABOUTME: Serves builtin modules plus sysinfo, and can call gateway modules from the shell

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/minion-gateway/internal/logging"
	"github.com/2389/minion-gateway/internal/minionclient"
	"github.com/2389/minion-gateway/internal/modules"
	pb "github.com/2389/minion-gateway/proto/minion"
)

var version = "dev"

// SysInfoModule reports host facts about the minion.
const SysInfoModule = "sysinfo"

// getConfigPath returns the path to the minion config file.
// Priority: MINION_CONFIG env var > XDG_CONFIG_HOME/minion/minion.toml > ~/.config/minion/minion.toml
func getConfigPath() string {
	if envPath := os.Getenv("MINION_CONFIG"); envPath != "" {
		return envPath
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "minion.toml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "minion", "minion.toml")
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
		Use:           "minion",
		Short:         "Agent that dials out to a minion-gateway and serves its requests",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", getConfigPath(), "minion config file")
	root.AddCommand(runCmd(), callCmd())
	return root
}

// newClient builds a client from the config file.
func newClient(cfg *Config, logger *slog.Logger) (*minionclient.Client, error) {
	creds := insecure.NewCredentials()
	if cfg.Gateway.TLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	return minionclient.New(minionclient.Config{
		Address:           cfg.Gateway.Address,
		SystemID:          cfg.Identity.SystemID,
		TenantID:          cfg.Identity.TenantID,
		Location:          cfg.Identity.Location,
		Token:             cfg.Gateway.Token,
		Version:           version,
		Workers:           cfg.Worker.Workers,
		HeartbeatInterval: cfg.Worker.heartbeat,
		CallTimeout:       cfg.Worker.callTimeout,
		MaxBackoff:        cfg.Worker.maxBackoff,
		DialOptions:       []grpc.DialOption{grpc.WithTransportCredentials(creds)},
		Logger:            logger,
	})
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the gateway and serve requests until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

			green := color.New(color.FgGreen)
			green.Print("    ▶ ")
			fmt.Printf("Minion:  %s (tenant %q, location %q)\n", cfg.Identity.SystemID, cfg.Identity.TenantID, cfg.Identity.Location)
			green.Print("    ▶ ")
			fmt.Printf("Gateway: %s\n\n", cfg.Gateway.Address)

			client, err := newClient(cfg, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Modules().Bind(SysInfoModule, sysInfo(time.Now())); err != nil {
				return fmt.Errorf("binding %s: %w", SysInfoModule, err)
			}
			logger.Info("serving modules", "modules", client.Modules().Modules())

			return client.Run(cmd.Context())
		},
	}
}

// sysInfo answers with host facts and the agent's uptime.
func sysInfo(started time.Time) modules.Handler {
	return modules.HandlerFunc(func(_ context.Context, _ *modules.Call) (*pb.Payload, error) {
		host, _ := os.Hostname()
		info, err := structpb.NewStruct(map[string]any{
			"hostname":   host,
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"goroutines": float64(runtime.NumGoroutine()),
			"uptime_s":   time.Since(started).Seconds(),
			"version":    version,
		})
		if err != nil {
			return nil, err
		}
		return pb.PackPayload(info)
	})
}

func callCmd() *cobra.Command {
	var payload string
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "call MODULE",
		Short: "Call a module served by the gateway and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger := logging.New("warn", cfg.Logging.Format)

			var req *pb.Payload
			if payload != "" {
				var v structpb.Value
				if err := protojson.Unmarshal([]byte(payload), &v); err != nil {
					return fmt.Errorf("--payload is not valid JSON: %w", err)
				}
				if req, err = pb.PackPayload(&v); err != nil {
					return err
				}
			}

			client, err := newClient(cfg, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			runCtx, stop := context.WithCancel(ctx)
			done := make(chan struct{})
			go func() {
				defer close(done)
				_ = client.Run(runCtx)
			}()
			defer func() {
				stop()
				<-done
			}()

			if err := client.WaitReady(ctx); err != nil {
				return fmt.Errorf("connecting to %s: %w", cfg.Gateway.Address, err)
			}
			resp, err := client.Call(ctx, args[0], req)
			if err != nil {
				return err
			}

			if resp.Payload == nil {
				fmt.Println("(empty reply)")
				return nil
			}
			msg, err := resp.Payload.Any().UnmarshalNew()
			if err != nil {
				return fmt.Errorf("decoding reply of type %s: %w", resp.Payload.GetTypeUrl(), err)
			}
			out, err := protojson.MarshalOptions{Multiline: true}.Marshal(msg)
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload, sent as google.protobuf.Value")
	cmd.Flags().DurationVar(&wait, "timeout", 10*time.Second, "time allowed to connect and get a reply")
	return cmd
}
