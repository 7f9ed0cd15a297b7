// ABOUTME: Entry point for the relay-gateway conversational HTTP front-end
// ABOUTME: Cobra commands to serve, check health, and print a conversation log

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/gateway"
	"github.com/2389/relay-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _                                 _
 _ __ ___| | __ _ _   _       __ _  __ _| |_ _____      ____ _ _   _
| '__/ _ \ |/ _' | | | |____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| | |  __/ | (_| | |_| |____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_|  \___|_|\__,_|\__, |     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                  |___/      |___/                             |___/
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "relay-gateway",
		Short:         "Conversational HTTP front-end with a persistent message log",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default $"+config.EnvConfigPath+" or $XDG_CONFIG_HOME/relay/gateway.yaml)")

	root.AddCommand(
		serveCmd(&configPath),
		healthCmd(&configPath),
		logCmd(&configPath),
	)
	return root
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := config.Resolve(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			printSummary(cmd.OutOrStdout(), cfg, path)
			logger := setupLogger(cfg.Logging, cmd.OutOrStdout())

			logger.Info("starting relay-gateway",
				"config", path,
				"http_addr", cfg.Server.HTTPAddr,
				"grpc_addr", cfg.Server.GRPCAddr,
				"storage", cfg.Storage.Backend,
			)

			gw, err := gateway.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			return gw.Run(cmd.Context())
		},
	}
}

func healthCmd(configPath *string) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := config.Resolve(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			return checkHealth(ctx, "http://"+cfg.Server.HTTPAddr, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

// checkHealth queries baseURL/health and prints "healthy" on success.
func checkHealth(ctx context.Context, baseURL string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Fprintln(out, color.GreenString("healthy"))
	return nil
}

func logCmd(configPath *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "log <conversation-id>",
		Short: "Print a conversation log from the configured store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.Resolve(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			logger := setupLogger(config.LoggingConfig{Level: "error"}, cmd.ErrOrStderr())
			kv, err := store.Open(store.Options{
				Backend:  cfg.Storage.Backend,
				Path:     cfg.Storage.Path,
				Driver:   cfg.Storage.Driver,
				ReadOnly: true,
			}, logger)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer kv.Close()

			records, err := kv.Get(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				records = nil
			} else if err != nil {
				return fmt.Errorf("reading conversation: %w", err)
			}

			return printRecords(cmd.OutOrStdout(), records, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON lines")
	return cmd
}

// printRecords writes records one per line, either raw JSON or a readable
// "time author: message" form.
func printRecords(out io.Writer, records []store.Record, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		for _, rec := range records {
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		return nil
	}

	if len(records) == 0 {
		fmt.Fprintln(out, color.HiBlackString("(empty)"))
		return nil
	}

	for _, rec := range records {
		author := color.CyanString(rec.Username)
		if rec.Username == store.BotAuthor {
			author = color.GreenString(rec.Username)
		}
		fmt.Fprintf(out, "%s %s: %s\n",
			color.HiBlackString(rec.Time.Format(time.DateTime)),
			author,
			describeMessage(rec.Message))
	}
	return nil
}

// describeMessage renders a stored payload as one line of text.
func describeMessage(raw json.RawMessage) string {
	var p store.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return string(raw)
	}

	switch p.Type {
	case store.PayloadText:
		return p.Text
	case store.PayloadButton:
		s := "[buttons]"
		for _, b := range p.Buttons {
			s += fmt.Sprintf(" %s=%s", b.Title, b.Payload)
		}
		return s
	case store.PayloadImage:
		return "[image] " + p.Image
	default:
		return string(raw)
	}
}
