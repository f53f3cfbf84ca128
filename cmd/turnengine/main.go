// Command turnengine is the stdio JSON-RPC front end wiring every
// component (C1-C11) together (spec §6). Build/version plumbing and the
// cobra command scaffold are grounded on cmd/nexus/main.go.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// Build-time metadata, set via -ldflags the way cmd/nexus/main.go's are.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath, codeHome string

	root := &cobra.Command{
		Use:          "turnengine",
		Short:        "Turn execution engine for a conversational coding agent",
		Long:         "turnengine mediates between a UI and an LLM provider, expanding model turns into tool invocations under sandbox/approval policy, streaming output back over line-delimited JSON-RPC on stdio.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML config file")
	root.PersistentFlags().StringVar(&codeHome, "code-home", "", "state directory for accounts/rollouts (default: ~/.turnengine)")

	root.AddCommand(buildServeCmd(&configPath, &codeHome))
	return root
}

func buildServeCmd(configPath, codeHome *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the stdio JSON-RPC server (spec §6 transport)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath, *codeHome)
		},
	}
}

const shutdownGrace = 5 * time.Second

func runServe(configPath, codeHome string) error {
	logger := slog.Default().With("component", "turnengine")

	svc, err := newServices(configPath, codeHome)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.MCP.Start(ctx); err != nil {
		logger.Warn("mcp manager start failed", "error", err)
	}
	defer svc.MCP.Stop()

	conn := stdioConn(logger)
	srv := newServer(svc, conn)

	var wg sync.WaitGroup
	cancelled := false

readLoop:
	for {
		req, readErr := conn.readRequest()
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break readLoop
			}
			logger.Warn("malformed request line, skipping", "error", readErr)
			continue
		}
		if req.Method == "" {
			continue
		}

		select {
		case <-ctx.Done():
			cancelled = true
			break readLoop
		default:
		}

		wg.Add(1)
		go func(r *rpcRequest) {
			defer wg.Done()
			srv.handle(ctx, r)
		}(req)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		logger.Warn("shutdown grace period elapsed with requests still in flight")
	}

	srv.mu.Lock()
	for id, th := range srv.threads {
		if err := th.close(); err != nil {
			logger.Warn("thread close failed", "thread_id", id, "error", err)
		}
	}
	srv.mu.Unlock()

	if cancelled || ctx.Err() != nil {
		os.Exit(130)
	}
	if srv.hadError.Load() {
		os.Exit(1)
	}
	return nil
}
