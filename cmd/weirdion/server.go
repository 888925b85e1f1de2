package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/weirdion/weirdion/internal/api"
	"github.com/weirdion/weirdion/internal/catalog"
	"github.com/weirdion/weirdion/internal/config"
	"github.com/weirdion/weirdion/internal/history"
	"github.com/weirdion/weirdion/internal/nodes"
	"github.com/weirdion/weirdion/internal/profile"
	"github.com/weirdion/weirdion/internal/storage"
	"github.com/weirdion/weirdion/internal/watch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the weirdion HTTP server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running weirdion server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show weirdion server and profile status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the weirdion MCP tools on stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "weirdion.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "weirdion version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("weirdion is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("weirdion is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	profiles := profile.NewStoreWithRecorder(cfg.Storage.ConfigDir, store)
	if err := profiles.EnsureDefaultSeeded(); err != nil {
		return fmt.Errorf("seeding default profile: %w", err)
	}

	models := catalog.New(cfg.Models.CheckpointsDir, cfg.Models.LorasDir)
	if found, err := models.Scan(ctx); err != nil {
		slog.Warn("scanning model folders", "error", err)
	} else {
		slog.Info("model catalog scanned", "checkpoints", len(found.Checkpoints), "loras", len(found.Loras))
	}

	registry, err := nodes.NewRegistry(nodes.Deps{Profiles: profiles, Models: models})
	if err != nil {
		return fmt.Errorf("registering nodes: %w", err)
	}

	watcher, err := watch.New(cfg.Storage.ConfigDir)
	if err != nil {
		return fmt.Errorf("watching profiles: %w", err)
	}
	defer watcher.Close()
	changes, err := watcher.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watching profiles: %w", err)
	}

	hub := api.NewHub()
	handler := api.NewHandler(api.Deps{
		Profiles: profiles,
		History:  store,
		Models:   models,
		Nodes:    registry,
		Hub:      hub,
		Metrics:  api.NewMetrics(),
		Token:    cfg.Server.APIToken,
	})
	if cfg.Server.APIToken == "" {
		slog.Info("API token not set, /weirdion routes are unauthenticated")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	pruner := history.NewPruner(store, cfg.History.Keep, cfg.PruneInterval())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Forward(gctx, changes, profiles)
		return nil
	})
	g.Go(func() error {
		pruner.Run(gctx)
		return nil
	})
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "weirdion listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// stdout carries the protocol; logs go to stderr only.
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	profiles := profile.NewStore(cfg.Storage.ConfigDir)
	if err := profiles.EnsureDefaultSeeded(); err != nil {
		return fmt.Errorf("seeding default profile: %w", err)
	}
	registry, err := nodes.NewRegistry(nodes.Deps{
		Profiles: profiles,
		Models:   catalog.New(cfg.Models.CheckpointsDir, cfg.Models.LorasDir),
	})
	if err != nil {
		return fmt.Errorf("registering nodes: %w", err)
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{Profiles: profiles, Nodes: registry}, version)
	slog.Info("MCP server started (stdio transport)")
	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("weirdion is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop weirdion (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to weirdion (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}

	running := false
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	profiles := profile.NewStore(cfg.Storage.ConfigDir)
	if doc, err := profiles.LoadUserProfiles(); err != nil {
		printStatus("Profiles", "%s", colorize(colorRed, "invalid: "+err.Error()))
	} else {
		printStatus("Profiles", "%d user, %d checkpoint defaults", len(doc.Profiles), len(doc.CheckpointDefaults))
	}

	if running {
		if resp, err := client.get(ctx, "/weirdion/profiles/history?limit=100"); err == nil {
			var revs []json.RawMessage
			if decodeJSON(resp, &revs) == nil {
				printStatus("Revisions", "%s", countLabel(len(revs), 100))
			}
		}
	}

	printStatus("Config dir", "%s", cfg.Storage.ConfigDir)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Checkpoints", "%s", dirLabel(cfg.Models.CheckpointsDir))
	printStatus("LoRAs", "%s", dirLabel(cfg.Models.LorasDir))
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

func dirLabel(dir string) string {
	if dir == "" {
		return "not configured"
	}
	return dir
}
