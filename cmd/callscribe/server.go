package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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

	"callscribe/internal/api"
	"callscribe/internal/archive"
	"callscribe/internal/audio"
	"callscribe/internal/config"
	"callscribe/internal/pipeline"
	"callscribe/internal/storage"
	"callscribe/internal/transcribe"
	"callscribe/internal/uis"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the callscribe server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running callscribe server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show callscribe system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the MCP server on stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "callscribe.pid")
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

func setupLogging(cfg config.Config) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// app is the fully wired service: every component the server, the MCP
// transport, and the direct CLI commands need.
type app struct {
	cfg          config.Config
	store        *storage.Store
	uisClient    *uis.Client
	fetcher      *audio.Fetcher
	orchestrator *pipeline.Orchestrator
	archiver     *archive.Archiver
	exporter     *archive.Exporter
}

func buildApp(cfg config.Config) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	uisClient := uis.NewClient(uis.Options{
		DataAPIURL:            cfg.UIS.DataAPIURL,
		MediaURL:              cfg.UIS.MediaURL,
		AccessToken:           cfg.UIS.AccessToken,
		LookbackMinutes:       cfg.UIS.LookbackMinutes,
		SearchLookbackMinutes: cfg.UIS.SearchLookbackMinutes,
		BatchLimit:            cfg.UIS.BatchLimit,
		SearchLimit:           cfg.UIS.SearchLimit,
	})

	fetcher := audio.NewFetcher(uisClient, cfg.Storage.ResultDir, nil)

	whisper, err := transcribe.NewWhisperClient(transcribe.WhisperOptions{
		APIKey:   cfg.OpenAI.APIKey,
		BaseURL:  cfg.OpenAI.BaseURL,
		Model:    cfg.OpenAI.Model,
		Language: cfg.OpenAI.Language,
		ProxyURL: cfg.OpenAI.ProxyURL,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("building transcription client: %w", err)
	}
	engine := transcribe.NewEngine(whisper, cfg.Storage.ResultDir, nil)

	orchestrator := pipeline.NewOrchestrator(uisClient, fetcher, engine, store, pipeline.Options{
		ResultDir:      cfg.Storage.ResultDir,
		LocateAttempts: cfg.Pipeline.LocateAttempts,
		LocateDelay:    cfg.Pipeline.LocateDelay,
	})

	return &app{
		cfg:          cfg,
		store:        store,
		uisClient:    uisClient,
		fetcher:      fetcher,
		orchestrator: orchestrator,
		archiver:     archive.NewArchiver(store, cfg.Storage.ResultDir, cfg.Storage.ArchiveDir, nil),
		exporter:     archive.NewExporter(store, cfg.Storage.ResultDir, cfg.Storage.ArchiveDir, nil),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "callscribe version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	// Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("callscribe is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("callscribe is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	handler := api.NewAppHandler(api.AppDeps{
		Pipeline:    a.orchestrator,
		Store:       a.store,
		Archiver:    a.archiver,
		Exporter:    a.exporter,
		AdminToken:  cfg.Server.AdminToken,
		ArchiveDays: cfg.Pipeline.ArchiveDays,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Start the periodic archive worker.
	worker := archive.NewWorker(a.archiver, cfg.Pipeline.ArchiveDays, cfg.Pipeline.ArchiveInterval)
	go worker.Run(ctx)

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "callscribe listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Pipeline:  a.orchestrator,
		Store:     a.store,
		ResultDir: cfg.Storage.ResultDir,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
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
		printError("callscribe is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop callscribe (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to callscribe (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Data API", "%s", cfg.UIS.DataAPIURL)
	printStatus("Transcription model", "%s", cfg.OpenAI.Model)
	printStatus("Result dir", "%s", cfg.Storage.ResultDir)
	printStatus("Archive dir", "%s", cfg.Storage.ArchiveDir)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)

	if resp != nil && resp.StatusCode == 200 {
		c, err := newAPIClient()
		if err == nil {
			statsResp, err := c.get(context.Background(), "/api/stats")
			if err == nil {
				var st storage.CallStats
				if decodeJSON(statsResp, &st) == nil {
					printStatus("Calls", "%d total, %d active, %d archived", st.Total, st.Active, st.Archived)
				}
			}
		}
	}
	return nil
}
