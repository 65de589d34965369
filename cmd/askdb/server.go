package main

import (
	"context"
	"encoding/json"
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
	"golang.org/x/sync/errgroup"

	"github.com/askdb/askdb/internal/api"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/dbexec"
	"github.com/askdb/askdb/internal/embedding"
	"github.com/askdb/askdb/internal/groq"
	"github.com/askdb/askdb/internal/history"
	"github.com/askdb/askdb/internal/ollama"
	"github.com/askdb/askdb/internal/pipeline"
	"github.com/askdb/askdb/internal/schema"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the askdb server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running askdb server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show askdb system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "askdb.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "askdb version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("askdb is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("askdb is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load the augmented schema the SQL generator prompts with.
	schemaDoc, err := schema.Load(cfg.Schema.Path)
	if err != nil {
		return fmt.Errorf("loading schema: %w", err)
	}

	// Check Ollama readiness. The server still starts without it; questions
	// are answered without conversational memory until Ollama comes up.
	ollamaClient := ollama.New(cfg.Ollama.BaseURL)
	if err := ollama.EnsureReady(ctx, ollamaClient, cfg.Ollama.EmbedModel, os.Stderr); err != nil {
		printWarning("conversational memory unavailable: %v", err)
		slog.Warn("continuing without conversation history", "error", err)
	}
	embedder := embedding.NewProvider(ollamaClient, cfg.Ollama.EmbedModel)

	// Open conversation history storage.
	store, err := history.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening history storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing history storage: %v\n", err)
		}
	}()

	// Connect to the queried database. A dead database is fatal at startup;
	// there is nothing to answer questions against.
	db := dbexec.OpenDB(cfg.Database.DSN, logLevel == slog.LevelDebug)
	defer db.Close()
	executor := dbexec.NewExecutor(db)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = executor.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}

	// Build the question-answering pipeline.
	llm := groq.NewClientWithBaseURL(cfg.Groq.APIKey, cfg.Groq.BaseURL)
	asker := pipeline.NewAsker(embedder, store, llm, executor, schemaDoc.Render(), cfg.Groq.SQLModel, cfg.Groq.SummaryModel)

	handler := api.NewHandler(asker, store)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Asker:      asker,
		History:    store,
		SchemaJSON: schemaDoc.Render(),
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "askdb listening on %s\n", addr)
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

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("askdb is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop askdb (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to askdb (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	// Probe the server, Ollama, and the database concurrently.
	var (
		serverStatus string
		serverUp     bool
		ollamaStatus string
		dbStatus     string
	)

	probeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(probeCtx)
	g.Go(func() error {
		resp, err := client.Get(serverURL + "/health")
		if err != nil {
			serverStatus = "stopped"
			return nil
		}
		resp.Body.Close()
		if resp.StatusCode == 200 {
			serverStatus = fmt.Sprintf("running on port %d", cfg.Server.Port)
			serverUp = true
		} else {
			serverStatus = fmt.Sprintf("error (HTTP %d)", resp.StatusCode)
		}
		return nil
	})
	g.Go(func() error {
		if ollama.New(cfg.Ollama.BaseURL).IsRunning(gctx) {
			ollamaStatus = fmt.Sprintf("running at %s", cfg.Ollama.BaseURL)
		} else {
			ollamaStatus = "not running"
		}
		return nil
	})
	g.Go(func() error {
		db := dbexec.OpenDB(cfg.Database.DSN, false)
		defer db.Close()
		if err := db.PingContext(gctx); err != nil {
			dbStatus = "unreachable"
		} else {
			dbStatus = "connected"
		}
		return nil
	})
	g.Wait()

	printStatus("Server", "%s", serverStatus)
	printStatus("Ollama", "%s", ollamaStatus)
	printStatus("Database", "%s", dbStatus)
	printStatus("SQL model", "%s", cfg.Groq.SQLModel)
	printStatus("Summary model", "%s", cfg.Groq.SummaryModel)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)

	// Show turn count if server is running.
	if serverUp {
		resp, err := client.Get(serverURL + "/history?limit=100")
		if err == nil {
			var turns []json.RawMessage
			if json.NewDecoder(resp.Body).Decode(&turns) == nil {
				printStatus("History turns", "%s", countLabel(len(turns), 100))
			}
			resp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
