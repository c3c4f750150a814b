package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/lecseg/internal/api"
	"github.com/kalambet/lecseg/internal/config"
	"github.com/kalambet/lecseg/internal/ingest"
	"github.com/kalambet/lecseg/internal/retrieval"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the lecseg server and job worker (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(cmd.Context(), withMCP)
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running lecseg server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show lecseg system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "lecseg.pid")
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

func runServer(parent context.Context, withMCP bool) error {
	fmt.Fprintf(os.Stderr, "lecseg version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("lecseg is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("lecseg is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signalContext(parent)
	defer stop()

	c, err := buildComponents(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer c.Close()

	n, err := c.store.ResetRunningJobs()
	if err != nil {
		return fmt.Errorf("resetting interrupted jobs: %w", err)
	}
	if n > 0 {
		slog.Info("requeued interrupted jobs", "count", n)
	}

	retriever := retrieval.NewRetriever(c.embedder, c.vectors)

	handler := api.NewAppHandler(api.AppDeps{
		Jobs:       c.store,
		Records:    c.vectors,
		Search:     retriever,
		Collection: cfg.Storage.Collection,
		UploadsDir: cfg.Storage.Uploads(),
		Token:      apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	worker := ingest.NewWorker(c.store, c.pipeline, 500*time.Millisecond)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Jobs:       c.store,
			Records:    c.vectors,
			Search:     retriever,
			Collection: cfg.Storage.Collection,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "lecseg listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	// The worker leaves an interrupted job running; it is requeued on next start.
	<-workerDone
	return serveErr
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
		printError("lecseg is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop lecseg (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to lecseg (PID %d)", pid)
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
	running := false
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

	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		var v struct {
			Version string `json:"version"`
		}
		json.NewDecoder(ollamaResp.Body).Decode(&v)
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s %s", cfg.Ollama.BaseURL, colorize(styleDim, v.Version))
	}

	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("ASR", "%s (%s)", cfg.ASR.Backend, asrModel(cfg.ASR))
	printStatus("Store", "%s, collection %s", cfg.Storage.Backend, cfg.Storage.Collection)
	if running {
		if pid, err := readPIDFile(pidFilePath(cfg.Storage.DataDir)); err == nil {
			printStatus("PID", "%d", pid)
		}
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func asrModel(cfg config.ASRConfig) string {
	if cfg.Backend == "http" {
		return cfg.HTTPModel
	}
	return cfg.Model
}
