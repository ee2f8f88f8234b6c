package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"localthreads/internal/adapter/channel"
	"localthreads/internal/adapter/llm"
	"localthreads/internal/adapter/store"
	"localthreads/internal/adapter/tui"
	"localthreads/internal/client"
	"localthreads/internal/domain"
	"localthreads/internal/infra/config"
	"localthreads/internal/infra/logger"
	"localthreads/internal/infra/tracer"
	"localthreads/internal/usecase"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	cmd := "chat"
	if len(os.Args) >= 2 && !strings.HasPrefix(os.Args[1], "-") {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe()
	case "chat":
		err = runChat()
	case "upload":
		err = runUpload()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'localthreads --help' for usage information.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`localthreads - streaming chat relay with local thread history

USAGE:
    localthreads [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the relay server
    chat        Open the chat TUI against a running server (default)
    upload      Index documents into the knowledge base
                Usage: localthreads upload FILE [FILE...]

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: LOCALTHREADS_* variables override config

EXAMPLES:
    localthreads serve                       # Start the relay
    localthreads chat                        # Chat from another terminal
    localthreads upload docs/manual.md       # Index a document
    localthreads serve --config /etc/localthreads.yaml`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("LOCALTHREADS_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func runServe() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("config: llm.api_key is required for serve (set LOCALTHREADS_LLM_API_KEY)")
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	provider, err := llm.New(cfg, log)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}

	var indexer domain.DocumentIndexer
	if cfg.RetrievalEnabled() {
		indexer = llm.NewUploader(cfg.LLM, cfg.Retrieval.VectorStoreID, log)
	}

	relay := usecase.NewRelay(log)
	chat := usecase.NewChatService(provider, relay, log)
	srv := channel.NewServer(cfg, chat, indexer, log)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return err
	}
	log.Info("localthreads serving",
		"mode", cfg.LLM.Mode,
		"model", cfg.LLM.Model,
		"retrieval", cfg.RetrievalEnabled(),
	)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Stop(shutdownCtx)
}

func runChat() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	if err := os.MkdirAll(cfg.Client.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	threadStore, err := store.NewSQLiteThreadStore(filepath.Join(cfg.Client.DataDir, "threads.db"))
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer threadStore.Close()

	session := client.NewSession(cfg.Client.ServerURL, threadStore, log)
	if err := session.Load(context.Background()); err != nil {
		return fmt.Errorf("load threads: %w", err)
	}

	return tui.Run(session)
}

func runUpload() error {
	paths := uploadArgs()
	if len(paths) == 0 {
		return fmt.Errorf("usage: localthreads upload FILE [FILE...]")
	}

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		part, err := mw.CreateFormFile("files", filepath.Base(p))
		if err != nil {
			return err
		}
		if _, err := part.Write(data); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	resp, err := http.Post(cfg.Client.ServerURL+"/api/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("upload failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var status domain.IndexStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Printf("indexed %d/%d files (%d failed) into %s\n",
		status.Completed, status.Total, status.Failed, status.VectorStoreID)
	return nil
}

// uploadArgs returns the file arguments after "upload", skipping flags.
func uploadArgs() []string {
	var paths []string
	for i := 2; i < len(os.Args); i++ {
		arg := os.Args[i]
		if arg == "--config" {
			i++
			continue
		}
		if strings.HasPrefix(arg, "--") {
			continue
		}
		paths = append(paths, arg)
	}
	return paths
}
