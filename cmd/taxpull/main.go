// CLAUDE:SUMMARY CLI entry point for taxpull: HTTP control API, MCP stdio server, or one-shot unattended run.
// Command taxpull crawls the tax portal for every configured entity.
//
// Usage:
//
//	taxpull -config taxpull.yaml                      # serve the HTTP control API
//	taxpull -config taxpull.yaml -mcp                 # serve MCP tools over stdio
//	taxpull -config taxpull.yaml -run                 # one run, then exit
//	taxpull -config taxpull.yaml -run -resume -entities A,B
//	taxpull -config taxpull.yaml -import entities.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/taxpull/api"
	"github.com/hazyhaar/taxpull/artifact"
	"github.com/hazyhaar/taxpull/batch"
	"github.com/hazyhaar/taxpull/captcha"
	"github.com/hazyhaar/taxpull/checkpoint"
	"github.com/hazyhaar/taxpull/dbopen"
	"github.com/hazyhaar/taxpull/entity"
	"github.com/hazyhaar/taxpull/internal/config"
	"github.com/hazyhaar/taxpull/navigate"
	"github.com/hazyhaar/taxpull/portal"
)

var version = "dev"

type options struct {
	configPath string
	importPath string
	run        bool
	resume     bool
	entities   string
	mcp        bool
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "taxpull.yaml", "path to taxpull.yaml config file")
	flag.StringVar(&o.importPath, "import", "", "import entities from a YAML file and exit")
	flag.BoolVar(&o.run, "run", false, "run one extraction and exit")
	flag.BoolVar(&o.resume, "resume", false, "with -run: skip entities already completed")
	flag.StringVar(&o.entities, "entities", "", "with -run: comma-separated entity ids (default: all active)")
	flag.BoolVar(&o.mcp, "mcp", false, "serve MCP tools over stdio instead of HTTP")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	flag.Parse()

	config.LoadEnv()

	cfg, err := config.LoadFile(o.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, o); err != nil {
		logger.Error("taxpull: fatal", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config, o options) error {
	db, err := dbopen.Open(cfg.DB,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(entity.Schema),
		dbopen.WithSchema(checkpoint.Schema),
	)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	entities := &entity.Store{DB: db}
	checkpoints := checkpoint.New(db)

	if o.importPath != "" {
		n, err := entities.Import(ctx, o.importPath)
		if err != nil {
			return fmt.Errorf("import: %w", err)
		}
		logger.Info("taxpull: entities imported", "count", n, "file", o.importPath)
		return nil
	}
	if cfg.EntitiesFile != "" {
		n, err := entities.Import(ctx, cfg.EntitiesFile)
		if err != nil {
			return fmt.Errorf("import %s: %w", cfg.EntitiesFile, err)
		}
		logger.Info("taxpull: entities imported", "count", n, "file", cfg.EntitiesFile)
	}

	p, err := portal.New(cfg.Portal, logger)
	if err != nil {
		return err
	}
	defer p.Close()
	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}

	ctrl := batch.New(cfg.Batch, entities, checkpoints, newPipeline(cfg, p, logger),
		batch.WithLogger(logger),
		batch.WithArtifacts(func(runID string) (batch.Artifact, error) {
			wb, err := artifact.Create(cfg.OutputDir, runID)
			if err != nil {
				return nil, err
			}
			return wb, nil
		}),
	)
	if _, err := ctrl.Recover(ctx); err != nil {
		logger.Warn("taxpull: stale run check failed", "error", err)
	}

	switch {
	case o.run:
		return runOnce(ctx, logger, ctrl, o)
	case o.mcp:
		return serveMCP(ctx, logger, ctrl)
	default:
		return serveHTTP(ctx, logger, cfg.Addr, ctrl, checkpoints)
	}
}

func newPipeline(cfg *config.Config, p *portal.Portal, logger *slog.Logger) *batch.Pipeline {
	return &batch.Pipeline{
		Opener: p,
		Auth: captcha.Authenticator{
			Recognizer:   cfg.Captcha.Tesseract,
			MaxAttempts:  cfg.Captcha.MaxAttempts,
			TrimTrailing: cfg.Captcha.TrimTrailing,
			MarkerWait:   cfg.Captcha.MarkerWait,
		},
		Navigator: navigate.Navigator{
			StepTimeout:      cfg.Nav.StepTimeout,
			AlternateTimeout: cfg.Nav.AlternateTimeout,
		},
		Route:       cfg.Route,
		Extractor:   cfg.Extract,
		PeriodParam: cfg.PeriodParam,
		Logger:      logger,
	}
}

// runOnce starts one run and waits for it. SIGINT requests a cooperative
// stop; a second signal aborts the wait.
func runOnce(ctx context.Context, logger *slog.Logger, ctrl *batch.Controller, o options) error {
	req := batch.StartRequest{Resume: o.resume}
	if o.entities != "" {
		for id := range strings.SplitSeq(o.entities, ",") {
			if id = strings.TrimSpace(id); id != "" {
				req.EntityIDs = append(req.EntityIDs, id)
			}
		}
	}

	res, err := ctrl.Start(ctx, req)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	logger.Info("taxpull: run started", "run", res.RunID, "entities", res.Total)

	if err := ctrl.Wait(ctx); err != nil {
		logger.Info("taxpull: signal received, stopping run")
		ctrl.Stop()
		waitCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		if err := ctrl.Wait(waitCtx); err != nil {
			return fmt.Errorf("wait: %w", err)
		}
	}

	st := ctrl.Snapshot()
	logger.Info("taxpull: run finished",
		"run", st.RunID,
		"state", st.State,
		"processed", st.ProcessedCount,
		"total", st.TotalCount,
		"last_error", st.LastError)
	if st.State == batch.StateError {
		return fmt.Errorf("run %s ended in error: %s", st.RunID, st.LastError)
	}
	return nil
}

func serveMCP(ctx context.Context, logger *slog.Logger, ctrl *batch.Controller) error {
	srv := mcp.NewServer(&mcp.Implementation{Name: "taxpull", Version: version}, nil)
	ctrl.RegisterMCP(srv)
	logger.Info("taxpull: MCP stdio server starting")

	err := srv.Run(ctx, &mcp.StdioTransport{})
	stopAndWait(logger, ctrl)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp: %w", err)
	}
	return nil
}

func serveHTTP(ctx context.Context, logger *slog.Logger, addr string, ctrl *batch.Controller, store *checkpoint.Store) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.New(ctrl, store, api.WithLogger(logger)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("taxpull: HTTP server starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("taxpull: HTTP shutdown", "error", err)
	}
	stopAndWait(logger, ctrl)
	return nil
}

// stopAndWait stops an active run and gives the in-flight entity time to
// reach its next milestone.
func stopAndWait(logger *slog.Logger, ctrl *batch.Controller) {
	if !ctrl.Stop() {
		return
	}
	logger.Info("taxpull: waiting for the active run to stop")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := ctrl.Wait(ctx); err != nil {
		logger.Warn("taxpull: run did not stop in time", "error", err)
	}
}
