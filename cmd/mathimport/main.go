package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/mathimport/internal/config"
	"github.com/xxxsen/mathimport/internal/db"
	"github.com/xxxsen/mathimport/internal/docx"
	"github.com/xxxsen/mathimport/internal/filestore"
	"github.com/xxxsen/mathimport/internal/formula"
	"github.com/xxxsen/mathimport/internal/handler"
	"github.com/xxxsen/mathimport/internal/imagestore"
	"github.com/xxxsen/mathimport/internal/job"
	"github.com/xxxsen/mathimport/internal/middleware"
	"github.com/xxxsen/mathimport/internal/pipeline"
	"github.com/xxxsen/mathimport/internal/recognizer"
	"github.com/xxxsen/mathimport/internal/repo"
	"github.com/xxxsen/mathimport/internal/schedule"
	"github.com/xxxsen/mathimport/internal/session"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "mathimport",
		Short: "docx exam paper importer",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run import server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}

	var (
		docPath string
		confirm bool
	)
	parseCmd := &cobra.Command{
		Use:   "parse",
		Short: "run one document through the pipeline and print the preview",
		RunE: func(cmd *cobra.Command, args []string) error {
			if docPath == "" {
				return fmt.Errorf("--file is required")
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runParse(cmd.Context(), cfg, docPath, confirm)
		},
	}
	parseCmd.Flags().StringVar(&docPath, "file", "", "path to a .docx document")
	parseCmd.Flags().BoolVar(&confirm, "confirm", false, "confirm the session after conversion")

	rootCmd.AddCommand(runCmd, parseCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Init(
		cfg.LogConfig.File,
		cfg.LogConfig.Level,
		int(cfg.LogConfig.FileCount),
		int(cfg.LogConfig.FileSize),
		int(cfg.LogConfig.KeepDays),
		cfg.LogConfig.Console,
	)
	logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", path))
	return cfg, nil
}

type app struct {
	orchestrator *pipeline.Orchestrator
	files        filestore.Store
	questions    *repo.QuestionRepo
	closers      []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}
	logger := logutil.GetLogger(ctx)

	files, err := filestore.New(cfg.FileStore)
	if err != nil {
		return nil, fmt.Errorf("init file store: %w", err)
	}
	a.files = files

	refs, err := imagestore.NewRefCache(cfg.RefCache)
	if err != nil {
		return nil, fmt.Errorf("init ref cache: %w", err)
	}
	a.closers = append(a.closers, func() { _ = refs.Close() })

	rec, err := recognizer.Build(cfg.Recognizer)
	if err != nil {
		return nil, fmt.Errorf("init recognizer: %w", err)
	}
	if rec == nil {
		logger.Warn("no recognizer configured, every formula will fall back")
	} else {
		logger.Info("recognizer ready", zap.String("model", rec.ModelName()))
	}

	var raster formula.Rasterizer
	magick, err := formula.NewMagickRasterizer(cfg.Pipeline.MagickPath, cfg.Pipeline.RasterDensity, cfg.Pipeline.RasterPadding)
	if err != nil {
		logger.Warn("rasterizer unavailable, formulas fall back to original bytes", zap.Error(err))
	} else {
		raster = magick
	}

	var persister pipeline.Persister = pipeline.LogPersister{}
	if cfg.Database.Enabled() {
		conn, err := openDatabase(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = conn.Close() })
		a.questions = repo.NewQuestionRepo(conn)
		persister = a.questions
	}

	var formulaRec formula.Recognizer
	if rec != nil {
		formulaRec = rec
	}
	a.orchestrator = pipeline.New(
		docx.NewExtractor(0),
		formula.NewConverter(formulaRec, raster, time.Duration(cfg.Recognizer.TimeoutSeconds)*time.Second),
		imagestore.New(files, refs, time.Duration(cfg.Pipeline.UploadTimeoutSeconds)*time.Second),
		session.NewStore(time.Duration(cfg.Pipeline.SessionTTLSeconds)*time.Second),
		persister,
		pipeline.Options{Concurrency: cfg.Pipeline.Concurrency},
	)
	return a, nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	conn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.ApplyMigrations(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return conn, nil
}

func runServer(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := logutil.GetLogger(ctx)
	logger.Info("starting server",
		zap.Int("port", cfg.Port),
		zap.String("file_store", cfg.FileStore.Type),
		zap.String("ref_cache", cfg.RefCache.Type),
		zap.Bool("database", cfg.Database.Enabled()),
	)

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	scheduler := schedule.NewCronScheduler()
	if err := scheduler.AddJob(job.NewSessionSweepJob(a.orchestrator), cfg.Pipeline.SweepSpec); err != nil {
		return fmt.Errorf("schedule session sweep: %w", err)
	}
	scheduler.Start(ctx)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = scheduler.Stop(sctx)
	}()

	deps := handler.RouterDeps{
		Imports:         handler.NewImportHandler(a.orchestrator, cfg.Pipeline.MaxUploadBytes),
		Files:           handler.NewFileHandler(a.files),
		UploadRateLimit: time.Duration(cfg.Pipeline.RateLimitSeconds) * time.Second,
	}
	if a.questions != nil {
		deps.Questions = handler.NewQuestionHandler(a.questions)
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	engine, err := webapi.NewEngine(
		"/api/v1",
		addr,
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.CORS(cfg.CORSOrigins),
			gzip.Gzip(gzip.DefaultCompression),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}
	logger.Info("http server listening", zap.String("addr", addr))

	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logutil.GetLogger(context.Background()).Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("server stopping...")
	return nil
}

func runParse(ctx context.Context, cfg *config.Config, path string, confirm bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	preview, err := a.orchestrator.Run(ctx, filepath.Base(path), data)
	if err != nil {
		return err
	}
	out := map[string]interface{}{"preview": preview}
	if confirm {
		res, err := a.orchestrator.Confirm(ctx, preview.SessionID, nil)
		if err != nil {
			return fmt.Errorf("confirm: %w", err)
		}
		out["confirm"] = res
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
