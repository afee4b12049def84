// Command chunkvault is the backup engine CLI: plan management, backup and
// restore task control, and a long-running serve mode with metrics.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/kenneth/chunkvault/internal/chunk"
	"github.com/kenneth/chunkvault/internal/config"
	"github.com/kenneth/chunkvault/internal/dedupcache"
	"github.com/kenneth/chunkvault/internal/engine"
	"github.com/kenneth/chunkvault/internal/localstore"
	"github.com/kenneth/chunkvault/internal/metrics"
	"github.com/kenneth/chunkvault/internal/provider"
	"github.com/kenneth/chunkvault/internal/s3target"
	"github.com/kenneth/chunkvault/internal/sectorstore"
	"github.com/kenneth/chunkvault/internal/source"
	"github.com/kenneth/chunkvault/internal/tracing"
)

const appVersion = "0.9.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	if err := run(cmd, args); err != nil {
		fail(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: chunkvault <command> [flags]

commands:
  create-plan      create a backup plan for a source/target pair
  backup           create a backup task (and its checkpoint) for a plan
  resume           resume a paused task
  pause            pause a running task
  list-tasks       list tasks with filters and ordering
  task-info        show one task
  plan-info        show one plan
  is-plan-running  report whether a plan has a running task
  restore          create a restore task for a checkpoint
  serve            run the engine with metrics until interrupted`)
}

// fail prints the structured error payload and exits non-zero.
func fail(err error) {
	payload := map[string]string{
		"code":    chunk.KindOf(err).String(),
		"message": err.Error(),
	}
	b, _ := json.Marshal(payload)
	fmt.Fprintln(os.Stderr, string(b))
	os.Exit(1)
}

func run(cmd string, args []string) error {
	switch cmd {
	case "create-plan":
		return cmdCreatePlan(args)
	case "backup":
		return cmdBackup(args)
	case "resume":
		return cmdResume(args)
	case "pause":
		return cmdPause(args)
	case "list-tasks":
		return cmdListTasks(args)
	case "task-info":
		return cmdTaskInfo(args)
	case "plan-info":
		return cmdPlanInfo(args)
	case "is-plan-running":
		return cmdIsPlanRunning(args)
	case "restore":
		return cmdRestore(args)
	case "serve":
		return cmdServe(args)
	case "help", "-h", "--help":
		usage()
		return nil
	default:
		usage()
		return chunk.ErrInvalidInput(nil, "unknown command %q", cmd)
	}
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

// app bundles everything a command needs.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
	engine *engine.Engine
	store  *sectorstore.Store // nil unless a sector key is configured
	db     *sql.DB

	shutdownTracing func(context.Context) error
}

func buildApp(configPath string, withMetrics bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, chunk.ErrInvalidInput(err, "failed to load configuration")
	}
	logger := newLogger(cfg)

	db, err := sql.Open("sqlite3", cfg.DatabasePath+"?_busy_timeout=5000")
	if err != nil {
		return nil, chunk.ErrIo(err, "failed to open database %s", cfg.DatabasePath)
	}
	// One writer connection keeps sqlite happy under the concurrent
	// pipeline and store loops.
	db.SetMaxOpenConns(1)

	var mets *metrics.Metrics
	if withMetrics {
		mets = metrics.New()
		metrics.SetVersion(appVersion)
	} else {
		mets = metrics.Nop()
	}

	var traceWriter io.Writer
	if os.Getenv("CHUNKVAULT_TRACE") != "" {
		traceWriter = os.Stderr
	}
	tracer, shutdownTracing, err := tracing.Setup("chunkvault", traceWriter)
	if err != nil {
		return nil, chunk.ErrInternal(err, "failed to set up tracing")
	}

	var dedup dedupcache.Cache
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		dedup = dedupcache.NewRedis(client, cfg.Redis.Prefix, cfg.Redis.TTL.Std())
	}

	eng := engine.New(engine.NewTaskDb(db), engine.Options{
		StrictMode: cfg.Engine.StrictMode,
		Logger:     logger,
		Metrics:    mets,
		Tracer:     tracer,
		DedupCache: dedup,
	})

	a := &app{cfg: cfg, logger: logger, engine: eng, db: db, shutdownTracing: shutdownTracing}

	// file:// sources and targets are always available.
	eng.RegisterSource("file", func(ctx context.Context, rawURL string) (provider.ChunkSource, error) {
		return source.NewDirSource(rawURL, logger)
	})
	eng.RegisterTarget("file", func(ctx context.Context, rawURL string) (provider.ChunkTarget, error) {
		dir, err := source.NewDirSource(rawURL, logger)
		if err != nil {
			return nil, err
		}
		store := localstore.New(dir.Root(), logger)
		if err := store.Init(); err != nil {
			return nil, err
		}
		return localstore.NewTarget(store, rawURL), nil
	})

	// s3:// talks to the remote object store directly.
	if cfg.S3.Bucket != "" {
		eng.RegisterTarget("s3", func(ctx context.Context, rawURL string) (provider.ChunkTarget, error) {
			client, err := s3target.NewClient(ctx, s3Config(cfg))
			if err != nil {
				return nil, err
			}
			return s3target.New(client, s3Config(cfg), rawURL, logger), nil
		})
	}

	// sector:// lands chunks locally and promotes them into encrypted
	// sectors on the remote.
	if key, err := cfg.SectorKey(); err == nil {
		var remote chunk.Store
		if cfg.S3.Bucket != "" {
			client, err := s3target.NewClient(context.Background(), s3Config(cfg))
			if err != nil {
				return nil, err
			}
			remote = s3target.New(client, s3Config(cfg), "s3://"+cfg.S3.Bucket, logger).AsStore()
		} else {
			remoteStore := localstore.New(cfg.Sector.BasePath+"-remote", logger)
			if err := remoteStore.Init(); err != nil {
				return nil, err
			}
			remote = remoteStore
		}
		store, err := sectorstore.New(db, remote, sectorstore.Config{
			BasePath:              cfg.Sector.BasePath,
			PostSectorInterval:    cfg.Sector.PostSectorInterval.Std(),
			CollectSectorInterval: cfg.Sector.CollectSectorInterval.Std(),
			MaxSectorSize:         cfg.Sector.MaxSectorSize,
			ChunkMaxWaitTime:      cfg.Sector.ChunkMaxWaitTime.Std(),
			SectorKey:             key,
			BlockSize:             cfg.Sector.BlockSize,
		}, logger, mets)
		if err != nil {
			return nil, err
		}
		if err := store.Init(context.Background()); err != nil {
			return nil, err
		}
		a.store = store
		eng.RegisterTarget("sector", func(ctx context.Context, rawURL string) (provider.ChunkTarget, error) {
			return sectorstore.NewTarget(store, rawURL), nil
		})
	}

	if err := eng.Init(context.Background()); err != nil {
		return nil, err
	}
	return a, nil
}

func s3Config(cfg *config.Config) s3target.Config {
	return s3target.Config{
		Bucket:       cfg.S3.Bucket,
		Prefix:       cfg.S3.Prefix,
		Region:       cfg.S3.Region,
		Endpoint:     cfg.S3.Endpoint,
		AccessKey:    cfg.S3.AccessKey,
		SecretKey:    cfg.S3.SecretKey,
		UsePathStyle: cfg.S3.UsePathStyle,
		// The pipeline ships hash pieces of this size, so multipart
		// offsets stay part-aligned.
		PartSize: engine.HashChunkSize,
	}
}

func (a *app) close() {
	if a.store != nil {
		a.store.Stop()
	}
	a.engine.Stop()
	if a.shutdownTracing != nil {
		_ = a.shutdownTracing(context.Background())
	}
	_ = a.db.Close()
}

func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return chunk.ErrInternal(err, "failed to render output")
	}
	fmt.Println(string(b))
	return nil
}

func cmdCreatePlan(args []string) error {
	fs := pflag.NewFlagSet("create-plan", pflag.ContinueOnError)
	configPath := fs.String("config", "", "config file")
	sourceType := fs.String("source-type", "dir", "source type")
	sourceURL := fs.String("source-url", "", "source url (file://...)")
	targetType := fs.String("target-type", "chunk", "target type")
	targetURL := fs.String("target-url", "", "target url (file://, s3://, sector://)")
	title := fs.String("title", "", "plan title")
	description := fs.String("description", "", "plan description")
	typeStr := fs.String("type", "c2c", "plan type: c2c, d2c, d2d, c2d")
	if err := fs.Parse(args); err != nil {
		return chunk.ErrInvalidInput(err, "bad flags")
	}
	if *sourceURL == "" || *targetURL == "" {
		return chunk.ErrInvalidInput(nil, "--source-url and --target-url are required")
	}

	a, err := buildApp(*configPath, false)
	if err != nil {
		return err
	}
	defer a.close()

	plan := engine.NewBackupPlanConfig(*sourceType, *sourceURL, *targetType, *targetURL, *title, *description, engine.PlanType(*typeStr))
	planID, err := a.engine.CreateBackupPlan(context.Background(), plan)
	if err != nil {
		return err
	}
	return printJSON(map[string]string{"plan_id": planID})
}

func cmdBackup(args []string) error {
	fs := pflag.NewFlagSet("backup", pflag.ContinueOnError)
	configPath := fs.String("config", "", "config file")
	planID := fs.String("plan", "", "plan id")
	parent := fs.String("parent-checkpoint", "", "parent checkpoint id")
	wait := fs.Bool("wait", false, "run the task to completion before returning")
	if err := fs.Parse(args); err != nil {
		return chunk.ErrInvalidInput(err, "bad flags")
	}
	if *planID == "" {
		return chunk.ErrInvalidInput(nil, "--plan is required")
	}

	a, err := buildApp(*configPath, false)
	if err != nil {
		return err
	}
	defer a.close()
	if a.store != nil {
		a.store.Start()
	}

	ctx := context.Background()
	taskID, err := a.engine.CreateBackupTask(ctx, *planID, *parent)
	if err != nil {
		return err
	}
	if err := a.engine.ResumeTask(ctx, taskID); err != nil {
		return err
	}
	if *wait {
		if err := waitForTask(ctx, a.engine, taskID); err != nil {
			return err
		}
	}
	info, err := a.engine.GetTaskInfo(ctx, taskID)
	if err != nil {
		return err
	}
	return printJSON(info)
}

func waitForTask(ctx context.Context, eng *engine.Engine, taskID string) error {
	for {
		info, err := eng.GetTaskInfo(ctx, taskID)
		if err != nil {
			return err
		}
		if info.State.IsTerminal() {
			if info.State == engine.TaskStateFailed {
				return chunk.ErrInternal(nil, "task %s failed", taskID)
			}
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func cmdResume(args []string) error {
	fs := pflag.NewFlagSet("resume", pflag.ContinueOnError)
	configPath := fs.String("config", "", "config file")
	taskID := fs.String("task", "", "task id")
	wait := fs.Bool("wait", false, "run the task to completion before returning")
	if err := fs.Parse(args); err != nil {
		return chunk.ErrInvalidInput(err, "bad flags")
	}
	if *taskID == "" {
		return chunk.ErrInvalidInput(nil, "--task is required")
	}

	a, err := buildApp(*configPath, false)
	if err != nil {
		return err
	}
	defer a.close()
	if a.store != nil {
		a.store.Start()
	}

	ctx := context.Background()
	if err := a.engine.ResumeTask(ctx, *taskID); err != nil {
		return err
	}
	if *wait {
		if err := waitForTask(ctx, a.engine, *taskID); err != nil {
			return err
		}
	}
	info, err := a.engine.GetTaskInfo(ctx, *taskID)
	if err != nil {
		return err
	}
	return printJSON(info)
}

func cmdPause(args []string) error {
	fs := pflag.NewFlagSet("pause", pflag.ContinueOnError)
	configPath := fs.String("config", "", "config file")
	taskID := fs.String("task", "", "task id")
	if err := fs.Parse(args); err != nil {
		return chunk.ErrInvalidInput(err, "bad flags")
	}
	if *taskID == "" {
		return chunk.ErrInvalidInput(nil, "--task is required")
	}

	a, err := buildApp(*configPath, false)
	if err != nil {
		return err
	}
	defer a.close()
	return a.engine.PauseTask(context.Background(), *taskID)
}

func cmdListTasks(args []string) error {
	fs := pflag.NewFlagSet("list-tasks", pflag.ContinueOnError)
	configPath := fs.String("config", "", "config file")
	states := fs.StringSlice("state", nil, "filter by state (repeatable)")
	types := fs.StringSlice("type", nil, "filter by type (repeatable)")
	plans := fs.StringSlice("plan", nil, "filter by owner plan id")
	titles := fs.StringSlice("plan-title", nil, "filter by owner plan title")
	offset := fs.Int("offset", 0, "result offset")
	limit := fs.Int("limit", 100, "result limit")
	orderBy := fs.String("order-by", "create_time", "order field: create_time, update_time, complete_time")
	desc := fs.Bool("desc", false, "descending order")
	if err := fs.Parse(args); err != nil {
		return chunk.ErrInvalidInput(err, "bad flags")
	}

	a, err := buildApp(*configPath, false)
	if err != nil {
		return err
	}
	defer a.close()

	filter := engine.TaskFilter{OwnerPlanId: *plans, OwnerPlanTitle: *titles}
	for _, s := range *states {
		filter.State = append(filter.State, engine.TaskState(s))
	}
	for _, t := range *types {
		filter.Type = append(filter.Type, engine.TaskType(t))
	}
	tasks, err := a.engine.ListTasks(context.Background(), filter, *offset, *limit,
		[]engine.TaskOrder{{Field: engine.OrderField(*orderBy), Desc: *desc}})
	if err != nil {
		return err
	}
	return printJSON(tasks)
}

func cmdTaskInfo(args []string) error {
	fs := pflag.NewFlagSet("task-info", pflag.ContinueOnError)
	configPath := fs.String("config", "", "config file")
	taskID := fs.String("task", "", "task id")
	if err := fs.Parse(args); err != nil {
		return chunk.ErrInvalidInput(err, "bad flags")
	}
	if *taskID == "" {
		return chunk.ErrInvalidInput(nil, "--task is required")
	}
	a, err := buildApp(*configPath, false)
	if err != nil {
		return err
	}
	defer a.close()
	info, err := a.engine.GetTaskInfo(context.Background(), *taskID)
	if err != nil {
		return err
	}
	return printJSON(info)
}

func cmdPlanInfo(args []string) error {
	fs := pflag.NewFlagSet("plan-info", pflag.ContinueOnError)
	configPath := fs.String("config", "", "config file")
	planID := fs.String("plan", "", "plan id")
	if err := fs.Parse(args); err != nil {
		return chunk.ErrInvalidInput(err, "bad flags")
	}
	if *planID == "" {
		return chunk.ErrInvalidInput(nil, "--plan is required")
	}
	a, err := buildApp(*configPath, false)
	if err != nil {
		return err
	}
	defer a.close()
	plan, err := a.engine.GetBackupPlan(context.Background(), *planID)
	if err != nil {
		return err
	}
	return printJSON(plan)
}

func cmdIsPlanRunning(args []string) error {
	fs := pflag.NewFlagSet("is-plan-running", pflag.ContinueOnError)
	configPath := fs.String("config", "", "config file")
	planID := fs.String("plan", "", "plan id")
	if err := fs.Parse(args); err != nil {
		return chunk.ErrInvalidInput(err, "bad flags")
	}
	if *planID == "" {
		return chunk.ErrInvalidInput(nil, "--plan is required")
	}
	a, err := buildApp(*configPath, false)
	if err != nil {
		return err
	}
	defer a.close()
	return printJSON(map[string]bool{"running": a.engine.IsPlanHaveRunningBackupTask(*planID)})
}

func cmdRestore(args []string) error {
	fs := pflag.NewFlagSet("restore", pflag.ContinueOnError)
	configPath := fs.String("config", "", "config file")
	planID := fs.String("plan", "", "plan id")
	checkpointID := fs.String("checkpoint", "", "checkpoint id")
	location := fs.String("to", "", "restore location url (file://...)")
	clean := fs.Bool("clean", false, "clean restore: target contains only restored files")
	wait := fs.Bool("wait", false, "run the task to completion before returning")
	if err := fs.Parse(args); err != nil {
		return chunk.ErrInvalidInput(err, "bad flags")
	}
	if *planID == "" || *checkpointID == "" || *location == "" {
		return chunk.ErrInvalidInput(nil, "--plan, --checkpoint and --to are required")
	}

	a, err := buildApp(*configPath, false)
	if err != nil {
		return err
	}
	defer a.close()
	if a.store != nil {
		a.store.Start()
	}

	ctx := context.Background()
	taskID, err := a.engine.CreateRestoreTask(ctx, *planID, *checkpointID, &provider.RestoreConfig{
		RestoreLocationURL: *location,
		IsCleanRestore:     *clean,
	})
	if err != nil {
		return err
	}
	if err := a.engine.ResumeTask(ctx, taskID); err != nil {
		return err
	}
	if *wait {
		if err := waitForTask(ctx, a.engine, taskID); err != nil {
			return err
		}
	}
	info, err := a.engine.GetTaskInfo(ctx, taskID)
	if err != nil {
		return err
	}
	return printJSON(info)
}

func cmdServe(args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	configPath := fs.String("config", "", "config file")
	resumeAll := fs.Bool("resume-all", false, "resume every paused task on startup")
	if err := fs.Parse(args); err != nil {
		return chunk.ErrInvalidInput(err, "bad flags")
	}

	a, err := buildApp(*configPath, true)
	if err != nil {
		return err
	}
	defer a.close()
	if a.store != nil {
		a.store.Start()
	}

	ctx := context.Background()
	if *resumeAll {
		if err := a.engine.ResumeAllTasks(ctx); err != nil {
			return err
		}
	}

	var server *http.Server
	if a.cfg.Metrics.Enabled {
		router := mux.NewRouter()
		router.Handle("/metrics", promhttp.Handler())
		router.HandleFunc("/healthz", metrics.HealthHandler())
		router.HandleFunc("/readyz", metrics.ReadinessHandler(nil))
		server = &http.Server{Addr: a.cfg.Metrics.Listen, Handler: router}
		go func() {
			a.logger.WithField("listen", a.cfg.Metrics.Listen).Info("metrics listener started")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.WithError(err).Error("metrics listener failed")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	a.logger.Info("shutting down")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
	return nil
}
