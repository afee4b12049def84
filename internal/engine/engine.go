package engine

import (
	"context"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/kenneth/chunkvault/internal/chunk"
	"github.com/kenneth/chunkvault/internal/dedupcache"
	"github.com/kenneth/chunkvault/internal/metrics"
	"github.com/kenneth/chunkvault/internal/provider"
)

// SourceFactory builds a chunk source for a URL. A registry maps URL
// schemes to factories so the engine stays adapter-agnostic.
type SourceFactory func(ctx context.Context, rawURL string) (provider.ChunkSource, error)

// TargetFactory builds a chunk target for a URL.
type TargetFactory func(ctx context.Context, rawURL string) (provider.ChunkTarget, error)

// Options tunes an Engine.
type Options struct {
	// StrictMode disables the quick-hash short circuit: a probe hit
	// never marks an item Done without a full transfer.
	StrictMode bool
	Logger     *logrus.Logger
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
	// DedupCache fronts quick-hash existence probes. Optional.
	DedupCache dedupcache.Cache
}

// Engine is the process-wide singleton owning every live plan, checkpoint
// and task. Lifecycle: Init -> Start -> Stop; all background work is owned
// by the engine and finished before Stop returns.
type Engine struct {
	db     *TaskDb
	logger *logrus.Logger
	mets   *metrics.Metrics
	tracer trace.Tracer

	strictMode bool
	dedup      dedupcache.Cache

	// Live-object caches. Callers hold ids and re-resolve against these
	// maps under the mutex; entries are invalidated on update.
	planMu      sync.Mutex
	plans       map[string]*BackupPlanConfig
	taskMu      sync.Mutex
	tasks       map[string]*WorkTask
	cpMu        sync.Mutex
	checkpoints map[string]*BackupCheckPoint

	// smallFileCache buffers whole small chunks between the eval and
	// transfer workers, keyed by chunk id.
	smallMu        sync.Mutex
	smallFileCache map[string]smallFileEntry

	sourceMu sync.Mutex
	sources  map[string]SourceFactory
	targetMu sync.Mutex
	targets  map[string]TargetFactory

	// restoreConfigs holds the config a restore task was created with
	// until its worker picks it up.
	restoreMu      sync.Mutex
	restoreConfigs map[string]*provider.RestoreConfig

	// sessions caches each plan's opaque target session token so a
	// resumed run reconnects without re-authenticating.
	sessionMu sync.Mutex
	sessions  map[string]string

	runWg    sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

type smallFileEntry struct {
	checkpointID string
	itemID       string
	content      []byte
}

// New builds an engine over the task database.
func New(db *TaskDb, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracenoop.NewTracerProvider().Tracer("chunkvault")
	}
	if opts.DedupCache == nil {
		opts.DedupCache = dedupcache.NewMemory(0)
	}
	return &Engine{
		db:             db,
		logger:         opts.Logger,
		mets:           opts.Metrics,
		tracer:         opts.Tracer,
		strictMode:     opts.StrictMode,
		dedup:          opts.DedupCache,
		plans:          make(map[string]*BackupPlanConfig),
		tasks:          make(map[string]*WorkTask),
		checkpoints:    make(map[string]*BackupCheckPoint),
		smallFileCache: make(map[string]smallFileEntry),
		sources:        make(map[string]SourceFactory),
		targets:        make(map[string]TargetFactory),
		restoreConfigs: make(map[string]*provider.RestoreConfig),
		sessions:       make(map[string]string),
		stopped:        make(chan struct{}),
	}
}

// RegisterSource maps a URL scheme to a source constructor.
func (e *Engine) RegisterSource(scheme string, factory SourceFactory) {
	e.sourceMu.Lock()
	defer e.sourceMu.Unlock()
	e.sources[scheme] = factory
}

// RegisterTarget maps a URL scheme to a target constructor.
func (e *Engine) RegisterTarget(scheme string, factory TargetFactory) {
	e.targetMu.Lock()
	defer e.targetMu.Unlock()
	e.targets[scheme] = factory
}

func (e *Engine) sourceFor(ctx context.Context, rawURL string) (provider.ChunkSource, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, chunk.ErrInvalidInput(err, "bad source url %q", rawURL)
	}
	e.sourceMu.Lock()
	factory, ok := e.sources[u.Scheme]
	e.sourceMu.Unlock()
	if !ok {
		return nil, chunk.ErrInvalidInput(nil, "no source adapter for scheme %q", u.Scheme)
	}
	return factory(ctx, rawURL)
}

func (e *Engine) targetFor(ctx context.Context, rawURL string) (provider.ChunkTarget, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, chunk.ErrInvalidInput(err, "bad target url %q", rawURL)
	}
	e.targetMu.Lock()
	factory, ok := e.targets[u.Scheme]
	e.targetMu.Unlock()
	if !ok {
		return nil, chunk.ErrInvalidInput(nil, "no target adapter for scheme %q", u.Scheme)
	}
	return factory(ctx, rawURL)
}

// Init loads persisted state and re-hydrates every non-terminal task into
// Paused. An explicit resume moves eligible tasks back to Running.
func (e *Engine) Init(ctx context.Context) error {
	if err := e.db.Init(ctx); err != nil {
		return err
	}

	plans, err := e.db.ListPlans(ctx)
	if err != nil {
		return err
	}
	e.planMu.Lock()
	for _, p := range plans {
		e.plans[p.PlanId] = p
	}
	e.planMu.Unlock()

	tasks, err := e.db.LoadNonTerminalTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.State != TaskStatePaused {
			t.State = TaskStatePaused
			if err := e.db.UpdateTask(ctx, t); err != nil {
				return err
			}
		}
		e.taskMu.Lock()
		e.tasks[t.TaskId] = t
		e.taskMu.Unlock()
		e.logger.WithFields(logrus.Fields{
			"task_id": t.TaskId,
			"plan_id": t.OwnerPlanId,
		}).Info("task re-hydrated as paused")
	}
	return nil
}

// Start is a lifecycle marker; background work is launched per task.
func (e *Engine) Start(ctx context.Context) error {
	return nil
}

// Stop waits for every running worker to observe cancellation and exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopped) })
	e.runWg.Wait()
}

// CreateBackupPlan persists a new plan. Creating a plan whose
// (type, source, target) already exists returns the existing plan id.
func (e *Engine) CreateBackupPlan(ctx context.Context, plan *BackupPlanConfig) (string, error) {
	e.planMu.Lock()
	for _, p := range e.plans {
		if p.PlanKey() == plan.PlanKey() {
			id := p.PlanId
			e.planMu.Unlock()
			return id, nil
		}
	}
	e.planMu.Unlock()

	if err := e.db.CreateBackupPlan(ctx, plan); err != nil {
		if chunk.KindOf(err) == chunk.KindAlreadyExists {
			// Another writer won the race; resolve the survivor.
			if plans, lerr := e.db.ListPlans(ctx); lerr == nil {
				for _, p := range plans {
					if p.PlanKey() == plan.PlanKey() {
						return p.PlanId, nil
					}
				}
			}
		}
		return "", err
	}
	e.planMu.Lock()
	e.plans[plan.PlanId] = plan
	e.planMu.Unlock()
	e.logger.WithFields(logrus.Fields{
		"plan_id": plan.PlanId,
		"key":     plan.PlanKey(),
	}).Info("backup plan created")
	return plan.PlanId, nil
}

// GetBackupPlan resolves a plan by id.
func (e *Engine) GetBackupPlan(ctx context.Context, planID string) (*BackupPlanConfig, error) {
	e.planMu.Lock()
	p, ok := e.plans[planID]
	e.planMu.Unlock()
	if ok {
		cp := *p
		return &cp, nil
	}
	p, err := e.db.LoadPlanById(ctx, planID)
	if err != nil {
		return nil, err
	}
	e.planMu.Lock()
	e.plans[p.PlanId] = p
	e.planMu.Unlock()
	cp := *p
	return &cp, nil
}

// IsPlanHaveRunningBackupTask enforces the single-writer invariant from
// the live task map.
func (e *Engine) IsPlanHaveRunningBackupTask(planID string) bool {
	e.taskMu.Lock()
	defer e.taskMu.Unlock()
	for _, t := range e.tasks {
		if t.OwnerPlanId == planID && t.State == TaskStateRunning {
			return true
		}
	}
	return false
}

// CreateBackupTask creates a checkpoint and a paused backup task for it.
// The plan's checkpoint index is bumped in the same critical section as
// the checkpoint insert.
func (e *Engine) CreateBackupTask(ctx context.Context, planID, parentCheckpointID string) (string, error) {
	if e.IsPlanHaveRunningBackupTask(planID) {
		return "", chunk.ErrState("plan %s already has a running task", planID)
	}

	if parentCheckpointID != "" {
		if _, err := e.db.LoadCheckpointById(ctx, parentCheckpointID); err != nil {
			return "", err
		}
	}

	e.planMu.Lock()
	plan, ok := e.plans[planID]
	if !ok {
		loaded, err := e.db.LoadPlanById(ctx, planID)
		if err != nil {
			e.planMu.Unlock()
			return "", err
		}
		plan = loaded
		e.plans[planID] = plan
	}
	if active, err := e.db.HasActiveCheckpoint(ctx, planID); err != nil {
		e.planMu.Unlock()
		return "", err
	} else if active {
		e.planMu.Unlock()
		return "", chunk.ErrState("plan %s already has a checkpoint in progress", planID)
	}
	plan.LastCheckpointIndex++
	index := plan.LastCheckpointIndex
	if err := e.db.UpdateBackupPlan(ctx, plan); err != nil {
		plan.LastCheckpointIndex--
		e.planMu.Unlock()
		return "", err
	}
	cp := NewBackupCheckPoint(planID, parentCheckpointID, index)
	if err := e.db.CreateCheckpoint(ctx, cp); err != nil {
		e.planMu.Unlock()
		return "", err
	}
	e.planMu.Unlock()

	e.cpMu.Lock()
	e.checkpoints[cp.CheckpointId] = cp
	e.cpMu.Unlock()
	e.logger.WithFields(logrus.Fields{
		"checkpoint_id": cp.CheckpointId,
		"plan_id":       planID,
		"index":         index,
	}).Info("checkpoint created")

	task := NewWorkTask(planID, cp.CheckpointId, TaskTypeBackup)
	if err := e.db.CreateTask(ctx, task); err != nil {
		return "", err
	}
	e.taskMu.Lock()
	e.tasks[task.TaskId] = task
	e.taskMu.Unlock()
	e.logger.WithFields(logrus.Fields{
		"task_id":       task.TaskId,
		"checkpoint_id": cp.CheckpointId,
	}).Info("backup task created")
	return task.TaskId, nil
}

// GetTaskInfo returns a copy of the task.
func (e *Engine) GetTaskInfo(ctx context.Context, taskID string) (*WorkTask, error) {
	t, err := e.resolveTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	e.taskMu.Lock()
	cp := *t
	e.taskMu.Unlock()
	return &cp, nil
}

// resolveTask returns the live task pointer, loading it from the database
// on a cache miss.
func (e *Engine) resolveTask(ctx context.Context, taskID string) (*WorkTask, error) {
	e.taskMu.Lock()
	t, ok := e.tasks[taskID]
	e.taskMu.Unlock()
	if ok {
		return t, nil
	}
	t, err := e.db.LoadTaskById(ctx, taskID)
	if err != nil {
		return nil, err
	}
	e.taskMu.Lock()
	if live, ok := e.tasks[taskID]; ok {
		t = live
	} else {
		e.tasks[taskID] = t
	}
	e.taskMu.Unlock()
	return t, nil
}

// taskState reads the live state under the task mutex; workers poll this
// at the top of each iteration.
func (e *Engine) taskState(t *WorkTask) TaskState {
	e.taskMu.Lock()
	defer e.taskMu.Unlock()
	return t.State
}

func (e *Engine) setTaskState(ctx context.Context, t *WorkTask, state TaskState) error {
	e.taskMu.Lock()
	t.State = state
	e.taskMu.Unlock()
	return e.db.UpdateTask(ctx, t)
}

// resolveCheckpoint returns the live checkpoint, loading on a miss.
func (e *Engine) resolveCheckpoint(ctx context.Context, checkpointID string) (*BackupCheckPoint, error) {
	e.cpMu.Lock()
	cp, ok := e.checkpoints[checkpointID]
	e.cpMu.Unlock()
	if ok {
		return cp, nil
	}
	cp, err := e.db.LoadCheckpointById(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	e.cpMu.Lock()
	if live, ok := e.checkpoints[checkpointID]; ok {
		cp = live
	} else {
		e.checkpoints[checkpointID] = cp
	}
	e.cpMu.Unlock()
	return cp, nil
}

func (e *Engine) checkpointState(cp *BackupCheckPoint) CheckPointState {
	e.cpMu.Lock()
	defer e.cpMu.Unlock()
	return cp.State
}

func (e *Engine) setCheckpointState(ctx context.Context, cp *BackupCheckPoint, state CheckPointState) error {
	e.cpMu.Lock()
	cp.State = state
	e.cpMu.Unlock()
	return e.db.UpdateCheckpoint(ctx, cp)
}

// ResumeTask moves a paused task to Running and launches its worker.
func (e *Engine) ResumeTask(ctx context.Context, taskID string) error {
	t, err := e.resolveTask(ctx, taskID)
	if err != nil {
		return err
	}

	e.taskMu.Lock()
	if t.State != TaskStatePaused {
		state := t.State
		e.taskMu.Unlock()
		return chunk.ErrState("task %s is %s, not paused", taskID, state)
	}
	t.State = TaskStateRunning
	taskType := t.TaskType
	planID := t.OwnerPlanId
	checkpointID := t.CheckpointId
	e.taskMu.Unlock()
	if err := e.db.UpdateTask(ctx, t); err != nil {
		return err
	}

	plan, err := e.GetBackupPlan(ctx, planID)
	if err != nil {
		return err
	}

	e.logger.WithFields(logrus.Fields{
		"task_id": taskID,
		"type":    taskType,
	}).Info("task resumed")

	e.runWg.Add(1)
	go func() {
		defer e.runWg.Done()
		runCtx := context.Background()

		var runErr error
		switch taskType {
		case TaskTypeBackup:
			runErr = e.runBackupTask(runCtx, t, checkpointID, plan)
		case TaskTypeRestore:
			runErr = e.runRestoreTask(runCtx, t, checkpointID, plan)
		default:
			runErr = chunk.ErrInternal(nil, "unknown task type %q", taskType)
		}

		e.taskMu.Lock()
		state := t.State
		e.taskMu.Unlock()
		if state == TaskStatePaused {
			// A cooperative pause is not a failure; persisted
			// progress stays as-is for the next resume.
			e.logger.WithField("task_id", taskID).Info("task paused")
			return
		}
		select {
		case <-e.stopped:
			// Engine shutdown interrupted the run; restart recovery
			// re-hydrates the task as paused.
			return
		default:
		}
		if runErr != nil {
			e.logger.WithError(runErr).WithField("task_id", taskID).Error("task failed")
			_ = e.setTaskState(runCtx, t, TaskStateFailed)
			_ = e.db.AppendTaskLog(runCtx, taskID, "error", runErr.Error(), "task_failed")
			return
		}
		e.logger.WithField("task_id", taskID).Info("task done")
		_ = e.setTaskState(runCtx, t, TaskStateDone)
		_ = e.db.AppendTaskLog(runCtx, taskID, "info", "task completed", "task_done")
	}()
	return nil
}

// PauseTask requests a cooperative pause. Workers observe the state on
// their next iteration and exit without rolling back persisted progress.
func (e *Engine) PauseTask(ctx context.Context, taskID string) error {
	t, err := e.resolveTask(ctx, taskID)
	if err != nil {
		return err
	}
	e.taskMu.Lock()
	if t.State != TaskStateRunning {
		state := t.State
		e.taskMu.Unlock()
		return chunk.ErrState("task %s is %s, not running", taskID, state)
	}
	t.State = TaskStatePaused
	e.taskMu.Unlock()
	if err := e.db.UpdateTask(ctx, t); err != nil {
		return err
	}
	e.logger.WithField("task_id", taskID).Info("task pause requested")
	return nil
}

// ResumeAllTasks resumes every paused task, e.g. after restart recovery.
func (e *Engine) ResumeAllTasks(ctx context.Context) error {
	e.taskMu.Lock()
	var eligible []string
	for id, t := range e.tasks {
		if t.State == TaskStatePaused {
			eligible = append(eligible, id)
		}
	}
	e.taskMu.Unlock()
	for _, id := range eligible {
		if err := e.ResumeTask(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ListTasks queries persisted tasks with filtering and ordering.
func (e *Engine) ListTasks(ctx context.Context, filter TaskFilter, offset, limit int, orderBy []TaskOrder) ([]*WorkTask, error) {
	return e.db.ListTasks(ctx, filter, offset, limit, orderBy)
}

// CreateRestoreTask creates a paused restore task against an existing
// checkpoint of the plan.
func (e *Engine) CreateRestoreTask(ctx context.Context, planID, checkpointID string, cfg *provider.RestoreConfig) (string, error) {
	if e.IsPlanHaveRunningBackupTask(planID) {
		return "", chunk.ErrState("plan %s already has a running task", planID)
	}
	cp, err := e.db.LoadCheckpointById(ctx, checkpointID)
	if err != nil {
		return "", err
	}
	if cp.OwnerPlan != planID {
		return "", chunk.ErrState("checkpoint %s belongs to plan %s", checkpointID, cp.OwnerPlan)
	}
	if cp.State != CheckPointStateDone {
		return "", chunk.ErrState("checkpoint %s is %s, only done checkpoints can be restored", checkpointID, cp.State)
	}

	task := NewWorkTask(planID, checkpointID, TaskTypeRestore)
	if err := e.db.CreateTask(ctx, task); err != nil {
		return "", err
	}
	e.taskMu.Lock()
	e.tasks[task.TaskId] = task
	e.taskMu.Unlock()

	e.restoreMu.Lock()
	e.restoreConfigs[task.TaskId] = cfg
	e.restoreMu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"task_id":       task.TaskId,
		"checkpoint_id": checkpointID,
	}).Info("restore task created")
	return task.TaskId, nil
}
