// Package engine drives plans, checkpoints and work tasks: the persistent
// lifecycles, the three-stage checkpoint pipeline, and restore runs.
package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Pipeline sizing. The transfer cache bounds pipeline memory: 32 nodes of
// at most one hash piece each is roughly 512 MiB.
const (
	SmallChunkSize = 1 * 1024 * 1024
	LargeChunkSize = 256 * 1024 * 1024
	HashChunkSize  = 16 * 1024 * 1024

	evalChannelCap     = 4096
	transferChannelCap = 4096
	transferCacheCap   = 32
)

// CheckPointState is the checkpoint lifecycle. Transitions are monotone:
// New -> Prepared -> Evaluated -> Done, with Failed reachable from any
// non-terminal state by explicit task action.
type CheckPointState string

const (
	CheckPointStateNew       CheckPointState = "NEW"
	CheckPointStatePrepared  CheckPointState = "PREPARED"
	CheckPointStateEvaluated CheckPointState = "EVALUATED"
	CheckPointStateDone      CheckPointState = "DONE"
	CheckPointStateFailed    CheckPointState = "FAILED"
)

// IsTerminal reports whether the checkpoint can never change again.
func (s CheckPointState) IsTerminal() bool {
	return s == CheckPointStateDone || s == CheckPointStateFailed
}

// BackupCheckPoint is an immutable logical snapshot of a source.
// CheckpointIndex, together with the owning plan, totally orders
// checkpoints independently of wall-clock time.
type BackupCheckPoint struct {
	CheckpointId       string
	ParentCheckpointId string
	State              CheckPointState
	OwnerPlan          string
	CheckpointHash     string
	CheckpointIndex    uint64
	CreateTime         int64 // unix millis
}

// NewBackupCheckPoint mints a checkpoint in state New.
func NewBackupCheckPoint(ownerPlan, parentCheckpointID string, index uint64) *BackupCheckPoint {
	return &BackupCheckPoint{
		CheckpointId:       "chk_" + uuid.NewString(),
		ParentCheckpointId: parentCheckpointID,
		State:              CheckPointStateNew,
		OwnerPlan:          ownerPlan,
		CheckpointIndex:    index,
		CreateTime:         time.Now().UnixMilli(),
	}
}

// TaskState is the work-task lifecycle.
type TaskState string

const (
	TaskStateRunning TaskState = "RUNNING"
	TaskStatePending TaskState = "PENDING"
	TaskStatePaused  TaskState = "PAUSED"
	TaskStateDone    TaskState = "DONE"
	TaskStateFailed  TaskState = "FAILED"
)

// IsTerminal reports whether the task finished.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateDone || s == TaskStateFailed
}

// TaskType distinguishes backup from restore runs.
type TaskType string

const (
	TaskTypeBackup  TaskType = "BACKUP"
	TaskTypeRestore TaskType = "RESTORE"
)

// WorkTask is one concrete execution of backup or restore against a
// checkpoint. Only one task per plan may be Running.
type WorkTask struct {
	TaskId                string
	TaskType              TaskType
	OwnerPlanId           string
	CheckpointId          string
	TotalSize             uint64
	CompletedSize         uint64
	State                 TaskState
	CreateTime            int64 // unix millis
	UpdateTime            int64
	ItemCount             uint64
	CompletedItemCount    uint64
	WaitTransferItemCount uint64
}

// NewWorkTask mints a task in state Paused; an explicit resume moves it to
// Running.
func NewWorkTask(planID, checkpointID string, taskType TaskType) *WorkTask {
	now := time.Now().UnixMilli()
	return &WorkTask{
		TaskId:       "task_" + uuid.NewString(),
		TaskType:     taskType,
		OwnerPlanId:  planID,
		CheckpointId: checkpointID,
		State:        TaskStatePaused,
		CreateTime:   now,
		UpdateTime:   now,
	}
}

// PlanType encodes the source/target pairing of a plan.
type PlanType string

const (
	PlanTypeChunk2Chunk PlanType = "c2c"
	PlanTypeDir2Chunk   PlanType = "d2c"
	PlanTypeDir2Dir     PlanType = "d2d"
	PlanTypeChunk2Dir   PlanType = "c2d"
)

// BackupPlanConfig is the persistent source/target pairing under which
// checkpoints are produced. (Type, SourceURL, TargetURL) is unique.
type BackupPlanConfig struct {
	PlanId              string
	SourceType          string
	SourceURL           string
	TargetType          string
	TargetURL           string
	Title               string
	Description         string
	TypeStr             PlanType
	LastCheckpointIndex uint64
}

// PlanKey is the uniqueness key of a plan.
func (p *BackupPlanConfig) PlanKey() string {
	return fmt.Sprintf("%s-%s-%s", p.TypeStr, p.SourceURL, p.TargetURL)
}

// NewBackupPlanConfig mints a plan with a fresh id.
func NewBackupPlanConfig(sourceType, sourceURL, targetType, targetURL, title, description string, typeStr PlanType) *BackupPlanConfig {
	return &BackupPlanConfig{
		PlanId:      "plan_" + uuid.NewString(),
		SourceType:  sourceType,
		SourceURL:   sourceURL,
		TargetType:  targetType,
		TargetURL:   targetURL,
		Title:       title,
		Description: description,
		TypeStr:     typeStr,
	}
}

// TaskFilter narrows ListTasks results. Empty slices match everything.
type TaskFilter struct {
	State          []TaskState
	Type           []TaskType
	OwnerPlanId    []string
	OwnerPlanTitle []string
}

// OrderField names a sortable task column.
type OrderField string

const (
	OrderByCreateTime   OrderField = "create_time"
	OrderByUpdateTime   OrderField = "update_time"
	OrderByCompleteTime OrderField = "complete_time"
)

// TaskOrder is one sort directive.
type TaskOrder struct {
	Field OrderField
	Desc  bool
}
