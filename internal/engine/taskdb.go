package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kenneth/chunkvault/internal/chunk"
	"github.com/kenneth/chunkvault/internal/provider"
)

// TaskDb persists plans, checkpoints, tasks, per-checkpoint items, the
// work-task log and the source journal in one sqlite database.
type TaskDb struct {
	db *sql.DB
}

// NewTaskDb wraps an opened sqlite handle.
func NewTaskDb(db *sql.DB) *TaskDb {
	return &TaskDb{db: db}
}

var taskDbSchema = []string{
	`CREATE TABLE IF NOT EXISTS backup_plans (
		plan_id TEXT PRIMARY KEY,
		source_type TEXT NOT NULL,
		source_url TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_url TEXT NOT NULL,
		title TEXT,
		description TEXT,
		type_str TEXT NOT NULL,
		last_checkpoint_index INTEGER NOT NULL DEFAULT 0,
		UNIQUE (type_str, source_url, target_url)
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		checkpoint_id TEXT PRIMARY KEY,
		parent_checkpoint_id TEXT,
		state TEXT NOT NULL,
		owner_plan TEXT NOT NULL,
		checkpoint_hash TEXT,
		checkpoint_index INTEGER NOT NULL,
		create_time INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS work_tasks (
		taskid TEXT PRIMARY KEY,
		task_type TEXT NOT NULL,
		owner_plan_id TEXT NOT NULL,
		checkpoint_id TEXT NOT NULL,
		total_size INTEGER NOT NULL DEFAULT 0,
		completed_size INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		create_time INTEGER NOT NULL,
		update_time INTEGER NOT NULL,
		item_count INTEGER NOT NULL DEFAULT 0,
		completed_item_count INTEGER NOT NULL DEFAULT 0,
		wait_transfer_item_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS backup_items (
		item_id TEXT NOT NULL,
		checkpoint_id TEXT NOT NULL,
		item_type TEXT NOT NULL,
		chunk_id TEXT,
		quick_hash TEXT,
		state TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		last_modify_time INTEGER NOT NULL DEFAULT 0,
		create_time INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (item_id, checkpoint_id)
	)`,
	`CREATE TABLE IF NOT EXISTS worktask_log (
		log_id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		level TEXT NOT NULL,
		owner_task TEXT NOT NULL,
		log_content TEXT,
		log_event_type TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS journal (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		source_id TEXT NOT NULL,
		order_id TEXT,
		event_type TEXT NOT NULL,
		event_params TEXT
	)`,
}

// Init creates every table.
func (d *TaskDb) Init(ctx context.Context) error {
	for _, stmt := range taskDbSchema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return chunk.ErrIo(err, "failed to create task db schema")
		}
	}
	return nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// CreateBackupPlan inserts the plan; a duplicate (type, source, target)
// triple is reported as AlreadyExists.
func (d *TaskDb) CreateBackupPlan(ctx context.Context, plan *BackupPlanConfig) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO backup_plans (plan_id, source_type, source_url, target_type, target_url, title, description, type_str, last_checkpoint_index)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.PlanId, plan.SourceType, plan.SourceURL, plan.TargetType, plan.TargetURL,
		plan.Title, plan.Description, string(plan.TypeStr), plan.LastCheckpointIndex)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return chunk.ErrAlreadyExists("plan for %s already exists", plan.PlanKey())
		}
		return chunk.ErrIo(err, "failed to insert backup plan")
	}
	return nil
}

// UpdateBackupPlan persists mutable plan fields, notably the checkpoint
// index.
func (d *TaskDb) UpdateBackupPlan(ctx context.Context, plan *BackupPlanConfig) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE backup_plans SET title = ?, description = ?, last_checkpoint_index = ? WHERE plan_id = ?`,
		plan.Title, plan.Description, plan.LastCheckpointIndex, plan.PlanId)
	if err != nil {
		return chunk.ErrIo(err, "failed to update backup plan %s", plan.PlanId)
	}
	return nil
}

func scanPlan(row interface{ Scan(...interface{}) error }) (*BackupPlanConfig, error) {
	var p BackupPlanConfig
	var typeStr string
	if err := row.Scan(&p.PlanId, &p.SourceType, &p.SourceURL, &p.TargetType, &p.TargetURL,
		&p.Title, &p.Description, &typeStr, &p.LastCheckpointIndex); err != nil {
		return nil, err
	}
	p.TypeStr = PlanType(typeStr)
	return &p, nil
}

const planColumns = `plan_id, source_type, source_url, target_type, target_url, title, description, type_str, last_checkpoint_index`

// LoadPlanById fetches one plan.
func (d *TaskDb) LoadPlanById(ctx context.Context, planID string) (*BackupPlanConfig, error) {
	p, err := scanPlan(d.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM backup_plans WHERE plan_id = ?`, planID))
	if err == sql.ErrNoRows {
		return nil, chunk.ErrNotFound("plan %s not found", planID)
	}
	if err != nil {
		return nil, chunk.ErrIo(err, "failed to load plan %s", planID)
	}
	return p, nil
}

// ListPlans returns every plan.
func (d *TaskDb) ListPlans(ctx context.Context) ([]*BackupPlanConfig, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+planColumns+` FROM backup_plans`)
	if err != nil {
		return nil, chunk.ErrIo(err, "failed to list plans")
	}
	defer rows.Close()
	var out []*BackupPlanConfig
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, chunk.ErrIo(err, "failed to scan plan")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateCheckpoint inserts a checkpoint row.
func (d *TaskDb) CreateCheckpoint(ctx context.Context, cp *BackupCheckPoint) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO checkpoints (checkpoint_id, parent_checkpoint_id, state, owner_plan, checkpoint_hash, checkpoint_index, create_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.CheckpointId, nullable(cp.ParentCheckpointId), string(cp.State), cp.OwnerPlan,
		nullable(cp.CheckpointHash), cp.CheckpointIndex, cp.CreateTime)
	if err != nil {
		return chunk.ErrIo(err, "failed to insert checkpoint %s", cp.CheckpointId)
	}
	return nil
}

// UpdateCheckpoint persists the checkpoint's state and hash.
func (d *TaskDb) UpdateCheckpoint(ctx context.Context, cp *BackupCheckPoint) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE checkpoints SET state = ?, checkpoint_hash = ? WHERE checkpoint_id = ?`,
		string(cp.State), nullable(cp.CheckpointHash), cp.CheckpointId)
	if err != nil {
		return chunk.ErrIo(err, "failed to update checkpoint %s", cp.CheckpointId)
	}
	return nil
}

// LoadCheckpointById fetches one checkpoint.
func (d *TaskDb) LoadCheckpointById(ctx context.Context, checkpointID string) (*BackupCheckPoint, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT checkpoint_id, parent_checkpoint_id, state, owner_plan, checkpoint_hash, checkpoint_index, create_time
		 FROM checkpoints WHERE checkpoint_id = ?`, checkpointID)
	var cp BackupCheckPoint
	var parent, hash sql.NullString
	var state string
	if err := row.Scan(&cp.CheckpointId, &parent, &state, &cp.OwnerPlan, &hash, &cp.CheckpointIndex, &cp.CreateTime); err != nil {
		if err == sql.ErrNoRows {
			return nil, chunk.ErrNotFound("checkpoint %s not found", checkpointID)
		}
		return nil, chunk.ErrIo(err, "failed to load checkpoint %s", checkpointID)
	}
	cp.ParentCheckpointId = parent.String
	cp.CheckpointHash = hash.String
	cp.State = CheckPointState(state)
	return &cp, nil
}

// HasActiveCheckpoint reports whether the plan has a non-terminal
// checkpoint, enforcing the at-most-one-in-progress invariant.
func (d *TaskDb) HasActiveCheckpoint(ctx context.Context, planID string) (bool, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM checkpoints WHERE owner_plan = ? AND state NOT IN (?, ?)`,
		planID, string(CheckPointStateDone), string(CheckPointStateFailed))
	var n int
	if err := row.Scan(&n); err != nil {
		return false, chunk.ErrIo(err, "failed to count active checkpoints")
	}
	return n > 0, nil
}

// CreateTask inserts a work task.
func (d *TaskDb) CreateTask(ctx context.Context, t *WorkTask) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO work_tasks (taskid, task_type, owner_plan_id, checkpoint_id, total_size, completed_size, state,
		 create_time, update_time, item_count, completed_item_count, wait_transfer_item_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskId, string(t.TaskType), t.OwnerPlanId, t.CheckpointId, t.TotalSize, t.CompletedSize,
		string(t.State), t.CreateTime, t.UpdateTime, t.ItemCount, t.CompletedItemCount, t.WaitTransferItemCount)
	if err != nil {
		return chunk.ErrIo(err, "failed to insert task %s", t.TaskId)
	}
	return nil
}

// UpdateTask persists the task's counters and state.
func (d *TaskDb) UpdateTask(ctx context.Context, t *WorkTask) error {
	t.UpdateTime = nowMillis()
	_, err := d.db.ExecContext(ctx,
		`UPDATE work_tasks SET total_size = ?, completed_size = ?, state = ?, update_time = ?,
		 item_count = ?, completed_item_count = ?, wait_transfer_item_count = ? WHERE taskid = ?`,
		t.TotalSize, t.CompletedSize, string(t.State), t.UpdateTime,
		t.ItemCount, t.CompletedItemCount, t.WaitTransferItemCount, t.TaskId)
	if err != nil {
		return chunk.ErrIo(err, "failed to update task %s", t.TaskId)
	}
	return nil
}

const taskColumns = `taskid, task_type, owner_plan_id, checkpoint_id, total_size, completed_size, state,
	create_time, update_time, item_count, completed_item_count, wait_transfer_item_count`

func scanTask(row interface{ Scan(...interface{}) error }) (*WorkTask, error) {
	var t WorkTask
	var taskType, state string
	if err := row.Scan(&t.TaskId, &taskType, &t.OwnerPlanId, &t.CheckpointId, &t.TotalSize, &t.CompletedSize,
		&state, &t.CreateTime, &t.UpdateTime, &t.ItemCount, &t.CompletedItemCount, &t.WaitTransferItemCount); err != nil {
		return nil, err
	}
	t.TaskType = TaskType(taskType)
	t.State = TaskState(state)
	return &t, nil
}

// LoadTaskById fetches one task.
func (d *TaskDb) LoadTaskById(ctx context.Context, taskID string) (*WorkTask, error) {
	t, err := scanTask(d.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM work_tasks WHERE taskid = ?`, taskID))
	if err == sql.ErrNoRows {
		return nil, chunk.ErrNotFound("task %s not found", taskID)
	}
	if err != nil {
		return nil, chunk.ErrIo(err, "failed to load task %s", taskID)
	}
	return t, nil
}

// LoadNonTerminalTasks returns every task that has not finished, used by
// restart recovery.
func (d *TaskDb) LoadNonTerminalTasks(ctx context.Context) ([]*WorkTask, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM work_tasks WHERE state NOT IN (?, ?)`,
		string(TaskStateDone), string(TaskStateFailed))
	if err != nil {
		return nil, chunk.ErrIo(err, "failed to load unfinished tasks")
	}
	defer rows.Close()
	var out []*WorkTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, chunk.ErrIo(err, "failed to scan task")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTasks applies the filter and order directives.
func (d *TaskDb) ListTasks(ctx context.Context, filter TaskFilter, offset, limit int, orderBy []TaskOrder) ([]*WorkTask, error) {
	var where []string
	var args []interface{}

	addIn := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		marks := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
		where = append(where, fmt.Sprintf("%s IN (%s)", column, marks))
		for _, v := range values {
			args = append(args, v)
		}
	}

	states := make([]string, 0, len(filter.State))
	for _, s := range filter.State {
		states = append(states, string(s))
	}
	addIn("t.state", states)
	types := make([]string, 0, len(filter.Type))
	for _, tt := range filter.Type {
		types = append(types, string(tt))
	}
	addIn("t.task_type", types)
	addIn("t.owner_plan_id", filter.OwnerPlanId)
	addIn("p.title", filter.OwnerPlanTitle)

	query := `SELECT t.taskid, t.task_type, t.owner_plan_id, t.checkpoint_id, t.total_size, t.completed_size, t.state,
		t.create_time, t.update_time, t.item_count, t.completed_item_count, t.wait_transfer_item_count
		FROM work_tasks t LEFT JOIN backup_plans p ON p.plan_id = t.owner_plan_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	var orders []string
	for _, o := range orderBy {
		col := ""
		switch o.Field {
		case OrderByCreateTime:
			col = "t.create_time"
		case OrderByUpdateTime, OrderByCompleteTime:
			// A task's completion time is its last update.
			col = "t.update_time"
		default:
			return nil, chunk.ErrInvalidInput(nil, "unknown order field %q", o.Field)
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		orders = append(orders, col+" "+dir)
	}
	if len(orders) == 0 {
		orders = append(orders, "t.create_time ASC")
	}
	query += " ORDER BY " + strings.Join(orders, ", ")

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	} else if offset > 0 {
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, chunk.ErrIo(err, "failed to list tasks")
	}
	defer rows.Close()
	var out []*WorkTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, chunk.ErrIo(err, "failed to scan task")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveItemListToCheckpoint persists enumerated items in source order, all
// in one transaction.
func (d *TaskDb) SaveItemListToCheckpoint(ctx context.Context, checkpointID string, items []provider.BackupItem) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return chunk.ErrIo(err, "failed to begin item insert")
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO backup_items (item_id, checkpoint_id, item_type, chunk_id, quick_hash, state, size, last_modify_time, create_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return chunk.ErrIo(err, "failed to prepare item insert")
	}
	defer stmt.Close()
	for _, item := range items {
		if _, err := stmt.ExecContext(ctx, item.ItemId, checkpointID, string(item.ItemType),
			nullable(item.ChunkId), nullable(item.QuickHash), itemStateColumn(item),
			item.Size, item.LastModifyTime, item.CreateTime); err != nil {
			return chunk.ErrIo(err, "failed to insert item %s", item.ItemId)
		}
	}
	if err := tx.Commit(); err != nil {
		return chunk.ErrIo(err, "failed to commit item insert")
	}
	return nil
}

// itemStateColumn encodes the state, folding the failure message into the
// column the way the reference schema does.
func itemStateColumn(item provider.BackupItem) string {
	if item.State == provider.ItemStateFailed && item.FailMsg != "" {
		return "FAILED:" + item.FailMsg
	}
	return string(item.State)
}

func decodeItemState(s string) (provider.ItemState, string) {
	if msg, ok := strings.CutPrefix(s, "FAILED:"); ok {
		return provider.ItemStateFailed, msg
	}
	return provider.ItemState(s), ""
}

// UpdateBackupItem persists one item's chunk ids and state.
func (d *TaskDb) UpdateBackupItem(ctx context.Context, checkpointID string, item *provider.BackupItem) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE backup_items SET chunk_id = ?, quick_hash = ?, state = ? WHERE item_id = ? AND checkpoint_id = ?`,
		nullable(item.ChunkId), nullable(item.QuickHash), itemStateColumn(*item), item.ItemId, checkpointID)
	if err != nil {
		return chunk.ErrIo(err, "failed to update item %s", item.ItemId)
	}
	return nil
}

// UpdateBackupItemState persists just a state transition.
func (d *TaskDb) UpdateBackupItemState(ctx context.Context, checkpointID, itemID string, state provider.ItemState) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE backup_items SET state = ? WHERE item_id = ? AND checkpoint_id = ?`,
		string(state), itemID, checkpointID)
	if err != nil {
		return chunk.ErrIo(err, "failed to update item %s state", itemID)
	}
	return nil
}

func scanItem(row interface{ Scan(...interface{}) error }) (provider.BackupItem, error) {
	var item provider.BackupItem
	var itemType, state string
	var chunkID, quickHash sql.NullString
	if err := row.Scan(&item.ItemId, &itemType, &chunkID, &quickHash, &state,
		&item.Size, &item.LastModifyTime, &item.CreateTime); err != nil {
		return item, err
	}
	item.ItemType = provider.ItemType(itemType)
	item.ChunkId = chunkID.String
	item.QuickHash = quickHash.String
	item.State, item.FailMsg = decodeItemState(state)
	return item, nil
}

const itemColumns = `item_id, item_type, chunk_id, quick_hash, state, size, last_modify_time, create_time`

func (d *TaskDb) loadItems(ctx context.Context, query string, args ...interface{}) ([]provider.BackupItem, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, chunk.ErrIo(err, "failed to load items")
	}
	defer rows.Close()
	var out []provider.BackupItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, chunk.ErrIo(err, "failed to scan item")
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// LoadWorkBackupItems returns the checkpoint's non-terminal items in
// enumeration order.
func (d *TaskDb) LoadWorkBackupItems(ctx context.Context, checkpointID string) ([]provider.BackupItem, error) {
	return d.loadItems(ctx,
		`SELECT `+itemColumns+` FROM backup_items WHERE checkpoint_id = ?
		 AND state NOT IN ('DONE') AND state NOT LIKE 'FAILED%' ORDER BY rowid ASC`, checkpointID)
}

// LoadWaitTransferBackupItems returns hashed items whose bytes have not
// reached the target yet: LocalDone items, plus New items that arrived
// from the source with a chunk id already attached.
func (d *TaskDb) LoadWaitTransferBackupItems(ctx context.Context, checkpointID string) ([]provider.BackupItem, error) {
	return d.loadItems(ctx,
		`SELECT `+itemColumns+` FROM backup_items WHERE checkpoint_id = ?
		 AND (state = ? OR (state = ? AND chunk_id IS NOT NULL)) ORDER BY rowid ASC`,
		checkpointID, string(provider.ItemStateLocalDone), string(provider.ItemStateNew))
}

// LoadAllItems returns every item of a checkpoint.
func (d *TaskDb) LoadAllItems(ctx context.Context, checkpointID string) ([]provider.BackupItem, error) {
	return d.loadItems(ctx,
		`SELECT `+itemColumns+` FROM backup_items WHERE checkpoint_id = ? ORDER BY rowid ASC`, checkpointID)
}

// CountItemsByState tallies a checkpoint's items per state.
func (d *TaskDb) CountItemsByState(ctx context.Context, checkpointID string) (map[provider.ItemState]uint64, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM backup_items WHERE checkpoint_id = ? GROUP BY state`, checkpointID)
	if err != nil {
		return nil, chunk.ErrIo(err, "failed to count items")
	}
	defer rows.Close()
	out := make(map[provider.ItemState]uint64)
	for rows.Next() {
		var state string
		var n uint64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, chunk.ErrIo(err, "failed to scan item count")
		}
		decoded, _ := decodeItemState(state)
		out[decoded] += n
	}
	return out, rows.Err()
}

// AppendTaskLog writes one structured work-task log row.
func (d *TaskDb) AppendTaskLog(ctx context.Context, taskID, level, content, eventType string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO worktask_log (timestamp, level, owner_task, log_content, log_event_type) VALUES (?, ?, ?, ?, ?)`,
		nowMillis(), level, taskID, content, eventType)
	if err != nil {
		return chunk.ErrIo(err, "failed to append task log")
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
