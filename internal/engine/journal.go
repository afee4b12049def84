package engine

import (
	"context"
	"encoding/json"

	"github.com/kenneth/chunkvault/internal/chunk"
)

// JournalEventType names an externally observable state change of a source
// item.
type JournalEventType string

const (
	JournalEventSourceCreated   JournalEventType = "SOURCE_CREATED"
	JournalEventSourcePrepared  JournalEventType = "SOURCE_PREPARED"
	JournalEventItemCreated     JournalEventType = "ITEM_CREATED"
	JournalEventItemPrepared    JournalEventType = "ITEM_PREPARED"
	JournalEventItemTransferred JournalEventType = "ITEM_TRANSFERRED"
	JournalEventItemFailed      JournalEventType = "ITEM_FAILED"
	JournalEventCheckpointDone  JournalEventType = "CHECKPOINT_DONE"
)

// JournalEvent is one append-only journal row. Seq is assigned by the
// database and defines the total order.
type JournalEvent struct {
	Seq         int64
	SourceId    string
	OrderId     string
	EventType   JournalEventType
	EventParams map[string]interface{}
}

// AppendJournal appends the event. The pipeline appends an item's event
// after its row has been updated, and a failed append does not undo or
// fail that update.
func (d *TaskDb) AppendJournal(ctx context.Context, ev JournalEvent) error {
	var params interface{}
	if ev.EventParams != nil {
		encoded, err := json.Marshal(ev.EventParams)
		if err != nil {
			return chunk.ErrInternal(err, "failed to encode journal params")
		}
		params = string(encoded)
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO journal (source_id, order_id, event_type, event_params) VALUES (?, ?, ?, ?)`,
		ev.SourceId, nullable(ev.OrderId), string(ev.EventType), params)
	if err != nil {
		return chunk.ErrIo(err, "failed to append journal event")
	}
	return nil
}

// LoadJournal returns events with seq greater than after, oldest first.
func (d *TaskDb) LoadJournal(ctx context.Context, sourceID string, after int64, limit int) ([]JournalEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT seq, source_id, order_id, event_type, event_params FROM journal
		 WHERE source_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`, sourceID, after, limit)
	if err != nil {
		return nil, chunk.ErrIo(err, "failed to load journal")
	}
	defer rows.Close()
	var out []JournalEvent
	for rows.Next() {
		var ev JournalEvent
		var orderID, params *string
		var eventType string
		if err := rows.Scan(&ev.Seq, &ev.SourceId, &orderID, &eventType, &params); err != nil {
			return nil, chunk.ErrIo(err, "failed to scan journal row")
		}
		ev.EventType = JournalEventType(eventType)
		if orderID != nil {
			ev.OrderId = *orderID
		}
		if params != nil {
			_ = json.Unmarshal([]byte(*params), &ev.EventParams)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
