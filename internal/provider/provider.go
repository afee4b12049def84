// Package provider fixes the contracts a source or target adapter must
// honor so the checkpoint pipeline stays source- and target-agnostic.
package provider

import (
	"context"
	"io"

	"github.com/kenneth/chunkvault/internal/chunk"
)

// ItemType classifies a backup item.
type ItemType string

const (
	ItemTypeFile      ItemType = "FILE"
	ItemTypeDirectory ItemType = "DIRECTORY"
	ItemTypeChunk     ItemType = "CHUNK"
)

// ItemState is the per-item lifecycle within a checkpoint.
type ItemState string

const (
	ItemStateNew             ItemState = "NEW"
	ItemStateLocalProcessing ItemState = "LOCAL_PROCESSING"
	ItemStateLocalDone       ItemState = "LOCAL_DONE"
	ItemStateTransmitting    ItemState = "TRANSMITTING"
	ItemStateDone            ItemState = "DONE"
	ItemStateFailed          ItemState = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ItemState) IsTerminal() bool {
	return s == ItemStateDone || s == ItemStateFailed
}

// BackupItem is one unit of work within a checkpoint. ItemId uniquely
// identifies the item for the source, typically a relative path.
type BackupItem struct {
	ItemId         string
	ItemType       ItemType
	ChunkId        string // canonical full-hash id once known
	QuickHash      string
	State          ItemState
	FailMsg        string // set when State == ItemStateFailed
	Size           uint64
	LastModifyTime int64 // unix seconds, from the source
	CreateTime     int64 // unix millis, when the item entered the system
}

// RestoreConfig directs a restore run.
type RestoreConfig struct {
	RestoreLocationURL string `json:"restore_location_url"`
	// IsCleanRestore makes the restored tree contain only restored files.
	IsCleanRestore bool                   `json:"is_clean_restore"`
	Params         map[string]interface{} `json:"params,omitempty"`
}

// SourceInfo is the adapter's self-description.
type SourceInfo struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// ItemReader is the seekable stream a source hands to the pipeline.
type ItemReader interface {
	io.Reader
	io.Seeker
	io.Closer
}

// ChunkSource enumerates and serves the items of one backup source.
type ChunkSource interface {
	GetSourceInfo(ctx context.Context) (SourceInfo, error)
	GetSourceURL() string
	IsLocal() bool

	// LockForBackup takes an advisory lock preventing concurrent
	// mutation of the source. Not required to be kernel-enforced.
	LockForBackup(ctx context.Context, sourceURL string) error
	UnlockForBackup(ctx context.Context, sourceURL string) error

	// PrepareItems may be called repeatedly; done reports that
	// enumeration is complete and later calls return no new items.
	PrepareItems(ctx context.Context) (items []BackupItem, done bool, err error)

	OpenItem(ctx context.Context, itemID string) (ItemReader, error)
	// GetItemData reads a small item whole.
	GetItemData(ctx context.Context, itemID string) ([]byte, error)
	// OnItemBackuped is an optional hook fired after an item reaches the
	// target, e.g. to release a snapshot.
	OnItemBackuped(ctx context.Context, itemID string) error

	InitForRestore(ctx context.Context, cfg *RestoreConfig) error
	RestoreItemByReader(ctx context.Context, item *BackupItem, r io.Reader, cfg *RestoreConfig) error
}

// ChunkTarget is the engine-facing storage contract, plus the
// opaque session-token plumbing: the engine stores the returned string and
// passes it back on resume.
type ChunkTarget interface {
	GetTargetInfo(ctx context.Context) (string, error)
	GetTargetURL() string
	GetAccountSessionInfo(ctx context.Context) (string, error)
	SetAccountSessionInfo(ctx context.Context, session string) error

	// IsChunkExist reports presence and the stored length.
	IsChunkExist(ctx context.Context, id chunk.ChunkId) (bool, uint64, error)
	// QueryChunkState updates each id's declared length in place when the
	// target holds it. Idempotent.
	QueryChunkState(ctx context.Context, ids []chunk.ChunkId) ([]chunk.ChunkId, error)

	// PutChunk writes a whole chunk atomically. A write whose length
	// disagrees with a previously declared total size is refused.
	PutChunk(ctx context.Context, id chunk.ChunkId, data []byte) error
	// PutChunkList uploads a batch of small chunks, all-or-none from the
	// caller's point of view.
	PutChunkList(ctx context.Context, chunks map[chunk.ChunkId][]byte) error
	// AppendChunkData resumes a chunk at offsetFromBegin. Idempotent per
	// (id, offset). offset==0 && isCompleted is equivalent to PutChunk.
	AppendChunkData(ctx context.Context, id chunk.ChunkId, offsetFromBegin uint64, data []byte, isCompleted bool, totalSize uint64) error

	// OpenChunkWriter returns a streaming writer positioned after the bytes
	// already present, and that count; the offset argument does not move
	// it. On an already-complete chunk the writer is a discarding sink.
	OpenChunkWriter(ctx context.Context, id chunk.ChunkId, offset, totalSize uint64) (io.WriteCloser, uint64, error)
	// CompleteChunkWriter seals the chunk at its declared length.
	CompleteChunkWriter(ctx context.Context, id chunk.ChunkId) error

	OpenChunkReaderForRestore(ctx context.Context, id chunk.ChunkId, offset uint64) (chunk.Reader, error)

	// LinkChunkId makes newID resolve to the same bytes as targetID.
	// After success both IsChunkExist calls succeed with equal length.
	// Backends without native aliasing may copy, but must stay cheap
	// compared with a re-upload.
	LinkChunkId(ctx context.Context, targetID, newID chunk.ChunkId) error

	DeleteChunk(ctx context.Context, id chunk.ChunkId) error
	ListChunks(ctx context.Context) ([]chunk.Status, error)
}
