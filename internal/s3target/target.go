package s3target

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/chunkvault/internal/chunk"
)

// uploadState tracks one in-flight multipart upload. It lives only in
// memory; an upload interrupted by a crash restarts from offset zero.
type uploadState struct {
	uploadID  string
	parts     map[int32]string // part number -> etag
	written   uint64
	totalSize uint64
}

// Target is the S3 chunk target. It implements both the engine-facing
// target contract and the low-level store boundary the sector poster
// writes through.
type Target struct {
	client api
	cfg    Config
	url    string
	logger *logrus.Logger

	session string

	mu      sync.Mutex
	uploads map[string]*uploadState
}

// New builds a target over a constructed SDK client.
func New(client api, cfg Config, rawURL string, logger *logrus.Logger) *Target {
	if cfg.PartSize == 0 {
		cfg.PartSize = DefaultPartSize
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Target{
		client:  client,
		cfg:     cfg,
		url:     rawURL,
		logger:  logger,
		uploads: make(map[string]*uploadState),
	}
}

func (t *Target) GetTargetInfo(ctx context.Context) (string, error) {
	return `{"type":"s3","bucket":"` + t.cfg.Bucket + `","prefix":"` + t.cfg.Prefix + `"}`, nil
}

func (t *Target) GetTargetURL() string { return t.url }

func (t *Target) GetAccountSessionInfo(ctx context.Context) (string, error) {
	if t.session != "" {
		return t.session, nil
	}
	if t.cfg.AccessKey != "" {
		return EncodeSession(AccountSession{
			Type:        "key",
			AccessKeyID: t.cfg.AccessKey,
			SecretKey:   t.cfg.SecretKey,
		})
	}
	return EncodeSession(AccountSession{Type: "env"})
}

func (t *Target) SetAccountSessionInfo(ctx context.Context, session string) error {
	if _, err := DecodeSession(session); err != nil {
		return err
	}
	t.session = session
	return nil
}

func (t *Target) IsChunkExist(ctx context.Context, id chunk.ChunkId) (bool, uint64, error) {
	out, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(t.cfg.Bucket),
		Key:    aws.String(objectKey(t.cfg.Prefix, id)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, 0, nil
		}
		return false, 0, classify(err, "failed to head chunk %s", id)
	}
	return true, uint64(aws.ToInt64(out.ContentLength)), nil
}

func (t *Target) QueryChunkState(ctx context.Context, ids []chunk.ChunkId) ([]chunk.ChunkId, error) {
	out := make([]chunk.ChunkId, 0, len(ids))
	for _, id := range ids {
		exists, length, err := t.IsChunkExist(ctx, id)
		if err != nil {
			return nil, err
		}
		if exists {
			id = id.WithLength(int64(length))
		}
		out = append(out, id)
	}
	return out, nil
}

func (t *Target) PutChunk(ctx context.Context, id chunk.ChunkId, data []byte) error {
	if declared, ok := id.Length(); ok && declared != int64(len(data)) {
		return chunk.ErrState("chunk %s declares %d bytes, write carries %d", id, declared, len(data))
	}
	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(t.cfg.Bucket),
		Key:    aws.String(objectKey(t.cfg.Prefix, id)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return classify(err, "failed to put chunk %s", id)
	}
	return nil
}

func (t *Target) PutChunkList(ctx context.Context, chunks map[chunk.ChunkId][]byte) error {
	for id, data := range chunks {
		if err := t.PutChunk(ctx, id, data); err != nil {
			return err
		}
	}
	return nil
}

// AppendChunkData drives a multipart upload. Parts have a fixed size: the
// part number is offset/partSize + 1, and the upload finalizes when either
// isCompleted is asserted or the cumulative offset reaches totalSize.
func (t *Target) AppendChunkData(ctx context.Context, id chunk.ChunkId, offsetFromBegin uint64, data []byte, isCompleted bool, totalSize uint64) error {
	if offsetFromBegin == 0 && isCompleted {
		// Equivalent to PutChunk per the contract.
		return t.PutChunk(ctx, id.WithLength(int64(len(data))), data)
	}
	if offsetFromBegin%t.cfg.PartSize != 0 {
		return chunk.ErrInvalidInput(nil, "append offset %d not aligned to part size %d", offsetFromBegin, t.cfg.PartSize)
	}

	key := objectKey(t.cfg.Prefix, id)
	if len(data) == 0 {
		// A bare completion marker: seal the upload if one is open.
		t.mu.Lock()
		state, ok := t.uploads[key]
		t.mu.Unlock()
		if ok && isCompleted {
			return t.completeUpload(ctx, key, state)
		}
		return nil
	}
	state, err := t.ensureUpload(ctx, key, totalSize)
	if err != nil {
		return err
	}

	// Large appends may span several parts.
	offset := offsetFromBegin
	for start := 0; start < len(data); {
		end := start + int(t.cfg.PartSize)
		if end > len(data) {
			end = len(data)
		}
		partNumber := int32(offset/t.cfg.PartSize) + 1
		out, err := t.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(t.cfg.Bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(state.uploadID),
			PartNumber: aws.Int32(partNumber),
			Body:       bytes.NewReader(data[start:end]),
		})
		if err != nil {
			return classify(err, "failed to upload part %d of %s", partNumber, id)
		}
		t.mu.Lock()
		if _, seen := state.parts[partNumber]; !seen {
			state.written += uint64(end - start)
		}
		state.parts[partNumber] = aws.ToString(out.ETag)
		t.mu.Unlock()

		offset += uint64(end - start)
		start = end
	}

	t.mu.Lock()
	done := isCompleted || (state.totalSize > 0 && offset >= state.totalSize)
	t.mu.Unlock()
	if done {
		return t.completeUpload(ctx, key, state)
	}
	return nil
}

func (t *Target) ensureUpload(ctx context.Context, key string, totalSize uint64) (*uploadState, error) {
	t.mu.Lock()
	if state, ok := t.uploads[key]; ok {
		if totalSize > 0 && state.totalSize == 0 {
			state.totalSize = totalSize
		}
		t.mu.Unlock()
		return state, nil
	}
	t.mu.Unlock()

	out, err := t.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(t.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify(err, "failed to create multipart upload for %s", key)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.uploads[key]; ok {
		return state, nil
	}
	state := &uploadState{
		uploadID:  aws.ToString(out.UploadId),
		parts:     make(map[int32]string),
		totalSize: totalSize,
	}
	t.uploads[key] = state
	return state, nil
}

func (t *Target) completeUpload(ctx context.Context, key string, state *uploadState) error {
	t.mu.Lock()
	parts := completedPartList(state.parts)
	uploadID := state.uploadID
	t.mu.Unlock()

	_, err := t.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(t.cfg.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{
			Parts: parts,
		},
	})
	if err != nil {
		return classify(err, "failed to complete multipart upload for %s", key)
	}
	t.mu.Lock()
	delete(t.uploads, key)
	t.mu.Unlock()
	t.logger.WithFields(logrus.Fields{
		"key":   key,
		"parts": len(parts),
	}).Info("multipart upload completed")
	return nil
}

// OpenChunkWriter streams sequential bytes into a multipart upload.
func (t *Target) OpenChunkWriter(ctx context.Context, id chunk.ChunkId, offset, totalSize uint64) (io.WriteCloser, uint64, error) {
	if exists, length, err := t.IsChunkExist(ctx, id); err != nil {
		return nil, 0, err
	} else if exists {
		return discardWriter{}, length, nil
	}

	key := objectKey(t.cfg.Prefix, id)
	t.mu.Lock()
	var written uint64
	if state, ok := t.uploads[key]; ok {
		written = state.written
	}
	t.mu.Unlock()

	return &partWriter{ctx: ctx, target: t, id: id, offset: written, total: totalSize}, written, nil
}

// CompleteChunkWriter seals the chunk's multipart upload.
func (t *Target) CompleteChunkWriter(ctx context.Context, id chunk.ChunkId) error {
	key := objectKey(t.cfg.Prefix, id)
	t.mu.Lock()
	state, ok := t.uploads[key]
	t.mu.Unlock()
	if !ok {
		// Already completed, or never started because the chunk went
		// up as a single object.
		return nil
	}
	return t.completeUpload(ctx, key, state)
}

func (t *Target) OpenChunkReaderForRestore(ctx context.Context, id chunk.ChunkId, offset uint64) (chunk.Reader, error) {
	exists, length, err := t.IsChunkExist(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, chunk.ErrNotFound("chunk %s not at S3 target", id)
	}
	return newObjectReader(ctx, t, objectKey(t.cfg.Prefix, id), length, offset), nil
}

// LinkChunkId aliases newID to targetID via server-side copy, then
// verifies the alias with a HEAD before returning. S3 offers no atomic
// link, so between the copy and the head a concurrent delete could race;
// callers treat the verified head as the linearization point.
func (t *Target) LinkChunkId(ctx context.Context, targetID, newID chunk.ChunkId) error {
	sourceKey := objectKey(t.cfg.Prefix, targetID)
	destKey := objectKey(t.cfg.Prefix, newID)
	if sourceKey == destKey {
		return nil
	}
	_, err := t.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(t.cfg.Bucket),
		Key:        aws.String(destKey),
		CopySource: aws.String(t.cfg.Bucket + "/" + sourceKey),
	})
	if err != nil {
		return classify(err, "failed to link chunk %s to %s", targetID, newID)
	}
	if exists, _, err := t.IsChunkExist(ctx, newID); err != nil {
		return err
	} else if !exists {
		return chunk.ErrProvider(nil, "linked chunk %s not visible after copy", newID)
	}
	return nil
}

func (t *Target) DeleteChunk(ctx context.Context, id chunk.ChunkId) error {
	_, err := t.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(t.cfg.Bucket),
		Key:    aws.String(objectKey(t.cfg.Prefix, id)),
	})
	if err != nil && !isNotFound(err) {
		return classify(err, "failed to delete chunk %s", id)
	}
	return nil
}

func (t *Target) ListChunks(ctx context.Context) ([]chunk.Status, error) {
	var out []chunk.Status
	var token *string
	for {
		resp, err := t.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(t.cfg.Bucket),
			Prefix:            aws.String(t.cfg.Prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, classify(err, "failed to list chunks")
		}
		for _, obj := range resp.Contents {
			id, ok := keyToChunkId(aws.ToString(obj.Key))
			if !ok {
				continue
			}
			size := uint64(aws.ToInt64(obj.Size))
			out = append(out, chunk.Status{
				ChunkId:   id,
				Written:   size,
				Length:    size,
				Completed: true,
			})
		}
		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		token = resp.NextContinuationToken
	}
	return out, nil
}

// partWriter buffers sequential writes into fixed-size parts.
type partWriter struct {
	ctx    context.Context
	target *Target
	id     chunk.ChunkId
	offset uint64
	total  uint64
	buf    []byte
}

func (w *partWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	partSize := int(w.target.cfg.PartSize)
	for len(w.buf) >= partSize {
		if err := w.flush(w.buf[:partSize], false); err != nil {
			return 0, err
		}
		w.buf = w.buf[partSize:]
	}
	return len(p), nil
}

func (w *partWriter) flush(data []byte, last bool) error {
	if err := w.target.AppendChunkData(w.ctx, w.id, w.offset, data, last, w.total); err != nil {
		return err
	}
	w.offset += uint64(len(data))
	return nil
}

func (w *partWriter) Close() error {
	return w.flush(w.buf, true)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
func (discardWriter) Close() error                { return nil }
