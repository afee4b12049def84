package s3target

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/kenneth/chunkvault/internal/chunk"
)

// objectReader is a seekable stream over one S3 object implemented with
// ranged GETs. Seeking drops the open body; the next Read re-fetches from
// the new position.
type objectReader struct {
	ctx    context.Context
	target *Target
	key    string
	length uint64
	offset uint64
	body   io.ReadCloser
	err    error
}

func newObjectReader(ctx context.Context, target *Target, key string, length, offset uint64) *objectReader {
	return &objectReader{ctx: ctx, target: target, key: key, length: length, offset: offset}
}

func (r *objectReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.offset >= r.length {
		return 0, io.EOF
	}
	if r.body == nil {
		out, err := r.target.client.GetObject(r.ctx, &s3.GetObjectInput{
			Bucket: aws.String(r.target.cfg.Bucket),
			Key:    aws.String(r.key),
			Range:  aws.String(fmt.Sprintf("bytes=%d-", r.offset)),
		})
		if err != nil {
			r.err = classify(err, "failed to get object %s at %d", r.key, r.offset)
			return 0, r.err
		}
		r.body = out.Body
	}
	n, err := r.body.Read(p)
	r.offset += uint64(n)
	if err == io.EOF && r.offset < r.length {
		r.err = chunk.ErrIo(io.ErrUnexpectedEOF, "object %s truncated at %d", r.key, r.offset)
		return n, r.err
	}
	if err != nil && err != io.EOF {
		r.err = chunk.ErrIo(err, "failed to read object %s", r.key)
		return n, r.err
	}
	return n, err
}

func (r *objectReader) Seek(offset int64, whence int) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = int64(r.offset) + offset
	case io.SeekEnd:
		target = int64(r.length) + offset
	default:
		return 0, chunk.ErrInvalidInput(nil, "bad whence %d", whence)
	}
	if target < 0 {
		return 0, chunk.ErrInvalidInput(nil, "negative seek target %d", target)
	}
	if uint64(target) != r.offset && r.body != nil {
		r.body.Close()
		r.body = nil
	}
	r.offset = uint64(target)
	return target, nil
}

func (r *objectReader) Close() error {
	if r.body != nil {
		err := r.body.Close()
		r.body = nil
		return err
	}
	return nil
}
