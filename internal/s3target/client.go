// Package s3target implements the chunk target contract on S3-compatible
// object storage: whole-object puts, multipart resumable appends, and
// server-side-copy chunk linking.
package s3target

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/kenneth/chunkvault/internal/chunk"
)

// DefaultPartSize is the fixed multipart part size. A part number is
// derived from offset/partSize + 1.
const DefaultPartSize = 5 * 1024 * 1024

// Config selects the bucket and credentials.
type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// UsePathStyle is required by MinIO and most self-hosted providers.
	UsePathStyle bool
	PartSize     uint64
}

// AccountSession is the opaque session blob the engine persists and hands
// back on resume.
type AccountSession struct {
	Type         string `json:"type"` // "env" or "key"
	AccessKeyID  string `json:"access_key_id,omitempty"`
	SecretKey    string `json:"secret_access_key,omitempty"`
	SessionToken string `json:"session_token,omitempty"`
}

// api is the slice of the S3 client the target uses; tests stub it.
type api interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// NewClient builds the AWS SDK client for a config.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(regionOrDefault(cfg.Region)),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, chunk.ErrProvider(err, "failed to load AWS config")
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

func regionOrDefault(region string) string {
	if region == "" {
		return "us-east-1"
	}
	return region
}

// classify maps an SDK error onto the engine's error kinds.
func classify(err error, format string, args ...interface{}) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return chunk.ErrNotFound(fmt.Sprintf(format, args...) + ": " + apiErr.ErrorCode())
		}
		return chunk.ErrProvider(err, format, args...)
	}
	return chunk.ErrIo(err, format, args...)
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound" || code == "NoSuchBucket"
	}
	return false
}

// EncodeSession serializes a session blob for the engine to persist.
func EncodeSession(s AccountSession) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", chunk.ErrInternal(err, "failed to encode account session")
	}
	return string(b), nil
}

// DecodeSession parses a persisted session blob.
func DecodeSession(raw string) (AccountSession, error) {
	var s AccountSession
	if raw == "" {
		return AccountSession{Type: "env"}, nil
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return s, chunk.ErrInvalidInput(err, "failed to decode account session")
	}
	return s, nil
}

// objectKey derives the bucket key from a chunk id: the algorithm and
// digest, without the declared-length suffix, so aliases of one chunk
// resolve to one object.
func objectKey(prefix string, id chunk.ChunkId) string {
	parts := strings.SplitN(id.String(), ":", 3)
	name := parts[0] + "_" + parts[1]
	if prefix == "" {
		return name
	}
	return strings.TrimSuffix(prefix, "/") + "/" + name
}

func keyToChunkId(key string) (chunk.ChunkId, bool) {
	base := key
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		base = key[i+1:]
	}
	i := strings.IndexByte(base, '_')
	if i < 0 {
		return chunk.ChunkId{}, false
	}
	id, err := chunk.ParseChunkId(base[:i] + ":" + base[i+1:])
	if err != nil {
		return chunk.ChunkId{}, false
	}
	return id, true
}

// completedPartList renders parts in part-number order for completion.
func completedPartList(parts map[int32]string) []s3types.CompletedPart {
	out := make([]s3types.CompletedPart, 0, len(parts))
	var n int32
	for n = 1; int(n) <= len(parts); n++ {
		etag, ok := parts[n]
		if !ok {
			break
		}
		out = append(out, s3types.CompletedPart{
			PartNumber: aws.Int32(n),
			ETag:       aws.String(etag),
		})
	}
	return out
}
