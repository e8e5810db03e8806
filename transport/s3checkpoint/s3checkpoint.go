// Package s3checkpoint stores partitioned log checkpoints as S3 objects. The
// bucket is the checkpoint container; each partition is one empty object whose
// user metadata carries the position.
package s3checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	"github.com/drblury/busflow/transport"
	awstransport "github.com/drblury/busflow/transport/aws"
)

const (
	metaSequenceNumber = "sequencenumber"
	metaOffset         = "offset"
	metaUpdatedAt      = "updatedat"

	defaultRegion = "us-east-1"
)

// API is the subset of the S3 client used by Store.
type API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// APIFactory allows overriding the S3 client creation for testing. Path
// style addressing is used with an endpoint override.
var APIFactory = func(cfg aws.Config, usePathStyle bool) API {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})
}

// Store implements transport.CheckpointStore on one bucket.
type Store struct {
	api    API
	bucket string
	region string
	now    func() time.Time
}

var _ transport.CheckpointStore = (*Store)(nil)

// New creates a store from an AWS connection, see aws.ParseConnection.
func New(ctx context.Context, conn transport.Connection, bucket string) (*Store, error) {
	if bucket == "" {
		return nil, errspkg.ErrResourceRequired
	}
	settings, err := awstransport.ParseConnection(conn)
	if err != nil {
		return nil, err
	}
	cfg, err := awstransport.LoadConfig(ctx, settings)
	if err != nil {
		return nil, err
	}
	store, err := NewWithAPI(APIFactory(cfg, settings.Endpoint != ""), bucket)
	if err != nil {
		return nil, err
	}
	store.region = cfg.Region
	return store, nil
}

// NewWithAPI creates a store over an existing S3 API.
func NewWithAPI(api API, bucket string) (*Store, error) {
	if api == nil {
		return nil, errspkg.ErrClientRequired
	}
	if bucket == "" {
		return nil, errspkg.ErrResourceRequired
	}
	return &Store{api: api, bucket: bucket, now: time.Now}, nil
}

// EnsureContainer creates the bucket when it is missing.
func (s *Store) EnsureContainer(ctx context.Context) error {
	_, err := s.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	if !IsNotFound(err) {
		return fmt.Errorf("head bucket %s: %w", s.bucket, err)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
	if s.region != "" && s.region != defaultRegion {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(s.region),
		}
	}
	if _, err := s.api.CreateBucket(ctx, input); err != nil && !alreadyOwned(err) {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, id transport.CheckpointID) (transport.Checkpoint, bool, error) {
	key := id.Path()
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if IsNotFound(err) {
			return transport.Checkpoint{}, false, nil
		}
		return transport.Checkpoint{}, false, fmt.Errorf("read checkpoint %s: %w", key, err)
	}

	cp := transport.Checkpoint{CheckpointID: id, Offset: out.Metadata[metaOffset]}
	seq, err := strconv.ParseInt(out.Metadata[metaSequenceNumber], 10, 64)
	if err != nil {
		return transport.Checkpoint{}, false, fmt.Errorf("read checkpoint %s: invalid sequence number: %w", key, err)
	}
	cp.SequenceNumber = seq
	if raw := out.Metadata[metaUpdatedAt]; raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			cp.UpdatedAt = ts
		}
	}
	if cp.UpdatedAt.IsZero() && out.LastModified != nil {
		cp.UpdatedAt = *out.LastModified
	}
	return cp, true, nil
}

func (s *Store) UpdateCheckpoint(ctx context.Context, cp transport.Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.now().UTC()
	}
	key := cp.Path()
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Metadata: map[string]string{
			metaSequenceNumber: strconv.FormatInt(cp.SequenceNumber, 10),
			metaOffset:         cp.Offset,
			metaUpdatedAt:      cp.UpdatedAt.Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return fmt.Errorf("write checkpoint %s: %w", key, err)
	}
	return nil
}

// IsNotFound reports whether err says the bucket or object does not exist.
func IsNotFound(err error) bool {
	var (
		notFound *s3types.NotFound
		noKey    *s3types.NoSuchKey
		noBucket *s3types.NoSuchBucket
	)
	if errors.As(err, &notFound) || errors.As(err, &noKey) || errors.As(err, &noBucket) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return true
		}
	}
	return false
}

func alreadyOwned(err error) bool {
	var owned *s3types.BucketAlreadyOwnedByYou
	return errors.As(err, &owned)
}
