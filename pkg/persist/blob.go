package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/marmos91/vrnode/internal/logger"
	"github.com/marmos91/vrnode/pkg/vr"
)

// BlobStoreConfig configures the S3-backed checkpoint store.
type BlobStoreConfig struct {
	// Bucket is the S3 bucket checkpoints are written to.
	Bucket string

	// Region is the AWS region. Default: us-east-1.
	Region string

	// Endpoint overrides the S3 endpoint, for S3-compatible stores
	// (localstack, MinIO). Path-style addressing is enabled when set.
	Endpoint string

	// AccessKeyID and SecretAccessKey are static credentials. When empty,
	// the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string

	// Prefix namespaces this cluster's keys within the bucket.
	Prefix string
}

// BlobStore ships checkpoint snapshots to an S3 (or S3-compatible) bucket
// instead of local BadgerDB — for clusters whose replicas are ephemeral and
// must recover checkpoints from shared object storage rather than local
// disk. It stores the same layout as CheckpointStore: snapshot objects keyed
// by (replica, op-number) plus a pointer object naming the view and latest
// checkpoint.
type BlobStore struct {
	client  *s3.Client
	bucket  string
	prefix  string
	metrics *storeMetrics
}

// NewBlobStore builds the S3 client from cfg and returns a ready store. The
// bucket must already exist; creation is a provisioning concern.
func NewBlobStore(ctx context.Context, cfg BlobStoreConfig) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("persist: s3 checkpoint store requires a bucket")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("persist: failed to load AWS config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for localstack/MinIO
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	return &BlobStore{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  strings.TrimSuffix(cfg.Prefix, "/"),
		metrics: newStoreMetrics("s3"),
	}, nil
}

var _ vr.CheckpointSink = (*BlobStore)(nil)

func (b *BlobStore) replicaPrefix(index vr.ReplicaIndex) string {
	if b.prefix == "" {
		return fmt.Sprintf("replica-%d/", index)
	}
	return fmt.Sprintf("%s/replica-%d/", b.prefix, index)
}

func (b *BlobStore) checkpointKey(index vr.ReplicaIndex, op vr.OpNumber) string {
	return fmt.Sprintf("%scheckpoint-%020d", b.replicaPrefix(index), op)
}

func (b *BlobStore) pointerKey(index vr.ReplicaIndex) string {
	return b.replicaPrefix(index) + "pointer.json"
}

// SaveCheckpoint implements vr.CheckpointSink: it uploads the snapshot, then
// the pointer object. A crash between the two writes leaves the previous
// pointer valid and the orphaned snapshot harmless.
func (b *BlobStore) SaveCheckpoint(index vr.ReplicaIndex, view vr.View, op vr.OpNumber, snapshot []byte) error {
	ctx := context.Background()
	done := b.metrics.observeWrite()

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.checkpointKey(index, op)),
		Body:   bytes.NewReader(snapshot),
	})
	if err != nil {
		done(false)
		return fmt.Errorf("persist: uploading checkpoint %d for replica %d: %w", op, index, err)
	}

	ptr := pointer{View: uint64(view), LatestCheckpoint: uint64(op)}
	ptrBytes, err := json.Marshal(ptr)
	if err != nil {
		done(false)
		return err
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.pointerKey(index)),
		Body:   bytes.NewReader(ptrBytes),
	})
	if err != nil {
		done(false)
		return fmt.Errorf("persist: updating pointer for replica %d: %w", index, err)
	}
	done(true)
	return nil
}

// LoadLatest returns the most recent durable checkpoint for index, per the
// pointer object, or ok=false if none has ever been saved.
func (b *BlobStore) LoadLatest(index vr.ReplicaIndex) (view vr.View, op vr.OpNumber, snapshot []byte, ok bool, err error) {
	ctx := context.Background()
	done := b.metrics.observeRead()

	ptrOut, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.pointerKey(index)),
	})
	if err != nil {
		if isNotFound(err) {
			done(false)
			return 0, 0, nil, false, nil
		}
		done(false)
		return 0, 0, nil, false, fmt.Errorf("persist: reading pointer for replica %d: %w", index, err)
	}
	defer func() { _ = ptrOut.Body.Close() }()

	var ptr pointer
	if decodeErr := json.NewDecoder(ptrOut.Body).Decode(&ptr); decodeErr != nil {
		done(false)
		return 0, 0, nil, false, fmt.Errorf("persist: corrupt pointer for replica %d: %w", index, decodeErr)
	}

	snapOut, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.checkpointKey(index, vr.OpNumber(ptr.LatestCheckpoint))),
	})
	if err != nil {
		done(false)
		return 0, 0, nil, false, fmt.Errorf("persist: reading checkpoint %d for replica %d: %w", ptr.LatestCheckpoint, index, err)
	}
	defer func() { _ = snapOut.Body.Close() }()

	snapshot, err = io.ReadAll(snapOut.Body)
	if err != nil {
		done(false)
		return 0, 0, nil, false, fmt.Errorf("persist: downloading checkpoint %d for replica %d: %w", ptr.LatestCheckpoint, index, err)
	}
	done(true)
	return vr.View(ptr.View), vr.OpNumber(ptr.LatestCheckpoint), snapshot, true, nil
}

// PrunePriorTo implements vr.CheckpointSink by listing this replica's
// checkpoint objects and deleting those below keep. The zero-padded key
// format makes lexicographic object order equal op-number order.
func (b *BlobStore) PrunePriorTo(index vr.ReplicaIndex, keep vr.OpNumber) error {
	ctx := context.Background()
	prefix := b.replicaPrefix(index) + "checkpoint-"
	cutoff := b.checkpointKey(index, keep)

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("persist: listing checkpoints for replica %d: %w", index, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key >= cutoff {
				continue
			}
			if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(b.bucket),
				Key:    aws.String(key),
			}); err != nil {
				logger.Warn("persist: failed to delete stale checkpoint object", "key", key, "error", err)
			}
		}
	}
	return nil
}

// isNotFound returns true if the error indicates the object doesn't exist.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound) ||
		strings.Contains(err.Error(), "StatusCode: 404")
}
