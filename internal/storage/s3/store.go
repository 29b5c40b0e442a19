package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"blobkeeper/internal/binarydata"
	"blobkeeper/internal/logger"
)

// Mode is the mode name this backend is registered under.
const Mode = "s3"

type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	// Prefix namespaces object keys inside the bucket.
	Prefix string
	UseSSL bool
	Logger logger.Logger
}

// Store keeps payloads as objects in an S3 compatible bucket.
type Store struct {
	client     *minio.Client
	bucketName string
	region     string
	prefix     string
	logger     logger.Logger

	initOnce sync.Once
	initErr  error
}

var _ binarydata.Backend = (*Store)(nil)

func NewStore(cfg Config) (*Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	if prefix == "" {
		prefix = "binary-data"
	}
	l := cfg.Logger
	if l == nil {
		l = logger.NewNoopLogger()
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	return &Store{
		client:     client,
		bucketName: bucket,
		region:     region,
		prefix:     prefix,
		logger:     l.With(zap.String("backend", Mode), zap.String("bucket", bucket)),
	}, nil
}

// Init makes sure the bucket exists, creating it when missing.
func (s *Store) Init(ctx context.Context) error {
	return s.ensureBucket(ctx)
}

func (s *Store) ensureBucket(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("store is nil")
	}
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucketName)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

func (s *Store) Store(ctx context.Context, content []byte) (string, error) {
	key := uuid.NewString()
	_, err := s.client.PutObject(ctx, s.bucketName, s.objectKey(key), bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) Retrieve(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucketName, s.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, notFoundOr(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return data, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucketName, s.objectKey(key), minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return err
	}
	return nil
}

func (s *Store) Duplicate(ctx context.Context, key string) (string, error) {
	newKey := uuid.NewString()
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucketName, Object: s.objectKey(newKey)},
		minio.CopySrcOptions{Bucket: s.bucketName, Object: s.objectKey(key)},
	)
	if err != nil {
		return "", notFoundOr(err)
	}
	return newKey, nil
}

// MarkForDeletion removes the objects right away in one batch request.
// Objects that fail to delete are logged and left for a later sweep.
func (s *Store) MarkForDeletion(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	objects := make(chan minio.ObjectInfo, len(keys))
	for _, key := range keys {
		objects <- minio.ObjectInfo{Key: s.objectKey(key)}
	}
	close(objects)

	failed := 0
	for res := range s.client.RemoveObjects(ctx, s.bucketName, objects, minio.RemoveObjectsOptions{}) {
		if res.Err == nil || isNoSuchKey(res.Err) {
			continue
		}
		failed++
		s.logger.Warn("remove object failed", zap.String("object", res.ObjectName), zap.Error(res.Err))
	}
	if failed > 0 {
		return fmt.Errorf("failed to remove %d of %d objects", failed, len(keys))
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) objectKey(key string) string {
	return s.prefix + "/" + strings.TrimLeft(strings.TrimSpace(key), "/")
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}

func notFoundOr(err error) error {
	if isNoSuchKey(err) {
		return binarydata.ErrNotFound
	}
	return err
}
