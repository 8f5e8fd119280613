package cache

import (
	"bytes"
	"context"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// s3ExpiresAtKey is the object metadata field carrying the unix-milliseconds deadline.
const s3ExpiresAtKey = "expires-at"

// S3API is the subset of the S3 client used by S3Backend.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config holds the archive tier configuration.
type S3Config struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string // optional, for S3-compatible stores
	StorageClass string
}

// S3ConfigFromEnv reads KVTIER_S3_BUCKET, KVTIER_S3_PREFIX, KVTIER_S3_REGION,
// KVTIER_S3_ENDPOINT and KVTIER_S3_STORAGE_CLASS.
func S3ConfigFromEnv() *S3Config {
	c := &S3Config{
		Bucket:       os.Getenv("KVTIER_S3_BUCKET"),
		Prefix:       "kvtier-archive/",
		Region:       os.Getenv("KVTIER_S3_REGION"),
		Endpoint:     os.Getenv("KVTIER_S3_ENDPOINT"),
		StorageClass: "STANDARD",
	}
	if p := os.Getenv("KVTIER_S3_PREFIX"); p != "" {
		c.Prefix = p
	}
	if sc := os.Getenv("KVTIER_S3_STORAGE_CLASS"); sc != "" {
		c.StorageClass = sc
	}
	return c
}

// S3Backend is a durable archive tier. Payloads are gzip-compressed and the
// expiry travels as object metadata, checked with HeadObject before download.
type S3Backend struct {
	name         string
	client       S3API
	bucket       string
	prefix       string
	storageClass types.StorageClass
	clock        Clock
}

// NewS3Backend builds a client from the default AWS credential chain.
func NewS3Backend(ctx context.Context, name string, cfg *S3Config) (*S3Backend, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, errors.New("s3 backend requires a bucket")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3BackendWithClient(name, client, cfg, nil), nil
}

// NewS3BackendWithClient wraps an existing client.
func NewS3BackendWithClient(name string, client S3API, cfg *S3Config, clock Clock) *S3Backend {
	if clock == nil {
		clock = SystemClock
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Backend{
		name:         name,
		client:       client,
		bucket:       cfg.Bucket,
		prefix:       prefix,
		storageClass: types.StorageClass(cfg.StorageClass),
		clock:        clock,
	}
}

func (s *S3Backend) Name() string {
	return s.name
}

func (s *S3Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	objectKey := s.objectKey(key)
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "failed to head %s", objectKey)
	}

	if expired(s3Deadline(head.Metadata), s.clock()) {
		if err := s.Delete(ctx, key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "failed to get %s", objectKey)
	}
	defer obj.Body.Close()

	zr, err := gzip.NewReader(obj.Body)
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to open gzip stream for %s", objectKey)
	}
	defer zr.Close()

	value, err := io.ReadAll(zr)
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to decompress %s", objectKey)
	}
	return value, true, nil
}

func (s *S3Backend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(value); err != nil {
		return errors.Wrap(err, "failed to compress payload")
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(err, "failed to flush gzip stream")
	}

	metadata := map[string]string{s3ExpiresAtKey: "0"}
	if deadline := expiryFor(s.clock(), ttl); !deadline.IsZero() {
		metadata[s3ExpiresAtKey] = strconv.FormatInt(deadline.UnixMilli(), 10)
	}

	input := &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(s.objectKey(key)),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentEncoding: aws.String("gzip"),
		Metadata:        metadata,
	}
	if s.storageClass != "" {
		input.StorageClass = s.storageClass
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return errors.Wrapf(err, "failed to put %s", key)
	}
	return nil
}

func (s *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isS3NotFound(err) {
		return errors.Wrapf(err, "failed to delete %s", key)
	}
	return nil
}

// objectKey hashes key so prompts of any length fit S3's 1024-byte key limit.
func (s *S3Backend) objectKey(key string) string {
	return s.prefix + KeyHash(key) + ".gz"
}

// s3Deadline parses the expiry metadata. Missing or zero means no expiry.
// S3 lower-cases user metadata keys, so the lookup is case-insensitive.
func s3Deadline(metadata map[string]string) time.Time {
	for k, v := range metadata {
		if !strings.EqualFold(k, s3ExpiresAtKey) {
			continue
		}
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms == 0 {
			return time.Time{}
		}
		return time.UnixMilli(ms)
	}
	return time.Time{}
}

func isS3NotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}
