package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/rcliao/cadence/internal/domain"
)

type ObjectConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

func DefaultObjectConfig() ObjectConfig {
	return ObjectConfig{
		Endpoint:  "localhost:9000",
		AccessKey: "cadence",
		SecretKey: "cadenceminio",
		Region:    "us-east-1",
		Bucket:    "cadence",
		Prefix:    "default",
	}
}

func (c ObjectConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("storage.minio.endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("storage.minio.access_key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("storage.minio.secret_key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("storage.minio.region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("storage.minio.bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("storage.minio.endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}

// Key is the object name the snapshot is stored under.
func (c ObjectConfig) Key() string {
	return path.Join(c.Prefix, "snapshot.json")
}

func NewMinIOClient(cfg ObjectConfig) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// ObjectStore keeps the current snapshot as a single JSON object in a bucket.
type ObjectStore struct {
	client *minio.Client
	bucket string
	region string
	key    string
}

func OpenObjectStore(ctx context.Context, cfg ObjectConfig) (*ObjectStore, error) {
	client, err := NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	s, err := NewObjectStore(client, cfg)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func NewObjectStore(client *minio.Client, cfg ObjectConfig) (*ObjectStore, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	return &ObjectStore{client: client, bucket: cfg.Bucket, region: cfg.Region, key: cfg.Key()}, nil
}

func (s *ObjectStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *ObjectStore) Save(ctx context.Context, snap *domain.Snapshot) error {
	if snap == nil {
		return domain.Invalidf("snapshot", "snapshot is nil")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	opts := minio.PutObjectOptions{
		ContentType:  "application/json",
		UserMetadata: map[string]string{"snapshot-version": fmt.Sprint(snap.Version)},
	}
	if _, err := s.client.PutObject(ctx, s.bucket, s.key, bytes.NewReader(payload), int64(len(payload)), opts); err != nil {
		return fmt.Errorf("put %s/%s: %w", s.bucket, s.key, err)
	}
	return nil
}

func (s *ObjectStore) Load(ctx context.Context) (*domain.Snapshot, error) {
	if _, err := s.client.StatObject(ctx, s.bucket, s.key, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return nil, domain.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("stat %s/%s: %w", s.bucket, s.key, err)
	}

	obj, err := s.client.GetObject(ctx, s.bucket, s.key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", s.bucket, s.key, err)
	}
	defer obj.Close()

	var snap domain.Snapshot
	if err := json.NewDecoder(obj).Decode(&snap); err != nil {
		if isNotFound(err) {
			return nil, domain.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func (s *ObjectStore) Close() error { return nil }

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}
