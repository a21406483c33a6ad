package cache

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rotisserie/eris"

	"github.com/ecotiles/tileserv/internal/config"
)

// ErrObjectMissing marks a confirmed-absent object, as opposed to a
// transient store error. Only confirmed absence may evict L2 metadata.
var ErrObjectMissing = errors.New("cache: object missing")

// ObjectInfo describes one stored object for listings and cleanup.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// L3 is the object-store tier holding PNG payloads.
type L3 interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get returns the payload, or ErrObjectMissing when the object is
	// confirmed absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes objects, batching internally. Returns how many
	// deletions were issued without error.
	Delete(ctx context.Context, keys []string) (int, error)
	// List walks objects under prefix, up to max (0 = no cap).
	List(ctx context.Context, prefix string, max int) ([]ObjectInfo, error)
	Ping(ctx context.Context) error
}

// deleteBatchSize is the object store's per-request deletion cap.
const deleteBatchSize = 1000

// ObjectKey shards a cache key under a stable two-character md5 prefix so
// object listings spread across the keyspace.
func ObjectKey(cacheKey string) string {
	sum := md5.Sum([]byte(cacheKey))
	return "tiles/" + hex.EncodeToString(sum[:1]) + "/" + cacheKey
}

type minioL3 struct {
	client *minio.Client
	bucket string
}

// NewMinioL3 builds the production L3 from storage configuration.
func NewMinioL3(cfg config.StorageConfig) (L3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, eris.Wrap(err, "cache: l3 client")
	}
	return &minioL3{client: client, bucket: cfg.Bucket}, nil
}

func (m *minioL3) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=86400",
	})
	if err != nil {
		return eris.Wrap(err, "cache: l3 put")
	}
	return nil
}

func (m *minioL3) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, eris.Wrap(err, "cache: l3 get")
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return nil, ErrObjectMissing
		}
		return nil, eris.Wrap(err, "cache: l3 read")
	}
	return data, nil
}

func (m *minioL3) Delete(ctx context.Context, keys []string) (int, error) {
	deleted := 0
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}

		objects := make(chan minio.ObjectInfo, end-start)
		for _, k := range keys[start:end] {
			objects <- minio.ObjectInfo{Key: k}
		}
		close(objects)

		batchErrs := 0
		for rmErr := range m.client.RemoveObjects(ctx, m.bucket, objects, minio.RemoveObjectsOptions{}) {
			if rmErr.Err != nil {
				batchErrs++
			}
		}
		deleted += end - start - batchErrs
		if batchErrs > 0 {
			return deleted, eris.Errorf("cache: l3 delete: %d of %d objects failed", batchErrs, end-start)
		}
	}
	return deleted, nil
}

func (m *minioL3) List(ctx context.Context, prefix string, max int) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, eris.Wrap(obj.Err, "cache: l3 list")
		}
		infos = append(infos, ObjectInfo{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified})
		if max > 0 && len(infos) >= max {
			break
		}
	}
	return infos, nil
}

func (m *minioL3) Ping(ctx context.Context) error {
	ok, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return eris.Wrap(err, "cache: l3 ping")
	}
	if !ok {
		return eris.Errorf("cache: bucket %q does not exist", m.bucket)
	}
	return nil
}
