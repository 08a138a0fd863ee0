// Package archive stores finalized voice recordings in an S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/ermct/internal/routing"
)

// Config is the object store connection.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type objectPutter interface {
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Store writes recordings to <bucket>/<session>/<ulid>.webm.
type Store struct {
	client objectPutter
	bucket string
	newID  func() string
}

// New connects to the object store described by cfg.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: new client: %w", err)
	}
	return newStore(client, cfg.Bucket), nil
}

func newStore(client objectPutter, bucket string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		newID:  func() string { return ulid.Make().String() },
	}
}

// Archive uploads one recording.
func (s *Store) Archive(ctx context.Context, sessionID string, a routing.Audio) error {
	key := s.objectKey(sessionID, a.Filename)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(a.Data), int64(len(a.Data)), minio.PutObjectOptions{
		ContentType: a.ContentType,
		UserMetadata: map[string]string{
			"session-id": sessionID,
		},
	})
	if err != nil {
		return fmt.Errorf("archive: put %s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *Store) objectKey(sessionID, filename string) string {
	ext := path.Ext(filename)
	if ext == "" {
		ext = ".webm"
	}
	session := strings.Trim(strings.ReplaceAll(sessionID, "/", "_"), ".")
	if session == "" {
		session = "unknown"
	}
	return session + "/" + s.newID() + ext
}
