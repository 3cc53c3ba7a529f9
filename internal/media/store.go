// Package media stores uploaded chat attachments in an S3-compatible object
// store. Objects are content addressed, so identical bytes share one object.
package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"raterhub/api/internal/apperr"
	"raterhub/api/internal/logging"
	"raterhub/api/internal/store"
)

const (
	CodeTooLarge = "FILE_TOO_LARGE"
	CodeEmpty    = "EMPTY_FILE"
)

// Resource types mirror the CDN the product used: audio is served as video.
const (
	ResourceImage = "image"
	ResourceVideo = "video"
	ResourceRaw   = "raw"
)

const maxNameLength = 100

// ObjectClient is the subset of *minio.Client the store needs.
type ObjectClient interface {
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
	MaxBytes  int64
}

type Store struct {
	client    ObjectClient
	bucket    string
	publicURL string
	maxBytes  int64
	log       *zap.Logger
}

// New connects to MinIO and makes sure the bucket exists.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return NewWithClient(client, cfg, log), nil
}

func NewWithClient(client ObjectClient, cfg Config, log *zap.Logger) *Store {
	return &Store{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		maxBytes:  cfg.MaxBytes,
		log:       logging.OrNop(log),
	}
}

// Upload reads at most the configured size, sniffs the content type and
// stores the bytes under sha256/{hex}/{name}. declaredType only feeds the log.
func (s *Store) Upload(ctx context.Context, name string, r io.Reader, declaredType string) (store.MediaRef, error) {
	var buf bytes.Buffer
	limit := s.maxBytes
	if limit <= 0 {
		limit = 25 << 20
	}
	n, err := io.Copy(&buf, io.LimitReader(r, limit+1))
	if err != nil {
		return store.MediaRef{}, fmt.Errorf("read upload: %w", err)
	}
	if n == 0 {
		return store.MediaRef{}, apperr.Invalid(CodeEmpty, "The file is empty")
	}
	if n > limit {
		return store.MediaRef{}, apperr.InvalidWith(CodeTooLarge, "The file is too large", map[string]int64{"maxBytes": limit})
	}

	data := buf.Bytes()
	contentType := contentTypeOf(data)
	sum := sha256.Sum256(data)
	fileName := SanitizeName(name)
	key := path.Join("sha256", hex.EncodeToString(sum[:]), fileName)

	ref := store.MediaRef{
		URL:          s.publicURL + "/" + escapeKey(key),
		ResourceType: ResourceType(contentType),
		SizeBytes:    n,
		FileName:     fileName,
		ContentType:  contentType,
	}

	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err == nil {
		s.log.Debug("media: reusing object", zap.String("key", key))
		return ref, nil
	} else if minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return store.MediaRef{}, apperr.Upstream("media store", err)
	}

	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), n, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return store.MediaRef{}, apperr.Upstream("media store", err)
	}
	s.log.Info("media: stored",
		zap.String("key", key),
		zap.String("declared", declaredType),
		zap.String("content_type", contentType),
		zap.Int64("bytes", n),
	)
	return ref, nil
}

func contentTypeOf(data []byte) string {
	ct, _, _ := strings.Cut(mimetype.Detect(data).String(), ";")
	return strings.TrimSpace(ct)
}

// ResourceType buckets a content type the way the delivery CDN does.
func ResourceType(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return ResourceImage
	case strings.HasPrefix(contentType, "video/"), strings.HasPrefix(contentType, "audio/"):
		return ResourceVideo
	default:
		return ResourceRaw
	}
}

// SanitizeName keeps the base name with unsafe characters replaced.
func SanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if len(out) > maxNameLength {
		out = out[len(out)-maxNameLength:]
	}
	if out == "" {
		return "file"
	}
	return out
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
