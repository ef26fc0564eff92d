// Package diagnostics archives failure screenshots so platform UI drift can be
// investigated after the fact.
package diagnostics

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/png"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"referral-sync/internal/config"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Store writes screenshots to S3 when a bucket is configured, otherwise to disk.
type Store struct {
	up       uploader
	maxWidth int
	nowFn    func() time.Time
}

// NewStore chooses an uploader from config.
func NewStore(ctx context.Context, cfg config.Config) (*Store, error) {
	var up uploader = &localUploader{baseDir: cfg.ScreenshotDir}
	if cfg.ScreenshotS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		up = &s3Uploader{client: client, bucket: cfg.ScreenshotS3Bucket, prefix: cfg.ScreenshotS3Prefix}
	}
	return &Store{up: up, maxWidth: cfg.ScreenshotMaxWidth, nowFn: time.Now}, nil
}

// NewLocalStore writes under dir.
func NewLocalStore(dir string, maxWidth int) *Store {
	return &Store{up: &localUploader{baseDir: dir}, maxWidth: maxWidth, nowFn: time.Now}
}

// Save stores a PNG screenshot under a dated key derived from label and
// returns where it went.
func (s *Store) Save(ctx context.Context, label string, png []byte) (string, error) {
	if len(png) == 0 {
		return "", fmt.Errorf("empty screenshot")
	}
	body, err := s.shrink(png)
	if err != nil {
		return "", err
	}
	now := s.nowFn().UTC()
	key := fmt.Sprintf("%s/%s-%d.png", now.Format("2006/01/02"), sanitizeLabel(label), now.UnixNano())
	loc, err := s.up.Upload(ctx, key, body, "image/png")
	if err != nil {
		return "", fmt.Errorf("upload screenshot: %w", err)
	}
	return loc, nil
}

// shrink downsizes screenshots wider than maxWidth; full-page captures of
// long forms are otherwise several megabytes each.
func (s *Store) shrink(data []byte) ([]byte, error) {
	if s.maxWidth <= 0 {
		return data, nil
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	if cfg.Width <= s.maxWidth {
		return data, nil
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	img = imaging.Resize(img, s.maxWidth, 0, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode screenshot: %w", err)
	}
	return buf.Bytes(), nil
}

var unsafeLabel = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func sanitizeLabel(label string) string {
	label = unsafeLabel.ReplaceAllString(strings.TrimSpace(label), "_")
	label = strings.Trim(label, "_")
	if label == "" {
		return "screenshot"
	}
	if len(label) > 80 {
		label = label[:80]
	}
	return label
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ScreenshotS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ScreenshotS3PathStyle
		if cfg.ScreenshotS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ScreenshotS3Endpoint)
		}
	}), nil
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("mkdir: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = s.prefix + key
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
