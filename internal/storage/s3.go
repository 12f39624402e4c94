package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// FolderRecordings is the S3 prefix for call recordings.
const FolderRecordings = "recordings"

var ErrNotConfigured = errors.New("storage: recordings bucket not configured")

// RecordingArchive copies provider-hosted recordings into our own bucket.
type RecordingArchive interface {
	// Archive downloads sourceURL and stores it; it returns the object key.
	Archive(ctx context.Context, callID, sourceURL string) (string, error)
	// PresignGet returns a time-limited URL for a stored object.
	PresignGet(ctx context.Context, key string) (string, error)
}

type S3Config struct {
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	RecordingsBucket string
	// Endpoint overrides the S3 endpoint (MinIO, LocalStack). Path-style addressing is used when set.
	Endpoint             string
	PresignExpireMinutes int

	// SourceUsername and SourcePassword authenticate recording downloads
	// (Twilio recording URLs take the account SID and auth token).
	SourceUsername string
	SourcePassword string
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3 archives recordings to an S3-compatible bucket.
type S3 struct {
	uploader uploader
	presign  *s3.PresignClient
	http     *http.Client
	cfg      S3Config
	log      *slog.Logger
}

// NewS3 creates an S3 archive using static credentials when given, otherwise the default chain.
func NewS3(ctx context.Context, cfg S3Config, log *slog.Logger) (*S3, error) {
	if cfg.RecordingsBucket == "" {
		return nil, ErrNotConfigured
	}
	if log == nil {
		log = slog.Default()
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)))
		log.Info("s3 client using static credentials", "region", cfg.Region, "bucket", cfg.RecordingsBucket)
	} else {
		log.Warn("s3 client using default credential chain")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	up := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024 // 5MB parts for streaming
	})
	return newS3(up, s3.NewPresignClient(client), cfg, log), nil
}

func newS3(up uploader, presign *s3.PresignClient, cfg S3Config, log *slog.Logger) *S3 {
	if cfg.PresignExpireMinutes <= 0 {
		cfg.PresignExpireMinutes = 60
	}
	return &S3{
		uploader: up,
		presign:  presign,
		http:     &http.Client{Timeout: 5 * time.Minute},
		cfg:      cfg,
		log:      log,
	}
}

// RecordingKey returns the object key: recordings/{yyyy}/{mm}/{call_id}{ext}.
func RecordingKey(callID string, at time.Time, ext string) string {
	if ext == "" {
		ext = ".wav"
	}
	return path.Join(FolderRecordings, at.UTC().Format("2006"), at.UTC().Format("01"), callID+ext)
}

func extensionFor(contentType string) string {
	switch contentType {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	default:
		return ".wav"
	}
}

func (s *S3) Archive(ctx context.Context, callID, sourceURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("build recording request: %w", err)
	}
	if s.cfg.SourceUsername != "" {
		req.SetBasicAuth(s.cfg.SourceUsername, s.cfg.SourcePassword)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download recording: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("download recording: status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/wav"
	}
	key := RecordingKey(callID, time.Now(), extensionFor(contentType))
	if _, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.RecordingsBucket),
		Key:         aws.String(key),
		Body:        resp.Body,
		ContentType: aws.String(contentType),
	}); err != nil {
		return "", fmt.Errorf("upload recording: %w", err)
	}
	s.log.Info("recording archived", "call_id", callID, "key", key)
	return key, nil
}

func (s *S3) PresignGet(ctx context.Context, key string) (string, error) {
	if s.presign == nil {
		return "", ErrNotConfigured
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.RecordingsBucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = time.Duration(s.cfg.PresignExpireMinutes) * time.Minute
	})
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return req.URL, nil
}
