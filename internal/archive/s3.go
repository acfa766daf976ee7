package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rcliao/tiered-memory/internal/model"
)

// S3Config configures an S3Sink.
type S3Config struct {
	Bucket      string
	Region      string
	AccessKeyID string // optional, default credential chain when empty
	SecretKey   string
	Endpoint    string // custom endpoint such as MinIO; enables path-style
	Prefix      string
}

// S3Sink uploads each sweep as one JSONL object.
type S3Sink struct {
	cfg    S3Config
	client *s3.Client
	Now    func() time.Time
}

// NewS3Sink builds an S3 client from cfg.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load AWS config: %w", err)
	}

	s3Opts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Sink{cfg: cfg, client: s3.NewFromConfig(awsCfg, s3Opts...)}, nil
}

func (s *S3Sink) Name() string { return "s3" }

// objectKey partitions by date: prefix/year=YYYY/month=MM/day=DD/archive_<nanos>.jsonl
func (s *S3Sink) objectKey(t time.Time) string {
	date := fmt.Sprintf("year=%d/month=%02d/day=%02d", t.Year(), t.Month(), t.Day())
	return path.Join(s.cfg.Prefix, date, fmt.Sprintf("archive_%d.jsonl", t.UnixNano()))
}

func (s *S3Sink) Archive(ctx context.Context, items []model.MemoryItem) error {
	if len(items) == 0 {
		return nil
	}
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now().UTC()
	}
	data, err := encodeJSONL(newRecords(items, now))
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(s.objectKey(now)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("s3: upload archive: %w", err)
	}
	return nil
}
