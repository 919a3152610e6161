package dlq

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"

	"github.com/therealutkarshpriyadarshi/insighthub/internal/config"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/logging"
)

// S3API is the subset of the S3 client used by the archiver
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads newly parked entries to S3 as snappy-compressed JSON lines
type Archiver struct {
	queue    *Queue
	client   S3API
	bucket   string
	prefix   string
	interval time.Duration
	logger   *logging.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSeq  uint64
	uploaded int
}

// NewS3Archiver builds an archiver from configuration using the default AWS credential chain
func NewS3Archiver(ctx context.Context, q *Queue, cfg config.S3ArchiveConfig, logger *logging.Logger) (*Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewArchiver(q, client, cfg, logger), nil
}

// NewArchiver creates an archiver around an existing S3 client
func NewArchiver(q *Queue, client S3API, cfg config.S3ArchiveConfig, logger *logging.Logger) *Archiver {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Archiver{
		queue:    q,
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		interval: cfg.Interval,
		logger:   logger.WithComponent("dlq-archiver"),
		now:      time.Now,
	}
}

// Archive uploads entries parked since the previous upload.
// It returns the object key, or "" when there was nothing to upload.
func (a *Archiver) Archive(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries := a.queue.Since(a.lastSeq)
	if len(entries) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	if err := writeEntries(&buf, entries); err != nil {
		return "", err
	}
	body := snappy.Encode(nil, buf.Bytes())

	now := a.now().UTC()
	key := path.Join(a.prefix, now.Format("2006/01/02"),
		fmt.Sprintf("parked-%d-%d.jsonl.sz", now.Unix(), entries[len(entries)-1].Seq))

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("snappy"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	a.lastSeq = entries[len(entries)-1].Seq
	a.uploaded++

	a.logger.Info().
		Str("bucket", a.bucket).
		Str("key", key).
		Int("entries", len(entries)).
		Int("bytes", len(body)).
		Msg("Archived parked messages")

	return key, nil
}

// Run archives on every interval until ctx is done, then makes a final attempt
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := a.Archive(ctx); err != nil {
				a.logger.Error().Err(err).Msg("DLQ archive failed")
			}
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if _, err := a.Archive(final); err != nil {
				a.logger.Error().Err(err).Msg("Final DLQ archive failed")
			}
			return nil
		}
	}
}

// Uploaded returns the number of objects written
func (a *Archiver) Uploaded() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.uploaded
}
