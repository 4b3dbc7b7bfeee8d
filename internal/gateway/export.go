package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ExportSource reads back flushed aggregates for a time range.
type ExportSource interface {
	CountersInRange(ctx context.Context, from, to time.Time) ([]CounterRow, error)
}

// ExporterConfig configures the S3 destination for usage exports.
type ExporterConfig struct {
	Endpoint  string // optional, for S3-compatible stores
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// Exporter ships hourly usage aggregates to S3 as JSON lines for the external
// billing pipeline. Export failures are logged and retried on the next tick;
// they never affect request handling.
type Exporter struct {
	source ExportSource
	client *s3.Client
	bucket string
	stopCh chan struct{}
	done   chan struct{}
}

func NewExporter(ctx context.Context, source ExportSource, cfg ExporterConfig) (*Exporter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Exporter{
		source: source,
		client: client,
		bucket: cfg.Bucket,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the hourly export loop.
func (e *Exporter) Start() {
	go e.loop()
}

// Stop halts the export loop.
func (e *Exporter) Stop() {
	close(e.stopCh)
	<-e.done
}

func (e *Exporter) loop() {
	defer close(e.done)

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			if err := e.ExportHour(ctx, time.Now().UTC().Add(-time.Hour)); err != nil {
				slog.Warn("Usage export failed", "error", err)
			}
			cancel()
		}
	}
}

// ExportHour uploads the aggregates for the hour containing t.
func (e *Exporter) ExportHour(ctx context.Context, t time.Time) error {
	from := t.Truncate(time.Hour)
	to := from.Add(time.Hour)

	rows, err := e.source.CountersInRange(ctx, from, to)
	if err != nil {
		return fmt.Errorf("read counters: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		record := map[string]any{
			"project_id":   row.ProjectID,
			"key_prefix":   row.KeyPrefix,
			"metric":       row.Metric,
			"period_start": row.PeriodStart.Format(time.RFC3339),
			"value":        row.Value,
		}
		if err := enc.Encode(record); err != nil {
			return fmt.Errorf("encode usage record: %w", err)
		}
	}

	key := fmt.Sprintf("usage/%s.jsonl", from.Format("2006/01/02/15"))
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("upload usage export: %w", err)
	}

	slog.Info("Usage export uploaded", "key", key, "rows", len(rows))
	return nil
}
