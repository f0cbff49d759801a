package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gil906/witnessreplay-inference/config"
	"github.com/gil906/witnessreplay-inference/logging"
	"github.com/gil906/witnessreplay-inference/metrics"
	"github.com/gil906/witnessreplay-inference/quota"
)

// objectPutter is the slice of the S3 API the writer needs.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// SnapshotRow is one JSON Lines row of a daily snapshot. Exactly one of
// Stats and Usage is set, discriminated by Kind.
type SnapshotRow struct {
	Kind  string              `json:"kind"`
	Date  string              `json:"date"`
	Stats *metrics.DailyStats `json:"stats,omitempty"`
	Usage *quota.Usage        `json:"usage,omitempty"`
}

// SnapshotWriter uploads daily usage summaries to S3 as JSON Lines files.
type SnapshotWriter struct {
	client objectPutter
	bucket string
	prefix string
	log    *logging.Logger
}

// NewSnapshotWriter creates an S3-backed snapshot writer.
func NewSnapshotWriter(ctx context.Context, cfg config.SnapshotConfig) (*SnapshotWriter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SnapshotWriter{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.S3Bucket,
		prefix: cfg.S3Prefix,
		log:    logging.New("snapshot"),
	}, nil
}

// WriteDaily uploads one snapshot file for the given UTC date and returns the
// object key. The key embeds the date twice so files list chronologically
// and remain self-describing when moved:
//
//	inference/2026/08/25/usage-2026-08-25.jsonl
func (w *SnapshotWriter) WriteDaily(ctx context.Context, date string, stats []metrics.DailyStats, usage []quota.Usage) (string, error) {
	if len(stats) == 0 && len(usage) == 0 {
		return "", nil
	}

	key := fmt.Sprintf("%s%s/usage-%s.jsonl", w.prefix, strings.ReplaceAll(date, "-", "/"), date)

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for i := range stats {
		row := SnapshotRow{Kind: "model_daily", Date: date, Stats: &stats[i]}
		if err := encoder.Encode(row); err != nil {
			w.log.Error("Failed to encode snapshot row", "error", err)
			continue
		}
	}
	for i := range usage {
		row := SnapshotRow{Kind: "quota", Date: date, Usage: &usage[i]}
		if err := encoder.Encode(row); err != nil {
			w.log.Error("Failed to encode snapshot row", "error", err)
			continue
		}
	}

	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload snapshot to S3: %w", err)
	}

	w.log.Info("Wrote daily snapshot", "key", key, "models", len(stats), "bytes", buf.Len())
	return key, nil
}
