// Package export ships finished channel reports to S3 as CSV.
package export

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/attribution-pipeline/internal/aggregate"
	"github.com/ignite/attribution-pipeline/internal/config"
	"github.com/ignite/attribution-pipeline/internal/domain"
)

// S3API is the subset of the S3 client the exporter uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Exporter writes channel reports to an S3 bucket as CSV objects keyed by
// run ID.
type S3Exporter struct {
	client S3API
	bucket string
}

// NewS3Exporter creates an exporter from the export configuration, loading
// AWS credentials from the environment or the configured profile.
func NewS3Exporter(ctx context.Context, cfg config.ExportConfig) (*S3Exporter, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.AWSProfile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &S3Exporter{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.S3Bucket,
	}, nil
}

// NewS3ExporterWithClient creates an exporter with an injected client.
func NewS3ExporterWithClient(client S3API, bucket string) *S3Exporter {
	return &S3Exporter{client: client, bucket: bucket}
}

// Export uploads the report as CSV and returns the object's S3 URI.
func (e *S3Exporter) Export(ctx context.Context, report domain.ChannelReport) (string, error) {
	var buf bytes.Buffer
	if err := aggregate.WriteCSV(&buf, report); err != nil {
		return "", fmt.Errorf("encoding report csv: %w", err)
	}

	key := ObjectKey(report)
	_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return "", fmt.Errorf("uploading report to s3: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", e.bucket, key), nil
}

// ObjectKey derives the report's S3 key from the run window and ID, so
// re-exports of the same run overwrite rather than accumulate.
func ObjectKey(report domain.ChannelReport) string {
	return fmt.Sprintf("reports/%s/%s_channel_report.csv",
		report.WindowStart.Format("2006-01-02"), report.RunID)
}
