package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"lighterprobe/logger"
	"lighterprobe/models"
)

// Upload writes the run record to the configured S3 bucket. Disabled
// storage is a no-op; upload failures are returned so the caller can log
// them, but they never change the exit code.
func (r *Reporter) Upload(ctx context.Context, run *models.MeasurementRun) error {
	cfg := r.cfg.Storage.S3
	if !cfg.Enabled {
		return nil
	}
	log := r.log.WithComponent("report")

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS configuration: %w", err)
	}

	body, err := json.Marshal(buildRecord(run))
	if err != nil {
		return fmt.Errorf("encode run record: %w", err)
	}

	key := s3Key(cfg.KeyPrefix, run)
	client := s3.NewFromConfig(awsCfg)

	uploadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err = client.PutObject(uploadCtx, &s3.PutObjectInput{
		Bucket:      aws.String(cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("upload to s3://%s/%s: %w", cfg.Bucket, key, err)
	}

	log.WithFields(logger.Fields{
		"bucket": cfg.Bucket,
		"key":    key,
	}).Info("run record uploaded")
	return nil
}

// s3Key partitions records by day so a prefix listing stays cheap.
func s3Key(prefix string, run *models.MeasurementRun) string {
	ts := run.StartedAt.UTC()
	key := fmt.Sprintf("%s/%s.json", ts.Format("2006/01/02"), ts.Format("150405"))
	if run.Label != "" {
		key = fmt.Sprintf("%s/%s-%s.json", ts.Format("2006/01/02"), ts.Format("150405"), run.Label)
	}
	if prefix != "" {
		key = prefix + "/" + key
	}
	return key
}
