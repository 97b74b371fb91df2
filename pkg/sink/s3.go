package sink

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
)

// S3 sink, buffered through a BulkWriter.
//
//	sink:
//	  type: s3
//	  config:
//	    bucket: lake
//	    prefix: crm/leads
//	    format: parquet           # jsonl|json|parquet|csv
//	    region: ap-east-1
//	    endpoint: http://minio:9000   # MinIO / LocalStack
//	    batch_size: 500
//	    flush_interval_ms: 10000
type s3Store struct {
	client *s3.Client
	bucket string
}

func buildS3(ctx context.Context, spec v1.SinkSpec, pipelineID string, r *Resolver, logger *zap.Logger) (Writer, error) {
	cfg := spec.Config
	bucket := r.Resolve(ctx, cfg, "bucket", "S3_BUCKET", "")
	if bucket == "" {
		return nil, fmt.Errorf("s3 sink requires config.bucket")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(r.Resolve(ctx, cfg, "region", "AWS_REGION", "us-east-1")),
	}
	accessKey := r.Resolve(ctx, cfg, "access_key_id", "AWS_ACCESS_KEY_ID", "")
	secretKey := r.Resolve(ctx, cfg, "secret_access_key", "AWS_SECRET_ACCESS_KEY", "")
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 load config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpoint := r.Resolve(ctx, cfg, "endpoint", "AWS_S3_ENDPOINT", ""); endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	store := &s3Store{client: s3.NewFromConfig(awsCfg, s3Opts...), bucket: bucket}
	return newBulkWriter(store, pipelineID, bulkOptionsFrom(cfg), logger), nil
}

func (s *s3Store) Put(ctx context.Context, key, contentType string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

func (s *s3Store) Close() error   { return nil }
func (s *s3Store) String() string { return "s3:" + s.bucket }
