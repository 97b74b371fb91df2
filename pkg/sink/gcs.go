package sink

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
)

// GCS sink, buffered through a BulkWriter. Authentication uses
// Application Default Credentials.
//
//	sink:
//	  type: gcs
//	  config:
//	    bucket: lake
//	    prefix: crm/leads
//	    format: csv
//	    csv_delimiter: ";"
type gcsStore struct {
	client *storage.Client
	bucket string
}

func buildGCS(ctx context.Context, spec v1.SinkSpec, pipelineID string, r *Resolver, logger *zap.Logger) (Writer, error) {
	bucket := r.Resolve(ctx, spec.Config, "bucket", "GCS_BUCKET", "")
	if bucket == "" {
		return nil, fmt.Errorf("gcs sink requires config.bucket")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs new client: %w", err)
	}
	store := &gcsStore{client: client, bucket: bucket}
	return newBulkWriter(store, pipelineID, bulkOptionsFrom(spec.Config), logger), nil
}

func (s *gcsStore) Put(ctx context.Context, key, contentType string, body []byte) error {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close writer: %w", err)
	}
	return nil
}

func (s *gcsStore) Close() error   { return s.client.Close() }
func (s *gcsStore) String() string { return "gcs:" + s.bucket }
