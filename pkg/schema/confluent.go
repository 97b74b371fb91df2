package schema

import (
	"context"
	"fmt"

	"github.com/riferrei/srclient"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
)

// Mirror receives every successfully registered schema version.
type Mirror interface {
	Mirror(ctx context.Context, s *v1.Schema) error
}

// ConfluentMirror copies registrations into a Confluent-compatible
// registry as Avro, subject "<name>-value".
type ConfluentMirror struct {
	client *srclient.SchemaRegistryClient
}

// NewConfluentMirror creates a mirror for the registry at url. Basic
// auth is used when username is set.
func NewConfluentMirror(url, username, password string) *ConfluentMirror {
	client := srclient.CreateSchemaRegistryClient(url)
	if username != "" {
		client.SetCredentials(username, password)
	}
	return &ConfluentMirror{client: client}
}

// Subject returns the remote subject for a schema.
func Subject(s *v1.Schema) string {
	return avroName(s.Name) + "-value"
}

func (m *ConfluentMirror) Mirror(_ context.Context, s *v1.Schema) error {
	avroJSON, err := AvroSchema(s)
	if err != nil {
		return err
	}
	subject := Subject(s)
	if _, err := m.client.CreateSchema(subject, avroJSON, srclient.Avro); err != nil {
		return fmt.Errorf("mirror %s: %w", subject, err)
	}
	return nil
}
