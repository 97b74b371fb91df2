package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
)

// PostgresWriter upserts each event as a JSONB row keyed by a business key.
// Deletes remove the row.
//
//	sink:
//	  type: postgres
//	  config:
//	    dsn: postgres://app:secret@db:5432/crm   # or POSTGRES_DSN / vault_path
//	    schema: public
//	    table: leads
//	    key_field: phone          # payload field; defaults to the event key
//	    create_table: true
//
// Table layout:
//
//	CREATE TABLE <schema>.<table> (
//	    key            TEXT PRIMARY KEY,
//	    data           JSONB NOT NULL,
//	    pipeline_id    TEXT,
//	    schema_id      TEXT,
//	    schema_version INTEGER,
//	    operation      TEXT,
//	    updated_at     TIMESTAMPTZ DEFAULT NOW()
//	);
type PostgresWriter struct {
	dsn         string
	schema      string
	table       string
	keyField    string
	createTable bool
	logger      *zap.Logger

	pool *pgxpool.Pool
}

func buildPostgres(ctx context.Context, spec v1.SinkSpec, _ string, r *Resolver, logger *zap.Logger) (Writer, error) {
	cfg := spec.Config
	dsn := r.Resolve(ctx, cfg, "dsn", "POSTGRES_DSN", "")
	if dsn == "" {
		host := r.Resolve(ctx, cfg, "host", "POSTGRES_HOST", "localhost")
		port := r.Resolve(ctx, cfg, "port", "POSTGRES_PORT", "5432")
		user := r.Resolve(ctx, cfg, "user", "POSTGRES_USER", "schemaflow")
		pass := r.Resolve(ctx, cfg, "password", "POSTGRES_PASSWORD", "")
		db := r.Resolve(ctx, cfg, "database", "POSTGRES_DB", "schemaflow")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, pass, host, port, db)
	}
	table := configString(cfg, "table")
	if table == "" {
		return nil, fmt.Errorf("postgres sink requires config.table")
	}
	schema := configString(cfg, "schema")
	if schema == "" {
		schema = "public"
	}
	return &PostgresWriter{
		dsn:         dsn,
		schema:      schema,
		table:       table,
		keyField:    configString(cfg, "key_field"),
		createTable: configBool(cfg, "create_table", true),
		logger:      logger,
	}, nil
}

func (s *PostgresWriter) ident() string {
	return pgx.Identifier{s.schema, s.table}.Sanitize()
}

// Open connects the pool and, unless disabled, creates the table.
func (s *PostgresWriter) Open(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(s.dsn)
	if err != nil {
		return fmt.Errorf("postgres parse dsn: %w", err)
	}
	poolCfg.MinConns = 2
	poolCfg.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("postgres ping: %w", err)
	}
	s.pool = pool

	if s.createTable {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	data JSONB NOT NULL,
	pipeline_id TEXT,
	schema_id TEXT,
	schema_version INTEGER,
	operation TEXT,
	updated_at TIMESTAMPTZ DEFAULT NOW()
)`, s.ident())
		if _, err := pool.Exec(ctx, ddl); err != nil {
			pool.Close()
			return fmt.Errorf("postgres create table: %w", err)
		}
	}
	s.logger.Info("postgres sink connected", zap.String("table", s.schema+"."+s.table))
	return nil
}

func (s *PostgresWriter) Write(ctx context.Context, e *v1.DataEvent) error {
	key := recordKey(e, s.keyField)

	if e.Operation == v1.OpDelete {
		_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.ident()), key)
		if err != nil {
			return fmt.Errorf("postgres delete: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (key, data, pipeline_id, schema_id, schema_version, operation, updated_at)
VALUES ($1, $2::jsonb, $3, $4, $5, $6, NOW())
ON CONFLICT (key) DO UPDATE SET
	data = EXCLUDED.data,
	pipeline_id = EXCLUDED.pipeline_id,
	schema_id = EXCLUDED.schema_id,
	schema_version = EXCLUDED.schema_version,
	operation = EXCLUDED.operation,
	updated_at = NOW()`, s.ident())

	if _, err := s.pool.Exec(ctx, query, key, string(data), e.PipelineID, e.SchemaID, e.SchemaVersion, string(e.Operation)); err != nil {
		return fmt.Errorf("postgres upsert: %w", err)
	}
	return nil
}

func (s *PostgresWriter) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresWriter) Name() string {
	return fmt.Sprintf("postgres:%s.%s", s.schema, s.table)
}

// recordKey returns the payload value of field, or the event key when the
// field is unset or empty.
func recordKey(e *v1.DataEvent, field string) string {
	if field != "" {
		if v, ok := e.Payload[field]; ok && v != nil {
			if s := strings.TrimSpace(formatValue(v)); s != "" {
				return s
			}
		}
	}
	return e.Key()
}
