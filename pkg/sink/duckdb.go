package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"
	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
)

// DuckDBWriter keeps the latest version of every record in a local DuckDB
// table and can export the table with DuckDB's COPY when it closes.
//
//	sink:
//	  type: duckdb
//	  config:
//	    database: ./data/leads.duckdb
//	    table: leads
//	    key_field: phone
//	    export_path: ./export/leads.parquet
//	    export_format: parquet      # parquet|csv|json
type DuckDBWriter struct {
	dsn          string
	table        string
	keyField     string
	exportPath   string
	exportFormat string
	logger       *zap.Logger

	db *sql.DB
}

func buildDuckDB(ctx context.Context, spec v1.SinkSpec, _ string, r *Resolver, logger *zap.Logger) (Writer, error) {
	cfg := spec.Config
	table := configString(cfg, "table")
	if table == "" {
		return nil, fmt.Errorf("duckdb sink requires config.table")
	}
	format := configString(cfg, "export_format")
	if format == "" {
		format = FormatParquet
	}
	return &DuckDBWriter{
		dsn:          r.Resolve(ctx, cfg, "database", "DUCKDB_DATABASE", ""),
		table:        table,
		keyField:     configString(cfg, "key_field"),
		exportPath:   configString(cfg, "export_path"),
		exportFormat: format,
		logger:       logger,
	}, nil
}

func (s *DuckDBWriter) Open(ctx context.Context) error {
	db, err := sql.Open("duckdb", s.dsn)
	if err != nil {
		return fmt.Errorf("duckdb open %q: %w", s.dsn, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("duckdb ping: %w", err)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key VARCHAR PRIMARY KEY,
	data JSON NOT NULL,
	pipeline_id VARCHAR,
	schema_id VARCHAR,
	schema_version INTEGER,
	operation VARCHAR,
	updated_at TIMESTAMP DEFAULT current_timestamp
)`, quoteIdent(s.table))
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return fmt.Errorf("duckdb create table: %w", err)
	}
	s.db = db
	s.logger.Info("duckdb sink connected", zap.String("database", s.dsn), zap.String("table", s.table))
	return nil
}

func (s *DuckDBWriter) Write(ctx context.Context, e *v1.DataEvent) error {
	key := recordKey(e, s.keyField)
	if e.Operation == v1.OpDelete {
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, quoteIdent(s.table)), key)
		return err
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	query := fmt.Sprintf(`INSERT OR REPLACE INTO %s (key, data, pipeline_id, schema_id, schema_version, operation, updated_at)
VALUES (?, ?, ?, ?, ?, ?, current_timestamp)`, quoteIdent(s.table))
	_, err = s.db.ExecContext(ctx, query, key, string(data), e.PipelineID, e.SchemaID, e.SchemaVersion, string(e.Operation))
	if err != nil {
		return fmt.Errorf("duckdb upsert: %w", err)
	}
	return nil
}

// Close exports the table when configured, then closes the database.
func (s *DuckDBWriter) Close() error {
	if s.db == nil {
		return nil
	}
	if s.exportPath != "" {
		if err := s.export(); err != nil {
			s.logger.Warn("duckdb export failed", zap.String("path", s.exportPath), zap.Error(err))
		}
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *DuckDBWriter) export() error {
	path := strings.ReplaceAll(s.exportPath, "'", "''")
	copySQL := fmt.Sprintf("COPY %s TO '%s' (FORMAT %s)", quoteIdent(s.table), path, strings.ToUpper(s.exportFormat))
	if _, err := s.db.Exec(copySQL); err != nil {
		return err
	}
	s.logger.Info("duckdb export complete", zap.String("path", s.exportPath))
	return nil
}

// Count returns the number of stored rows.
func (s *DuckDBWriter) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM %s", quoteIdent(s.table))).Scan(&n)
	return n, err
}

func (s *DuckDBWriter) Name() string {
	return fmt.Sprintf("duckdb:%s/%s", s.dsn, s.table)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
