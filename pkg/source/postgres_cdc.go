package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/sink"
)

// PostgresCDCSource captures row changes from PostgreSQL in one of two
// modes.
//
// poll (default) reads a change table with keyset pagination over a
// monotonically increasing column (a sequence, an LSN or an updated_at
// written by a trigger). The last seen value is kept in memory, so pause
// and resume continue where the previous Run stopped.
//
// cdc streams inserts, updates and deletes of the listed tables through
// logical replication (pgoutput). The slot is persistent, so the server
// keeps the position confirmed by the last standby status update across
// pause, resume and restarts. The database needs wal_level=logical.
//
//	source:
//	  type: postgres_cdc
//	  config:
//	    dsn: postgres://crm:secret@db:5432/crm
//	    schema: public
//	    table: contact_changes
//	    cursor_column: change_id
//	    operation_column: op       # INSERT/UPDATE/DELETE, optional
//	    batch_size: 500
//	    poll_interval: 2s
//
//	source:
//	  type: postgres_cdc
//	  config:
//	    mode: cdc
//	    dsn: postgres://crm:secret@db:5432/crm
//	    tables: [contacts, appointments]
//	    slot_name: crm_leads       # default schemaflow_<pipeline id>
//	    publication: crm_leads     # default schemaflow_<pipeline id>
//	    start_lsn: 0/16B3748       # optional
type PostgresCDCSource struct {
	mode         string
	dsn          string
	schema       string
	table        string
	tables       []string
	slotName     string
	publication  string
	cursorColumn string
	opColumn     string
	batchSize    int
	pollInterval time.Duration
	events       eventBuilder
	logger       *zap.Logger

	pool   *pgxpool.Pool
	cursor any
	lsn    pglogrepl.LSN
}

// NewPostgresCDCSource creates the source from config.
func NewPostgresCDCSource(cfg map[string]any, r *sink.Resolver, events eventBuilder, logger *zap.Logger) (*PostgresCDCSource, error) {
	ctx := context.Background()
	dsn := r.Resolve(ctx, cfg, "dsn", "POSTGRES_DSN", "")
	if dsn == "" {
		return nil, errors.New("postgres_cdc source requires config.dsn")
	}
	mode := configString(cfg, "mode", ModePoll)
	if mode != ModePoll && mode != ModeCDC {
		return nil, fmt.Errorf("postgres_cdc source: invalid mode %q (use %s or %s)", mode, ModePoll, ModeCDC)
	}
	table := configString(cfg, "table", "")
	tables := configStrings(cfg, "tables")
	if len(tables) == 0 && table != "" {
		tables = []string{table}
	}
	switch {
	case mode == ModePoll && table == "":
		return nil, errors.New("postgres_cdc source requires config.table")
	case mode == ModeCDC && len(tables) == 0:
		return nil, errors.New("postgres_cdc cdc mode requires config.tables")
	}
	s := &PostgresCDCSource{
		mode:         mode,
		dsn:          dsn,
		schema:       configString(cfg, "schema", "public"),
		table:        table,
		tables:       tables,
		slotName:     configString(cfg, "slot_name", slotIdentifier("schemaflow_", events.pipelineID)),
		publication:  configString(cfg, "publication", slotIdentifier("schemaflow_", events.pipelineID)),
		cursorColumn: configString(cfg, "cursor_column", "id"),
		opColumn:     configString(cfg, "operation_column", ""),
		batchSize:    configInt(cfg, "batch_size", 500),
		pollInterval: configDuration(cfg, "poll_interval", 2*time.Second),
		events:       events,
		logger:       logger,
	}
	if lsn := configString(cfg, "start_lsn", ""); lsn != "" {
		parsed, err := pglogrepl.ParseLSN(lsn)
		if err != nil {
			return nil, fmt.Errorf("postgres_cdc start_lsn: %w", err)
		}
		s.lsn = parsed
	}
	if start, ok := cfg["start_after"]; ok {
		s.cursor = start
	}
	if events.source == string(v1.SourcePostgres) {
		s.events.source = "postgres:" + s.schema + "." + strings.Join(tables, ",")
	}
	return s, nil
}

func (s *PostgresCDCSource) Open(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(s.dsn)
	if err != nil {
		return fmt.Errorf("postgres_cdc parse dsn: %w", err)
	}
	poolCfg.MaxConns = 2
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("postgres_cdc connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("postgres_cdc ping: %w", err)
	}
	s.pool = pool
	if s.mode == ModeCDC {
		if err := s.ensurePublication(ctx); err != nil {
			s.Close()
			return err
		}
	}
	s.logger.Info("postgres_cdc source opened",
		zap.String("mode", s.mode),
		zap.Strings("tables", s.tables),
		zap.String("cursor_column", s.cursorColumn),
	)
	return nil
}

func (s *PostgresCDCSource) Run(ctx context.Context, emit Emit) error {
	if s.mode == ModeCDC {
		return s.replicate(ctx, emit)
	}
	for {
		n, err := s.poll(ctx, emit)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		if n == s.batchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.pollInterval):
		}
	}
}

// poll emits one batch and returns its size.
func (s *PostgresCDCSource) poll(ctx context.Context, emit Emit) (int, error) {
	query, args := s.batchQuery()
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres_cdc query: %w", err)
	}
	defer rows.Close()

	cols := make([]string, 0, len(rows.FieldDescriptions()))
	for _, fd := range rows.FieldDescriptions() {
		cols = append(cols, fd.Name)
	}

	n := 0
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return n, fmt.Errorf("postgres_cdc scan: %w", err)
		}
		record := make(map[string]any, len(cols))
		var raw any
		for i, col := range cols {
			if col == s.cursorColumn {
				raw = values[i]
			}
			record[col] = convertPgValue(values[i])
		}
		op, cursor := s.splitRow(record)
		ev := s.events.build(record, op, map[string]string{
			"table":  s.schema + "." + s.table,
			"cursor": cursor,
		})
		if err := emit(ctx, ev); err != nil {
			return n, nil
		}
		s.cursor = raw
		n++
	}
	return n, rows.Err()
}

func (s *PostgresCDCSource) batchQuery() (string, []any) {
	table := pgx.Identifier{s.schema, s.table}.Sanitize()
	col := pgx.Identifier{s.cursorColumn}.Sanitize()
	if s.cursor == nil {
		return fmt.Sprintf("SELECT * FROM %s ORDER BY %s LIMIT %d", table, col, s.batchSize), nil
	}
	return fmt.Sprintf("SELECT * FROM %s WHERE %s > $1 ORDER BY %s LIMIT %d", table, col, col, s.batchSize), []any{s.cursor}
}

// splitRow removes the operation column from record and returns the
// operation with the cursor rendered as text.
func (s *PostgresCDCSource) splitRow(record map[string]any) (v1.Operation, string) {
	op := v1.OpCreate
	if s.opColumn != "" {
		if parsed, ok := ParseOperation(scalar(record[s.opColumn])); ok {
			op = parsed
		}
		delete(record, s.opColumn)
	}
	return op, scalar(record[s.cursorColumn])
}

// Position returns the last cursor value handed to the pipeline, or the
// last confirmed LSN in cdc mode.
func (s *PostgresCDCSource) Position() any {
	if s.mode == ModeCDC {
		return s.lsn.String()
	}
	return s.cursor
}

func (s *PostgresCDCSource) Close() error {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

func (s *PostgresCDCSource) Name() string {
	if s.mode == ModeCDC {
		return "postgres_cdc:slot=" + s.slotName
	}
	return fmt.Sprintf("postgres_cdc:%s.%s", s.schema, s.table)
}

// convertPgValue converts pgx values to JSON-friendly types.
func convertPgValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case []byte:
		var decoded any
		if err := json.Unmarshal(val, &decoded); err == nil {
			return decoded
		}
		return string(val)
	case [16]byte:
		return fmt.Sprintf("%x-%x-%x-%x-%x", val[0:4], val[4:6], val[6:8], val[8:10], val[10:16])
	case int32:
		return int64(val)
	case int16:
		return int64(val)
	case float32:
		return float64(val)
	default:
		return val
	}
}
