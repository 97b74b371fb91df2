package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
)

// ═══════════════════════════════════════════
// Logical replication (mode: cdc)
// ═══════════════════════════════════════════

const (
	ModePoll = "poll"
	ModeCDC  = "cdc"

	standbyInterval = 10 * time.Second
	receiveTimeout  = 5 * time.Second
)

// walChange is one decoded row change.
type walChange struct {
	op     v1.Operation
	table  string
	key    string
	record map[string]any
	old    map[string]any
}

// walDecoder turns pgoutput messages into row changes. Relation messages
// precede the first change of each table in a replication session.
type walDecoder struct {
	relations map[uint32]*pglogrepl.RelationMessage
	types     *pgtype.Map
}

func newWALDecoder() *walDecoder {
	return &walDecoder{
		relations: make(map[uint32]*pglogrepl.RelationMessage),
		types:     pgtype.NewMap(),
	}
}

// decode returns the row change carried by data, or nil for relation,
// transaction and type messages.
func (d *walDecoder) decode(data []byte) (*walChange, error) {
	msg, err := pglogrepl.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse logical message: %w", err)
	}

	switch m := msg.(type) {
	case *pglogrepl.RelationMessage:
		d.relations[m.RelationID] = m
		return nil, nil
	case *pglogrepl.InsertMessage:
		return d.change(m.RelationID, v1.OpCreate, m.Tuple, nil)
	case *pglogrepl.UpdateMessage:
		return d.change(m.RelationID, v1.OpUpdate, m.NewTuple, m.OldTuple)
	case *pglogrepl.DeleteMessage:
		return d.change(m.RelationID, v1.OpDelete, m.OldTuple, nil)
	default:
		return nil, nil
	}
}

func (d *walDecoder) change(relID uint32, op v1.Operation, tuple, old *pglogrepl.TupleData) (*walChange, error) {
	rel, ok := d.relations[relID]
	if !ok {
		return nil, fmt.Errorf("change for unknown relation %d", relID)
	}
	c := &walChange{
		op:     op,
		table:  rel.Namespace + "." + rel.RelationName,
		record: d.tuple(tuple, rel),
	}
	if old != nil {
		c.old = d.tuple(old, rel)
	}
	c.key = relationKey(c.record, rel)
	return c, nil
}

func (d *walDecoder) tuple(t *pglogrepl.TupleData, rel *pglogrepl.RelationMessage) map[string]any {
	if t == nil {
		return map[string]any{}
	}
	record := make(map[string]any, len(t.Columns))
	for i, col := range t.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			record[name] = nil
		case pglogrepl.TupleDataTypeToast:
			// unchanged TOASTed value, not sent by the server
		case pglogrepl.TupleDataTypeText:
			record[name] = d.textValue(rel.Columns[i].DataType, col.Data)
		case pglogrepl.TupleDataTypeBinary:
			record[name] = convertPgValue(col.Data)
		}
	}
	return record
}

func (d *walDecoder) textValue(oid uint32, data []byte) any {
	dt, ok := d.types.TypeForOID(oid)
	if !ok {
		return string(data)
	}
	v, err := dt.Codec.DecodeValue(d.types, oid, pgtype.TextFormatCode, data)
	if err != nil {
		return string(data)
	}
	return convertPgValue(v)
}

// relationKey renders the replica identity columns of record, or the
// first column when the relation reports none.
func relationKey(record map[string]any, rel *pglogrepl.RelationMessage) string {
	var parts []string
	for _, col := range rel.Columns {
		if col.Flags&1 == 1 {
			parts = append(parts, scalar(record[col.Name]))
		}
	}
	if len(parts) == 0 && len(rel.Columns) > 0 {
		parts = append(parts, scalar(record[rel.Columns[0].Name]))
	}
	return strings.Join(parts, "|")
}

// ensurePublication creates the publication over the configured tables.
// An existing publication is left as it is.
func (s *PostgresCDCSource) ensurePublication(ctx context.Context) error {
	tables := make([]string, len(s.tables))
	for i, t := range s.tables {
		tables[i] = pgx.Identifier{s.schema, t}.Sanitize()
	}
	stmt := fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s",
		pgx.Identifier{s.publication}.Sanitize(), strings.Join(tables, ", "))
	if _, err := s.pool.Exec(ctx, stmt); err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("postgres_cdc create publication: %w", err)
	}
	return nil
}

// replicate streams changes from the replication slot until ctx is done.
// Each call opens its own replication connection and starts from the
// last acknowledged position, so pause and resume lose nothing: the
// server keeps every change after the position confirmed through
// standby status updates.
func (s *PostgresCDCSource) replicate(ctx context.Context, emit Emit) error {
	conn, err := pgconn.Connect(ctx, replicationDSN(s.dsn))
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("postgres_cdc replication connect: %w", err)
	}
	defer func() {
		ackCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.acknowledge(ackCtx, conn)
		_ = conn.Close(ackCtx)
		cancel()
	}()

	if s.lsn == 0 {
		res, err := pglogrepl.CreateReplicationSlot(ctx, conn, s.slotName, "pgoutput",
			pglogrepl.CreateReplicationSlotOptions{Temporary: false})
		switch {
		case err == nil:
			if lsn, perr := pglogrepl.ParseLSN(res.ConsistentPoint); perr == nil {
				s.lsn = lsn
			}
		case !strings.Contains(err.Error(), "already exists"):
			return fmt.Errorf("postgres_cdc create slot: %w", err)
		}
	}

	err = pglogrepl.StartReplication(ctx, conn, s.slotName, s.lsn, pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", s.publication),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("postgres_cdc start replication: %w", err)
	}
	s.logger.Info("replication started",
		zap.String("slot", s.slotName),
		zap.String("publication", s.publication),
		zap.String("lsn", s.lsn.String()),
	)

	decoder := newWALDecoder()
	nextStandby := time.Now().Add(standbyInterval)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if time.Now().After(nextStandby) {
			if err := s.acknowledge(ctx, conn); err != nil {
				return err
			}
			nextStandby = time.Now().Add(standbyInterval)
		}

		recvCtx, cancel := context.WithTimeout(ctx, receiveTimeout)
		raw, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("postgres_cdc receive: %w", err)
		}

		switch msg := raw.(type) {
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("postgres_cdc server error: %s", msg.Message)
		case *pgproto3.CopyData:
			if err := s.handleCopyData(ctx, conn, decoder, msg.Data, emit); err != nil {
				if errors.Is(err, context.Canceled) || ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (s *PostgresCDCSource) handleCopyData(ctx context.Context, conn *pgconn.PgConn, decoder *walDecoder, data []byte, emit Emit) error {
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return fmt.Errorf("postgres_cdc parse keepalive: %w", err)
		}
		if pkm.ReplyRequested {
			return s.acknowledge(ctx, conn)
		}
	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return fmt.Errorf("postgres_cdc parse xlog: %w", err)
		}
		change, err := decoder.decode(xld.WALData)
		if err != nil {
			s.logger.Warn("undecodable WAL message", zap.String("lsn", xld.WALStart.String()), zap.Error(err))
			return nil
		}
		end := xld.WALStart + pglogrepl.LSN(len(xld.WALData))
		if change != nil {
			if err := emit(ctx, s.changeEvent(change, end)); err != nil {
				return err
			}
		}
		// Only positions whose change reached the pipeline are confirmed.
		s.lsn = end
	}
	return nil
}

func (s *PostgresCDCSource) changeEvent(c *walChange, lsn pglogrepl.LSN) *v1.DataEvent {
	meta := map[string]string{"table": c.table, "lsn": lsn.String()}
	if c.old != nil {
		if raw, err := json.Marshal(c.old); err == nil {
			meta["old"] = string(raw)
		}
	}
	ev := s.events.build(c.record, c.op, meta)
	ev.Operation = c.op
	if ev.PartitionKey == "" {
		ev.PartitionKey = c.key
	}
	return ev
}

func (s *PostgresCDCSource) acknowledge(ctx context.Context, conn *pgconn.PgConn) error {
	if s.lsn == 0 {
		return nil
	}
	err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: s.lsn})
	if err != nil {
		return fmt.Errorf("postgres_cdc standby update: %w", err)
	}
	return nil
}

func replicationDSN(dsn string) string {
	if strings.Contains(dsn, "replication=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&replication=database"
	}
	if strings.Contains(dsn, "://") {
		return dsn + "?replication=database"
	}
	return dsn + " replication=database"
}

// slotIdentifier derives a valid replication slot name: lower-case
// letters, digits and underscores, at most 63 bytes.
func slotIdentifier(prefix, id string) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	for _, r := range strings.ToLower(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	name := sb.String()
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}
