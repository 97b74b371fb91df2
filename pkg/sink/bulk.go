package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
)

// objectStore is the put-only surface of S3 and GCS.
type objectStore interface {
	Put(ctx context.Context, key, contentType string, body []byte) error
	Close() error
	String() string
}

// BulkWriter buffers events and writes them as one object per flush,
// partitioned by pipeline and hour:
//
//	<prefix>/pipeline=<id>/year=YYYY/month=MM/day=DD/hour=HH/<ts>-<uuid>.<ext>
//
// A flush happens when batchSize events are buffered, on every
// flushInterval tick, and on Close. If a flush fails, the batch minus the
// event that triggered it is buffered again and the triggering write
// returns the error, so that event alone goes through the retry path.
// Events still buffered after the final flush in Close failed are handed
// to the OnUndelivered callback.
type BulkWriter struct {
	store      objectStore
	pipelineID string
	prefix     string
	format     string
	encodeOpts EncodeOptions
	batchSize  int
	interval   time.Duration
	logger     *zap.Logger

	mu          sync.Mutex
	buffer      []*v1.DataEvent
	undelivered UndeliveredFunc
	stop        chan struct{}
	done        chan struct{}
	now         func() time.Time
}

// OnUndelivered implements Undeliverable.
func (b *BulkWriter) OnUndelivered(fn UndeliveredFunc) {
	b.mu.Lock()
	b.undelivered = fn
	b.mu.Unlock()
}

type bulkOptions struct {
	prefix     string
	format     string
	encodeOpts EncodeOptions
	batchSize  int
	interval   time.Duration
}

func bulkOptionsFrom(cfg map[string]any) bulkOptions {
	o := bulkOptions{
		prefix:    strings.Trim(configString(cfg, "prefix"), "/"),
		format:    configString(cfg, "format"),
		batchSize: configInt(cfg, "batch_size", 500),
		interval:  time.Duration(configInt(cfg, "flush_interval_ms", 10000)) * time.Millisecond,
		encodeOpts: EncodeOptions{
			Compression:  configString(cfg, "compression"),
			CSVDelimiter: ParseCSVDelimiter(configString(cfg, "csv_delimiter")),
		},
	}
	if o.format == "" {
		o.format = FormatJSONL
	}
	if o.batchSize <= 0 {
		o.batchSize = 1
	}
	return o
}

func newBulkWriter(store objectStore, pipelineID string, o bulkOptions, logger *zap.Logger) *BulkWriter {
	return &BulkWriter{
		store:      store,
		pipelineID: pipelineID,
		prefix:     o.prefix,
		format:     o.format,
		encodeOpts: o.encodeOpts,
		batchSize:  o.batchSize,
		interval:   o.interval,
		logger:     logger,
		now:        time.Now,
	}
}

func (b *BulkWriter) Open(context.Context) error {
	if b.interval <= 0 {
		return nil
	}
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	go b.flushLoop()
	return nil
}

func (b *BulkWriter) flushLoop() {
	defer close(b.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := b.Flush(ctx); err != nil {
				b.logger.Warn("periodic flush failed", zap.String("sink", b.Name()), zap.Error(err))
			}
			cancel()
		}
	}
}

// Write buffers e and flushes when the batch is full.
func (b *BulkWriter) Write(ctx context.Context, e *v1.DataEvent) error {
	b.mu.Lock()
	b.buffer = append(b.buffer, e)
	full := len(b.buffer) >= b.batchSize
	b.mu.Unlock()
	if !full {
		return nil
	}

	batch := b.take()
	if err := b.put(ctx, batch); err != nil {
		rest := make([]*v1.DataEvent, 0, len(batch))
		for _, ev := range batch {
			if ev != e {
				rest = append(rest, ev)
			}
		}
		b.requeue(rest)
		return err
	}
	return nil
}

// Flush writes everything buffered as one object.
func (b *BulkWriter) Flush(ctx context.Context) error {
	batch := b.take()
	if len(batch) == 0 {
		return nil
	}
	if err := b.put(ctx, batch); err != nil {
		b.requeue(batch)
		return err
	}
	return nil
}

func (b *BulkWriter) take() []*v1.DataEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.buffer
	b.buffer = nil
	return batch
}

func (b *BulkWriter) requeue(batch []*v1.DataEvent) {
	b.mu.Lock()
	b.buffer = append(batch, b.buffer...)
	b.mu.Unlock()
}

func (b *BulkWriter) put(ctx context.Context, batch []*v1.DataEvent) error {
	records := make([]map[string]any, len(batch))
	for i, e := range batch {
		records[i] = flatRecord(e)
	}
	body, err := Encode(records, b.format, b.encodeOpts)
	if err != nil {
		return fmt.Errorf("encode %s: %w", b.format, err)
	}
	key := b.objectKey(b.now().UTC())
	if err := b.store.Put(ctx, key, FormatContentType(b.format), body); err != nil {
		return err
	}
	b.logger.Debug("object written",
		zap.String("sink", b.Name()),
		zap.String("key", key),
		zap.Int("events", len(batch)),
	)
	return nil
}

func (b *BulkWriter) objectKey(t time.Time) string {
	var sb strings.Builder
	if b.prefix != "" {
		sb.WriteString(b.prefix)
		sb.WriteByte('/')
	}
	fmt.Fprintf(&sb, "pipeline=%s/year=%04d/month=%02d/day=%02d/hour=%02d/%s-%s.%s",
		b.pipelineID, t.Year(), t.Month(), t.Day(), t.Hour(),
		t.Format("20060102T150405Z"), uuid.NewString()[:8], FormatExtension(b.format))
	return sb.String()
}

// Close stops the ticker, flushes and releases the store.
func (b *BulkWriter) Close() error {
	if b.stop != nil {
		close(b.stop)
		<-b.done
		b.stop = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := b.Flush(ctx)
	if err != nil {
		b.handOff(err)
	}
	if cerr := b.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// handOff empties the buffer into the undelivered callback.
func (b *BulkWriter) handOff(cause error) {
	batch := b.take()
	b.mu.Lock()
	fn := b.undelivered
	b.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if fn == nil {
		b.logger.Error("buffered events lost",
			zap.String("sink", b.Name()),
			zap.Int("events", len(batch)),
			zap.Error(cause),
		)
		return
	}
	fn(batch, &WriteError{Sink: b.Name(), Err: cause})
}

func (b *BulkWriter) Name() string { return b.store.String() }

// Buffered returns the number of events waiting for the next flush.
func (b *BulkWriter) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}
