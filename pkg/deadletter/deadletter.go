// Package deadletter keeps events that exhausted their retries, keyed by
// pipeline and event id, until an operator replays or deletes them.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/logging"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/store"
)

// ErrNotFound is returned for an unknown {pipelineId, eventId}.
var ErrNotFound = errors.New("dead letter not found")

// Store is the dead-letter destination, backed by the durable store.
type Store struct {
	db     *store.Store
	logger *zap.Logger
	now    func() time.Time
}

// New wraps db.
func New(db *store.Store, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logging.OrNop(logger).Named("deadletter"), now: time.Now}
}

func key(pipelineID, eventID string) string {
	return store.PrefixDeadLetter + pipelineID + "/" + eventID
}

// Put stores rec. A second failure of the same event overwrites the
// first record.
func (s *Store) Put(_ context.Context, rec v1.DeadLetterRecord) error {
	if rec.PipelineID == "" || rec.EventID == "" {
		return fmt.Errorf("dead letter requires pipeline and event id")
	}
	if rec.Metadata.FailedAt.IsZero() {
		rec.Metadata.FailedAt = s.now().UTC()
	}
	if err := s.db.Put(key(rec.PipelineID, rec.EventID), rec); err != nil {
		return fmt.Errorf("store dead letter %s/%s: %w", rec.PipelineID, rec.EventID, err)
	}
	s.logger.Info("event dead-lettered",
		zap.String("pipeline_id", rec.PipelineID),
		zap.String("event_id", rec.EventID),
		zap.String("stage", rec.Metadata.Stage),
		zap.Int("retry_count", rec.Metadata.RetryCount),
	)
	return nil
}

// Get returns one record.
func (s *Store) Get(_ context.Context, pipelineID, eventID string) (*v1.DeadLetterRecord, error) {
	var rec v1.DeadLetterRecord
	if err := s.db.Get(key(pipelineID, eventID), &rec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s/%s: %w", pipelineID, eventID, ErrNotFound)
		}
		return nil, err
	}
	return &rec, nil
}

// List returns the records of one pipeline, oldest failure first. An
// empty pipelineID lists every pipeline.
func (s *Store) List(_ context.Context, pipelineID string) ([]v1.DeadLetterRecord, error) {
	prefix := store.PrefixDeadLetter
	if pipelineID != "" {
		prefix += pipelineID + "/"
	}
	var out []v1.DeadLetterRecord
	err := s.db.Scan(prefix, func(_ string, value []byte) error {
		var rec v1.DeadLetterRecord
		if err := store.Decode(value, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Metadata.FailedAt.Before(out[j].Metadata.FailedAt)
	})
	return out, nil
}

// Count returns the number of records held for a pipeline.
func (s *Store) Count(pipelineID string) (int, error) {
	n := 0
	err := s.db.Scan(store.PrefixDeadLetter+pipelineID+"/", func(string, []byte) error {
		n++
		return nil
	})
	return n, err
}

// Delete removes one record.
func (s *Store) Delete(ctx context.Context, pipelineID, eventID string) error {
	if _, err := s.Get(ctx, pipelineID, eventID); err != nil {
		return err
	}
	return s.db.Delete(key(pipelineID, eventID))
}

// Publish re-enters an event into its pipeline.
type Publish func(ctx context.Context, event *v1.DataEvent) error

// Replay re-publishes a dead-lettered event with its attempt counter and
// audit trail reset, then deletes the record. The event keeps its id so
// idempotent sinks see the same key again.
func (s *Store) Replay(ctx context.Context, pipelineID, eventID string, publish Publish) (*v1.DataEvent, error) {
	rec, err := s.Get(ctx, pipelineID, eventID)
	if err != nil {
		return nil, err
	}
	ev := rec.Event.Clone()
	ev.ProcessingContext = v1.ProcessingContext{AppliedTransformations: []string{}}
	if ev.Metadata == nil {
		ev.Metadata = map[string]string{}
	}
	ev.Metadata["replayed_from"] = "dead_letter"

	if err := publish(ctx, ev); err != nil {
		return nil, fmt.Errorf("replay %s/%s: %w", pipelineID, eventID, err)
	}
	if err := s.db.Delete(key(pipelineID, eventID)); err != nil {
		s.logger.Warn("replayed record not deleted", zap.String("event_id", eventID), zap.Error(err))
	}
	return ev, nil
}

// Trace renders the wrap chain of err, outermost first. It is the
// stack-equivalent stored with each record.
func Trace(err error) []string {
	var out []string
	for err != nil {
		msg := err.Error()
		if next := errors.Unwrap(err); next != nil {
			if inner := next.Error(); strings.HasSuffix(msg, inner) && len(msg) > len(inner) {
				msg = strings.TrimSuffix(strings.TrimSuffix(msg, inner), ": ")
			}
			out = append(out, msg)
			err = next
			continue
		}
		out = append(out, msg)
		break
	}
	return out
}
