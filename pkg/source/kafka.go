package source

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/sink"
)

// messageReader is the subset of *kafka.Reader the source uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes a topic in the consumer group schemaflow-<pipeline>.
// An offset is committed once its event has been handed to the pipeline;
// messages fetched but not handed over before a pause are redelivered.
//
//	source:
//	  type: kafka
//	  config:
//	    brokers: kafka-1:9092
//	    topic: crm.contacts
//	    start: earliest            # earliest|latest, for a new group
//	    envelope: debezium         # unwrap {op, before, after}
type KafkaSource struct {
	brokers  []string
	topic    string
	group    string
	start    int64
	envelope string
	events   eventBuilder
	logger   *zap.Logger

	reader messageReader
}

// NewKafkaSource creates a Kafka source from config.
func NewKafkaSource(cfg map[string]any, pipelineID string, r *sink.Resolver, events eventBuilder, logger *zap.Logger) (*KafkaSource, error) {
	topic := configString(cfg, "topic", "")
	if topic == "" {
		return nil, errors.New("kafka source requires config.topic")
	}
	brokers := splitComma(r.Resolve(context.Background(), cfg, "brokers", "KAFKA_BROKERS", "localhost:9092"))
	start := kafka.FirstOffset
	if configString(cfg, "start", "earliest") == "latest" {
		start = kafka.LastOffset
	}
	if events.source == string(v1.SourceKafka) {
		events.source = "kafka:" + topic
	}
	return &KafkaSource{
		brokers:  brokers,
		topic:    topic,
		group:    configString(cfg, "group", "schemaflow-"+pipelineID),
		start:    start,
		envelope: configString(cfg, "envelope", ""),
		events:   events,
		logger:   logger,
	}, nil
}

func (s *KafkaSource) Open(context.Context) error {
	if s.reader != nil {
		return nil
	}
	s.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     s.brokers,
		GroupID:     s.group,
		Topic:       s.topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: s.start,
	})
	s.logger.Info("kafka source opened", zap.String("topic", s.topic), zap.String("group", s.group))
	return nil
}

func (s *KafkaSource) Run(ctx context.Context, emit Emit) error {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch %s: %w", s.topic, err)
		}

		ev := s.toEvent(msg)
		if err := emit(ctx, ev); err != nil {
			return nil
		}
		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("kafka commit failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (s *KafkaSource) toEvent(msg kafka.Message) *v1.DataEvent {
	payload := decodeRecord(msg.Value)
	op := v1.OpCreate

	if s.envelope == "debezium" {
		payload, op = unwrapDebezium(payload)
	}
	for _, h := range msg.Headers {
		if h.Key == "operation" {
			if parsed, ok := ParseOperation(string(h.Value)); ok {
				op = parsed
			}
		}
	}

	ev := s.events.build(payload, op, map[string]string{
		"topic":     msg.Topic,
		"partition": strconv.Itoa(msg.Partition),
		"offset":    strconv.FormatInt(msg.Offset, 10),
	})
	if ev.PartitionKey == "" && len(msg.Key) > 0 {
		ev.PartitionKey = string(msg.Key)
	}
	if !msg.Time.IsZero() {
		ev.Timestamp = msg.Time.UTC()
	}
	return ev
}

// unwrapDebezium returns the row image and operation of a Debezium change
// envelope. Deletes carry the "before" image.
func unwrapDebezium(value map[string]any) (map[string]any, v1.Operation) {
	body := value
	if inner, ok := value["payload"].(map[string]any); ok {
		body = inner
	}
	op, ok := ParseOperation(scalar(body["op"]))
	if !ok {
		return value, v1.OpCreate
	}
	image := "after"
	if op == v1.OpDelete {
		image = "before"
	}
	if row, ok := body[image].(map[string]any); ok {
		return row, op
	}
	return map[string]any{}, op
}

func (s *KafkaSource) Close() error {
	if s.reader == nil {
		return nil
	}
	err := s.reader.Close()
	s.reader = nil
	return err
}

func (s *KafkaSource) Name() string { return "kafka:" + s.topic }

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
