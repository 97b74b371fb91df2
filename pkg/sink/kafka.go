package sink

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
)

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter produces one message per event, keyed by the event's
// ordering key so that a key always lands on the same partition.
//
//	sink:
//	  type: kafka
//	  config:
//	    brokers: kafka-1:9092,kafka-2:9092
//	    topic: crm.leads.clean
type KafkaWriter struct {
	topic  string
	writer messageWriter
}

func buildKafka(ctx context.Context, spec v1.SinkSpec, _ string, r *Resolver, _ *zap.Logger) (Writer, error) {
	brokers := splitList(r.Resolve(ctx, spec.Config, "brokers", "KAFKA_BROKERS", "localhost:9092"))
	topic := configString(spec.Config, "topic")
	if topic == "" {
		return nil, fmt.Errorf("kafka sink requires config.topic")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: time.Duration(configInt(spec.Config, "batch_timeout_ms", 10)) * time.Millisecond,
	}
	return &KafkaWriter{topic: topic, writer: w}, nil
}

func (s *KafkaWriter) Open(context.Context) error { return nil }
func (s *KafkaWriter) Close() error               { return s.writer.Close() }
func (s *KafkaWriter) Name() string               { return "kafka:" + s.topic }

func (s *KafkaWriter) Write(ctx context.Context, e *v1.DataEvent) error {
	value, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafkaMessage(e, value))
}

func kafkaMessage(e *v1.DataEvent, value []byte) kafka.Message {
	headers := []kafka.Header{
		{Key: "pipeline_id", Value: []byte(e.PipelineID)},
		{Key: "event_id", Value: []byte(e.ID)},
		{Key: "operation", Value: []byte(e.Operation)},
		{Key: "source", Value: []byte(e.Source)},
		{Key: "attempt", Value: []byte(strconv.Itoa(e.ProcessingContext.Attempt))},
	}
	if e.SchemaID != "" {
		headers = append(headers,
			kafka.Header{Key: "schema_id", Value: []byte(e.SchemaID)},
			kafka.Header{Key: "schema_version", Value: []byte(strconv.Itoa(e.SchemaVersion))},
		)
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return kafka.Message{
		Key:     []byte(e.Key()),
		Value:   value,
		Headers: headers,
		Time:    ts,
	}
}
