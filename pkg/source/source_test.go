package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
)

// collector gathers emitted events and can cancel the run after n of them.
type collector struct {
	mu     sync.Mutex
	events []*v1.DataEvent
	limit  int
	cancel context.CancelFunc
}

func (c *collector) emit(ctx context.Context, e *v1.DataEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.events = append(c.events, e)
	n := len(c.events)
	c.mu.Unlock()
	if c.limit > 0 && n >= c.limit && c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileSourceResumesAfterPause(t *testing.T) {
	path := writeFile(t, "leads.jsonl", `{"lead_id":"a","phone":"138","op":"insert"}
{"lead_id":"b","phone":"139","op":"update"}

not json
{"lead_id":"d","phone":"137","op":"d"}
`)
	conn, err := Build(v1.SourceSpec{Type: v1.SourceFile, Config: map[string]any{
		"path": path, "id_field": "lead_id", "key_field": "phone", "operation_field": "op",
	}}, "p1", nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, conn.Open(context.Background()))
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := &collector{limit: 2, cancel: cancel}
	require.NoError(t, conn.Run(ctx, c.emit))
	require.Equal(t, 2, c.len())

	c.limit = 0
	require.NoError(t, conn.Run(context.Background(), c.emit))
	require.Equal(t, 4, c.len(), "resume continues after the last emitted record")

	first := c.events[0]
	assert.Equal(t, "a", first.ID)
	assert.Equal(t, "p1", first.PipelineID)
	assert.Equal(t, "138", first.PartitionKey)
	assert.Equal(t, v1.OpCreate, first.Operation)
	assert.Equal(t, "file", first.Source)
	assert.Equal(t, v1.OpUpdate, c.events[1].Operation)
	assert.Contains(t, c.events[2].Payload, "_raw")
	assert.NotEmpty(t, c.events[2].ID)
	assert.Equal(t, v1.OpDelete, c.events[3].Operation)
	assert.Equal(t, "3", c.events[3].Metadata["offset"])
}

func TestFileSourceCSVAndJSON(t *testing.T) {
	csvPath := writeFile(t, "contacts.csv", "name;phone\nLi;138\nWang;139\n")
	src, err := NewFileSource(map[string]any{"path": csvPath, "csv_delimiter": ";"}, newEventBuilder("p1", "file", nil), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, src.Open(context.Background()))
	c := &collector{}
	require.NoError(t, src.Run(context.Background(), c.emit))
	require.Equal(t, 2, c.len())
	assert.Equal(t, map[string]any{"name": "Wang", "phone": "139"}, c.events[1].Payload)

	jsonPath := writeFile(t, "batch.json", `[{"n":1},{"n":2},{"n":3}]`)
	src, err = NewFileSource(map[string]any{"path": jsonPath}, newEventBuilder("p1", "file", nil), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, src.Open(context.Background()))
	c = &collector{}
	require.NoError(t, src.Run(context.Background(), c.emit))
	assert.Equal(t, 3, c.len())
}

func TestFileSourceOpenErrors(t *testing.T) {
	_, err := NewFileSource(map[string]any{}, eventBuilder{}, zap.NewNop())
	assert.ErrorContains(t, err, "config.path")

	src, err := NewFileSource(map[string]any{"path": filepath.Join(t.TempDir(), "*.jsonl")}, eventBuilder{}, zap.NewNop())
	require.NoError(t, err)
	assert.ErrorContains(t, src.Open(context.Background()), "no files matched")
}

func TestHTTPPollSource(t *testing.T) {
	var (
		mu     sync.Mutex
		sinces []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mu.Lock()
		sinces = append(sinces, r.URL.Query().Get("updated_after"))
		mu.Unlock()
		_, _ = w.Write([]byte(`{"data":{"items":[
			{"id":"1","updated_at":"2024-05-01T08:00:00Z"},
			{"id":"2","updated_at":"2024-05-01T09:00:00Z"}
		]}}`))
	}))
	defer srv.Close()

	src, err := NewHTTPPollSource(map[string]any{
		"url":           srv.URL + "/contacts",
		"auth_type":     "bearer",
		"auth_token":    "tok",
		"data_path":     "data.items",
		"poll_interval": "0s",
		"since_param":   "updated_after",
		"since_path":    "updated_at",
		"id_field":      "id",
	}, nil, newEventBuilder("p1", "http_poll", map[string]any{"id_field": "id"}), zap.NewNop())
	require.NoError(t, err)

	c := &collector{}
	require.NoError(t, src.Run(context.Background(), c.emit))
	require.NoError(t, src.Run(context.Background(), c.emit))

	require.Equal(t, 4, c.len())
	assert.Equal(t, "1", c.events[0].ID)
	assert.Equal(t, "http:"+srv.Listener.Addr().String(), c.events[0].Source)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"", "2024-05-01T09:00:00Z"}, sinces)
}

func TestHTTPPollSourceGivesUpAfterFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	src, err := NewHTTPPollSource(map[string]any{
		"url": srv.URL, "poll_interval": 1, "max_failures": 2, "rate_limit_rps": 1000,
	}, nil, newEventBuilder("p1", "http_poll", nil), zap.NewNop())
	require.NoError(t, err)

	err = src.Run(context.Background(), (&collector{}).emit)
	assert.ErrorContains(t, err, "3 consecutive failures")
	assert.ErrorContains(t, err, "http 502")
}

func TestHTTPPollParseShapes(t *testing.T) {
	src := &HTTPPollSource{responseType: "jsonl"}
	recs, err := src.parse([]byte("{\"a\":1}\n\n{\"a\":2}\n"))
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	src = &HTTPPollSource{responseType: "json"}
	recs, err = src.parse([]byte(`[{"a":1},"skip",{"a":2}]`))
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = src.parse([]byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	src.dataPath = "missing.path"
	recs, err = src.parse([]byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = src.parse([]byte(`42`))
	assert.Error(t, err)
}

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.queue) > 0 {
		msg := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		return msg, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error { return nil }

func TestKafkaSourceRunCommitsAfterEmit(t *testing.T) {
	src, err := NewKafkaSource(map[string]any{"topic": "crm.contacts", "brokers": "b:9092", "envelope": "debezium"},
		"p1", nil, newEventBuilder("p1", "kafka", nil), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "schemaflow-p1", src.group)

	ts := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	reader := &fakeReader{queue: []kafka.Message{
		{Topic: "crm.contacts", Partition: 1, Offset: 10, Key: []byte("138"), Time: ts,
			Value: []byte(`{"payload":{"op":"c","after":{"name":"Li"}}}`)},
		{Topic: "crm.contacts", Partition: 1, Offset: 11,
			Value: []byte(`{"op":"d","before":{"name":"Wang"},"after":null}`)},
		{Topic: "crm.contacts", Partition: 1, Offset: 12, Value: []byte(`{"name":"Zhao"}`),
			Headers: []kafka.Header{{Key: "operation", Value: []byte("update")}}},
	}}
	src.reader = reader

	ctx, cancel := context.WithCancel(context.Background())
	c := &collector{limit: 3, cancel: cancel}
	require.NoError(t, src.Run(ctx, c.emit))

	require.Equal(t, 3, c.len())
	assert.Equal(t, map[string]any{"name": "Li"}, c.events[0].Payload)
	assert.Equal(t, v1.OpCreate, c.events[0].Operation)
	assert.Equal(t, "138", c.events[0].PartitionKey)
	assert.Equal(t, ts, c.events[0].Timestamp)
	assert.Equal(t, "kafka:crm.contacts", c.events[0].Source)
	assert.Equal(t, "10", c.events[0].Metadata["offset"])

	assert.Equal(t, map[string]any{"name": "Wang"}, c.events[1].Payload)
	assert.Equal(t, v1.OpDelete, c.events[1].Operation)
	assert.Equal(t, v1.OpUpdate, c.events[2].Operation)

	// the third message was emitted as the run was cancelled, so it is not committed
	assert.Equal(t, []int64{10, 11}, reader.committed)
}

func TestPostgresCDCQuery(t *testing.T) {
	src, err := NewPostgresCDCSource(map[string]any{
		"dsn": "postgres://u@h/db", "table": "contact_changes", "cursor_column": "change_id",
		"operation_column": "op", "batch_size": 100,
	}, nil, newEventBuilder("p1", "postgres_cdc", nil), zap.NewNop())
	require.NoError(t, err)

	q, args := src.batchQuery()
	assert.Equal(t, `SELECT * FROM "public"."contact_changes" ORDER BY "change_id" LIMIT 100`, q)
	assert.Nil(t, args)

	src.cursor = int64(41)
	q, args = src.batchQuery()
	assert.Equal(t, `SELECT * FROM "public"."contact_changes" WHERE "change_id" > $1 ORDER BY "change_id" LIMIT 100`, q)
	assert.Equal(t, []any{int64(41)}, args)

	rec := map[string]any{"change_id": int64(42), "op": "DELETE", "name": "Li"}
	op, cursor := src.splitRow(rec)
	assert.Equal(t, v1.OpDelete, op)
	assert.Equal(t, "42", cursor)
	assert.NotContains(t, rec, "op")

	_, err = NewPostgresCDCSource(map[string]any{"table": "t"}, nil, eventBuilder{}, zap.NewNop())
	assert.ErrorContains(t, err, "config.dsn")
}

func TestConvertPgValue(t *testing.T) {
	assert.Equal(t, "2024-05-01T08:00:00Z", convertPgValue(time.Date(2024, 5, 1, 16, 0, 0, 0, time.FixedZone("CST", 8*3600))))
	assert.Equal(t, map[string]any{"a": float64(1)}, convertPgValue([]byte(`{"a":1}`)))
	assert.Equal(t, "plain", convertPgValue([]byte("plain")))
	assert.Equal(t, int64(7), convertPgValue(int32(7)))
	assert.Nil(t, convertPgValue(nil))
}

func TestBuildAndManual(t *testing.T) {
	_, err := Build(v1.SourceSpec{Type: "smtp"}, "p1", nil, nil)
	assert.ErrorContains(t, err, "unsupported source type")

	conn, err := Build(v1.SourceSpec{Type: v1.SourceManual}, "p1", nil, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.NoError(t, conn.Run(ctx, nil))
	assert.Equal(t, "manual", conn.Name())
}

func TestParseOperation(t *testing.T) {
	for in, want := range map[string]v1.Operation{
		"INSERT": v1.OpCreate, "c": v1.OpCreate, "Update": v1.OpUpdate, "u": v1.OpUpdate, "delete": v1.OpDelete,
	} {
		got, ok := ParseOperation(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseOperation("truncate")
	assert.False(t, ok)
}
