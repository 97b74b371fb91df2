package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTest(t)

	require.NoError(t, s.Put("pipeline/a", record{Name: "a", Count: 1}))

	var got record
	require.NoError(t, s.Get("pipeline/a", &got))
	assert.Equal(t, record{Name: "a", Count: 1}, got)

	require.NoError(t, s.Delete("pipeline/a"))
	assert.ErrorIs(t, s.Get("pipeline/a", &got), ErrNotFound)
	assert.NoError(t, s.Delete("pipeline/missing"))
}

func TestScanPrefix(t *testing.T) {
	s := openTest(t)

	require.NoError(t, s.Put("dlq/p1/e2", record{Name: "e2"}))
	require.NoError(t, s.Put("dlq/p1/e1", record{Name: "e1"}))
	require.NoError(t, s.Put("dlq/p2/e3", record{Name: "e3"}))
	require.NoError(t, s.Put("schema/x", record{Name: "x"}))

	var names []string
	err := s.Scan("dlq/p1/", func(key string, value []byte) error {
		var r record
		if err := Decode(value, &r); err != nil {
			return err
		}
		names = append(names, r.Name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, names)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Options{})
	assert.Error(t, err)
}
