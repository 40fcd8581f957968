package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleDoc struct {
	Tier    string   `json:"tier"`
	History []string `json:"history"`
}

func TestMemoryGetPut(t *testing.T) {
	ctx := context.Background()
	var events []string
	st := NewMemory(func(event string, _ map[string]interface{}) {
		events = append(events, event)
	})

	var got sampleDoc
	err := st.Get(ctx, KeyBreakerState, &got)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.Put(ctx, KeyBreakerState, sampleDoc{Tier: "HALT", History: []string{"a"}}))
	require.NoError(t, st.Get(ctx, KeyBreakerState, &got))
	assert.Equal(t, "HALT", got.Tier)
	assert.Equal(t, []string{"a"}, got.History)
	assert.Equal(t, []string{"put"}, events)
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	st := NewMemory(nil)
	doc := sampleDoc{History: []string{"a"}}
	require.NoError(t, st.Put(ctx, "k", doc))
	doc.History[0] = "mutated"

	var got sampleDoc
	require.NoError(t, st.Get(ctx, "k", &got))
	assert.Equal(t, "a", got.History[0])
}

func TestMemoryFailureInjection(t *testing.T) {
	ctx := context.Background()
	st := NewMemory(nil)
	outage := errors.New("store unreachable")
	st.SetFailure(outage)

	assert.ErrorIs(t, st.Put(ctx, "k", sampleDoc{}), outage)
	var got sampleDoc
	assert.ErrorIs(t, st.Get(ctx, "k", &got), outage)

	st.SetFailure(nil)
	assert.NoError(t, st.Put(ctx, "k", sampleDoc{}))
}

func TestInvalidKeys(t *testing.T) {
	ctx := context.Background()
	st := NewMemory(nil)
	for _, key := range []string{"", "  ", "../etc/passwd", "a\\b"} {
		assert.ErrorIs(t, st.Put(ctx, key, sampleDoc{}), ErrInvalidKey, key)
	}
}

func TestFileStoreRoundTripAndBackup(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := NewFile(dir, nil)
	require.NoError(t, err)

	key := CircuitKey("primary")
	require.NoError(t, st.Put(ctx, key, sampleDoc{Tier: "WARNING"}))
	assert.FileExists(t, st.Path(key))
	assert.Contains(t, st.Path(key), "circuit__primary.json")

	var got sampleDoc
	require.NoError(t, st.Get(ctx, key, &got))
	assert.Equal(t, "WARNING", got.Tier)

	// 主文件损坏后从 .bak 恢复
	require.NoError(t, os.WriteFile(st.Path(key), []byte("{broken"), 0o600))
	got = sampleDoc{}
	require.NoError(t, st.Get(ctx, key, &got))
	assert.Equal(t, "WARNING", got.Tier)
}

func TestFileStoreMissingRecord(t *testing.T) {
	st, err := NewFile(t.TempDir(), nil)
	require.NoError(t, err)
	var got sampleDoc
	assert.ErrorIs(t, st.Get(context.Background(), KeyKillSwitchState, &got), ErrNotFound)
}

func TestFileStoreHonoursCancelledContext(t *testing.T) {
	st, err := NewFile(t.TempDir(), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, st.Put(ctx, "k", sampleDoc{}), context.Canceled)
}

func TestAppendCapped(t *testing.T) {
	var list []int
	for i := 0; i < 150; i++ {
		list = AppendCapped(list, i, HistoryLimit)
	}
	require.Len(t, list, HistoryLimit)
	assert.Equal(t, 50, list[0])
	assert.Equal(t, 149, list[len(list)-1])

	unbounded := AppendCapped([]int{1}, 2, 0)
	assert.Equal(t, []int{1, 2}, unbounded)
}
