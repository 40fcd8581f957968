package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"tradeguard/internal/store"
)

// setupTestDB starts a PostgreSQL container and returns a connected pool.
func setupTestDB(t *testing.T) *Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err, "failed to create pool")
	t.Cleanup(pool.Close)
	return pool
}

type breakerDoc struct {
	Tier   string `json:"tier"`
	Halted bool   `json:"halted"`
}

func TestRecordStore_UpsertAndGet(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	st, err := NewRecordStore(ctx, pool)
	require.NoError(t, err)

	var doc breakerDoc
	assert.ErrorIs(t, st.Get(ctx, store.KeyBreakerState, &doc), store.ErrNotFound)

	require.NoError(t, st.Put(ctx, store.KeyBreakerState, breakerDoc{Tier: "HALT", Halted: true}))
	require.NoError(t, st.Put(ctx, store.KeyBreakerState, breakerDoc{Tier: "CRITICAL"}))

	require.NoError(t, st.Get(ctx, store.KeyBreakerState, &doc))
	assert.Equal(t, "CRITICAL", doc.Tier)
	assert.False(t, doc.Halted)
}

func TestRecordStore_IndependentKeys(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	st, err := NewRecordStore(ctx, pool)
	require.NoError(t, err)
	// second migration must be a no-op
	_, err = NewRecordStore(ctx, pool)
	require.NoError(t, err)

	require.NoError(t, st.Put(ctx, store.CircuitKey("primary"), breakerDoc{Tier: "open"}))
	require.NoError(t, st.Put(ctx, store.CircuitKey("secondary"), breakerDoc{Tier: "closed"}))

	var primary, secondary breakerDoc
	require.NoError(t, st.Get(ctx, store.CircuitKey("primary"), &primary))
	require.NoError(t, st.Get(ctx, store.CircuitKey("secondary"), &secondary))
	assert.Equal(t, "open", primary.Tier)
	assert.Equal(t, "closed", secondary.Tier)
}

func TestRecordStore_RejectsEmptyKey(t *testing.T) {
	st := &RecordStore{}
	assert.ErrorIs(t, st.Put(context.Background(), "", breakerDoc{}), store.ErrInvalidKey)
	var doc breakerDoc
	assert.ErrorIs(t, st.Get(context.Background(), "", &doc), store.ErrInvalidKey)
}
