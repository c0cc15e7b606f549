package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freightline/internal/db"
	"freightline/internal/ledger"
	"freightline/internal/migrate"
)

type fakeNow struct{ v uint64 }

func (f *fakeNow) now() uint64 { return f.v }

type storeCase struct {
	name      string
	store     ledger.Store
	clock     *fakeNow
	liveUntil func(key string) (uint64, bool)
}

func storeCases(t *testing.T) []storeCase {
	t.Helper()
	memClock := &fakeNow{v: 1000}
	mem := ledger.NewMemoryStore()
	mem.Now = memClock.now

	sqlClock := &fakeNow{v: 1000}
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	_, err = migrate.Migrate(context.Background(), conn, db.DriverSQLite)
	require.NoError(t, err)
	sqlStore := ledger.NewSQLStore(conn, db.DriverSQLite, sqlClock.now)
	t.Cleanup(func() { sqlStore.Close() })

	return []storeCase{
		{name: "memory", store: mem, clock: memClock, liveUntil: mem.LiveUntil},
		{name: "sqlite", store: sqlStore, clock: sqlClock, liveUntil: func(key string) (uint64, bool) {
			v, err := sqlStore.LiveUntil(context.Background(), key)
			return v, err == nil
		}},
	}
}

func TestStoreSetGet(t *testing.T) {
	for _, tc := range storeCases(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			err := tc.store.Update(ctx, func(ctx context.Context, kv ledger.KV) error {
				_, err := kv.Get(ctx, "a")
				assert.ErrorIs(t, err, ledger.ErrNotFound)
				if err := kv.Set(ctx, "a", []byte("one")); err != nil {
					return err
				}
				got, err := kv.Get(ctx, "a")
				require.NoError(t, err)
				assert.Equal(t, "one", string(got))
				return kv.Set(ctx, "a", []byte("two"))
			})
			require.NoError(t, err)

			err = tc.store.View(ctx, func(ctx context.Context, kv ledger.KV) error {
				got, err := kv.Get(ctx, "a")
				require.NoError(t, err)
				assert.Equal(t, "two", string(got))
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestStoreUpdateRollsBackOnError(t *testing.T) {
	boom := errors.New("boom")
	for _, tc := range storeCases(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, tc.store.Update(ctx, func(ctx context.Context, kv ledger.KV) error {
				return kv.Set(ctx, "k", []byte("kept"))
			}))
			err := tc.store.Update(ctx, func(ctx context.Context, kv ledger.KV) error {
				if err := kv.Set(ctx, "k", []byte("lost")); err != nil {
					return err
				}
				if err := kv.Set(ctx, "other", []byte("lost")); err != nil {
					return err
				}
				return boom
			})
			assert.ErrorIs(t, err, boom)

			require.NoError(t, tc.store.View(ctx, func(ctx context.Context, kv ledger.KV) error {
				got, err := kv.Get(ctx, "k")
				require.NoError(t, err)
				assert.Equal(t, "kept", string(got))
				_, err = kv.Get(ctx, "other")
				assert.ErrorIs(t, err, ledger.ErrNotFound)
				return nil
			}))
		})
	}
}

func TestStoreViewIsReadOnly(t *testing.T) {
	for _, tc := range storeCases(t) {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.store.View(context.Background(), func(ctx context.Context, kv ledger.KV) error {
				return kv.Set(ctx, "x", []byte("y"))
			})
			assert.Error(t, err)
		})
	}
}

func TestStoreExtendTTL(t *testing.T) {
	r := ledger.DefaultRetention()
	for _, tc := range storeCases(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			write := func() {
				require.NoError(t, tc.store.Update(ctx, func(ctx context.Context, kv ledger.KV) error {
					if err := kv.Set(ctx, "c", []byte("v")); err != nil {
						return err
					}
					return kv.ExtendTTL(ctx, "c", r.MinRemaining, r.ExtendTo)
				}))
			}
			write()
			lu, ok := tc.liveUntil("c")
			require.True(t, ok)
			assert.Equal(t, uint64(1200), lu)

			// plenty of window left: unchanged
			tc.clock.v = 1100
			write()
			lu, _ = tc.liveUntil("c")
			assert.Equal(t, uint64(1200), lu)

			// below the threshold: extended from now
			tc.clock.v = 1160
			write()
			lu, _ = tc.liveUntil("c")
			assert.Equal(t, uint64(1360), lu)

			// expired marks never delete the value
			tc.clock.v = 5000
			require.NoError(t, tc.store.View(ctx, func(ctx context.Context, kv ledger.KV) error {
				_, err := kv.Get(ctx, "c")
				return err
			}))

			err := tc.store.Update(ctx, func(ctx context.Context, kv ledger.KV) error {
				return kv.ExtendTTL(ctx, "missing", r.MinRemaining, r.ExtendTo)
			})
			assert.ErrorIs(t, err, ledger.ErrNotFound)
		})
	}
}

func TestSQLStoreExposesTxToCollaborators(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	_, err = migrate.Migrate(context.Background(), conn, db.DriverSQLite)
	require.NoError(t, err)
	store := ledger.NewSQLStore(conn, db.DriverSQLite, nil)
	defer store.Close()

	_, ok := ledger.TxFromContext(context.Background())
	assert.False(t, ok)
	require.NoError(t, store.Update(context.Background(), func(ctx context.Context, kv ledger.KV) error {
		tx, ok := ledger.TxFromContext(ctx)
		require.True(t, ok)
		var n int
		return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries`).Scan(&n)
	}))
}

func TestMemoryStoreKeys(t *testing.T) {
	s := ledger.NewMemoryStore()
	require.NoError(t, s.Update(context.Background(), func(ctx context.Context, kv ledger.KV) error {
		for _, k := range []string{"contract/2", "next_id", "contract/1"} {
			if err := kv.Set(ctx, k, []byte("x")); err != nil {
				return err
			}
		}
		return nil
	}))
	assert.Equal(t, []string{"contract/1", "contract/2"}, s.Keys("contract/"))
}
