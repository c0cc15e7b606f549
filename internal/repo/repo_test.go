package repo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freightline/internal/domain"
	"freightline/internal/ledger"
)

func newStore() *ledger.MemoryStore {
	s := ledger.NewMemoryStore()
	s.Now = func() uint64 { return 100 }
	return s
}

func TestNextIDStartsAtOneAndIncrements(t *testing.T) {
	s := newStore()
	r := New(ledger.DefaultRetention())
	var ids []domain.ContractID
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Update(context.Background(), func(ctx context.Context, kv ledger.KV) error {
			id, err := r.NextID(ctx, kv)
			ids = append(ids, id)
			return err
		}))
	}
	for i, id := range ids {
		assert.True(t, id.Equal(domain.NewContractID(uint64(i+1))), "id %d = %s", i, id)
	}
	lu, ok := s.LiveUntil("next_id")
	require.True(t, ok)
	assert.Equal(t, uint64(300), lu)
}

func TestNextIDIsNotConsumedOnRollback(t *testing.T) {
	s := newStore()
	r := New(ledger.DefaultRetention())
	_ = s.Update(context.Background(), func(ctx context.Context, kv ledger.KV) error {
		if _, err := r.NextID(ctx, kv); err != nil {
			return err
		}
		return assert.AnError
	})
	require.NoError(t, s.Update(context.Background(), func(ctx context.Context, kv ledger.KV) error {
		id, err := r.NextID(ctx, kv)
		assert.True(t, id.Equal(domain.NewContractID(1)))
		return err
	}))
}

func TestLoadMissingContract(t *testing.T) {
	s := newStore()
	r := New(ledger.DefaultRetention())
	err := s.View(context.Background(), func(ctx context.Context, kv ledger.KV) error {
		_, err := r.LoadContract(ctx, kv, domain.NewContractID(9))
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSaveLoadContract(t *testing.T) {
	s := newStore()
	r := New(ledger.DefaultRetention())
	c := domain.FreightContract{
		ID:           domain.NewContractID(4),
		Shipper:      "S",
		Carrier:      "C",
		Price:        domain.NewAmount(1000),
		ComputedCost: domain.ZeroAmount(),
		LastPaid:     domain.ZeroAmount(),
		Status:       domain.StatusDelivered,
	}
	require.NoError(t, s.Update(context.Background(), func(ctx context.Context, kv ledger.KV) error {
		return r.SaveContract(ctx, kv, c)
	}))
	var got domain.FreightContract
	require.NoError(t, s.View(context.Background(), func(ctx context.Context, kv ledger.KV) error {
		var err error
		got, err = r.LoadContract(ctx, kv, c.ID)
		return err
	}))
	assert.Equal(t, domain.StatusDelivered, got.Status)
	assert.True(t, got.Price.Equal(c.Price))
	_, ok := s.LiveUntil(ContractKey(c.ID))
	assert.True(t, ok)
}

func TestAPIKeys(t *testing.T) {
	s := newStore()
	r := New(ledger.DefaultRetention())
	require.NoError(t, s.Update(context.Background(), func(ctx context.Context, kv ledger.KV) error {
		return r.PutAPIKey(ctx, kv, domain.APIKey{Name: "ops", Party: "shipper-1", KeyHash: HashAPIKey("secret")})
	}))
	require.NoError(t, s.View(context.Background(), func(ctx context.Context, kv ledger.KV) error {
		party, err := r.PartyForAPIKey(ctx, kv, " secret ")
		require.NoError(t, err)
		assert.Equal(t, domain.Party("shipper-1"), party)
		_, err = r.PartyForAPIKey(ctx, kv, "other")
		assert.ErrorIs(t, err, ErrAPIKeyNotFound)
		return nil
	}))

	err := s.Update(context.Background(), func(ctx context.Context, kv ledger.KV) error {
		return r.PutAPIKey(ctx, kv, domain.APIKey{KeyHash: "x"})
	})
	assert.Error(t, err)
}

func TestClaimSignatureOnce(t *testing.T) {
	s := newStore()
	r := New(ledger.DefaultRetention())
	claim := func(window uint32) error {
		return s.Update(context.Background(), func(ctx context.Context, kv ledger.KV) error {
			return r.ClaimSignature(ctx, kv, "abc", window)
		})
	}
	require.NoError(t, claim(500))
	assert.ErrorIs(t, claim(500), ErrSignatureUsed)

	lu, ok := s.LiveUntil(SignatureKey("abc"))
	require.True(t, ok)
	assert.Equal(t, uint64(600), lu)
}

func TestClaimSignatureRolledBack(t *testing.T) {
	s := newStore()
	r := New(ledger.DefaultRetention())
	_ = s.Update(context.Background(), func(ctx context.Context, kv ledger.KV) error {
		if err := r.ClaimSignature(ctx, kv, "abc", 0); err != nil {
			return err
		}
		return assert.AnError
	})
	require.NoError(t, s.Update(context.Background(), func(ctx context.Context, kv ledger.KV) error {
		return r.ClaimSignature(ctx, kv, "abc", 0)
	}))
}
