package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"freightline/internal/domain"
	"freightline/internal/ledger"
)

const (
	keyNextID      = "next_id"
	contractPrefix = "contract/"
	apiKeyPrefix   = "apikey/"
)

// Repo maps contract records and the id counter onto ledger keys. Every write
// refreshes the key's retention window.
type Repo struct {
	Retention ledger.Retention
}

func New(retention ledger.Retention) Repo {
	return Repo{Retention: retention}
}

var ErrNotFound = domain.ErrNotFound

func ContractKey(id domain.ContractID) string {
	return contractPrefix + id.String()
}

func (r Repo) put(ctx context.Context, kv ledger.KV, key string, value []byte) error {
	if err := kv.Set(ctx, key, value); err != nil {
		return err
	}
	if err := kv.ExtendTTL(ctx, key, r.Retention.MinRemaining, r.Retention.ExtendTo); err != nil {
		return fmt.Errorf("extend retention of %s: %w", key, err)
	}
	return nil
}

// NextID advances the id counter and returns the new value. The first id is 1.
func (r Repo) NextID(ctx context.Context, kv ledger.KV) (domain.ContractID, error) {
	current := domain.ZeroContractID()
	raw, err := kv.Get(ctx, keyNextID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
	case err != nil:
		return domain.ContractID{}, fmt.Errorf("read id counter: %w", err)
	default:
		current, err = domain.ParseContractID(string(raw))
		if err != nil {
			return domain.ContractID{}, fmt.Errorf("corrupt id counter %q: %w", raw, err)
		}
	}
	if current.Equal(domain.MaxContractID) {
		return domain.ContractID{}, errors.New("contract id space exhausted")
	}
	next := current.AddUint64(1)
	if err := r.put(ctx, kv, keyNextID, []byte(next.String())); err != nil {
		return domain.ContractID{}, fmt.Errorf("write id counter: %w", err)
	}
	return next, nil
}

func (r Repo) LoadContract(ctx context.Context, kv ledger.KV, id domain.ContractID) (domain.FreightContract, error) {
	raw, err := kv.Get(ctx, ContractKey(id))
	if errors.Is(err, ledger.ErrNotFound) {
		return domain.FreightContract{}, fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.FreightContract{}, fmt.Errorf("load contract %s: %w", id, err)
	}
	var c domain.FreightContract
	if err := json.Unmarshal(raw, &c); err != nil {
		return domain.FreightContract{}, fmt.Errorf("decode contract %s: %w", id, err)
	}
	return c, nil
}

func (r Repo) SaveContract(ctx context.Context, kv ledger.KV, c domain.FreightContract) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode contract %s: %w", c.ID, err)
	}
	if err := r.put(ctx, kv, ContractKey(c.ID), data); err != nil {
		return fmt.Errorf("save contract %s: %w", c.ID, err)
	}
	return nil
}
