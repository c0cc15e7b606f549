package repo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"freightline/internal/domain"
	"freightline/internal/ledger"
)

var ErrAPIKeyNotFound = errors.New("api key not found")

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// PutAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (r Repo) PutAPIKey(ctx context.Context, kv ledger.KV, key domain.APIKey) error {
	if key.Party == "" {
		return errors.New("party required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(key)
	if err != nil {
		return err
	}
	return r.put(ctx, kv, apiKeyPrefix+key.KeyHash, data)
}

// APIKeyByHash returns an API key by its hashed value.
func (r Repo) APIKeyByHash(ctx context.Context, kv ledger.KV, hash string) (domain.APIKey, error) {
	raw, err := kv.Get(ctx, apiKeyPrefix+hash)
	if errors.Is(err, ledger.ErrNotFound) {
		return domain.APIKey{}, ErrAPIKeyNotFound
	}
	if err != nil {
		return domain.APIKey{}, err
	}
	var key domain.APIKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return domain.APIKey{}, fmt.Errorf("decode api key: %w", err)
	}
	return key, nil
}

// PartyForAPIKey resolves a raw API key to the party it authenticates.
func (r Repo) PartyForAPIKey(ctx context.Context, kv ledger.KV, raw string) (domain.Party, error) {
	if strings.TrimSpace(raw) == "" {
		return "", ErrAPIKeyNotFound
	}
	key, err := r.APIKeyByHash(ctx, kv, HashAPIKey(raw))
	if err != nil {
		return "", err
	}
	return key.Party, nil
}
