package repo

import (
	"context"
	"errors"
	"fmt"

	"freightline/internal/ledger"
)

const signaturePrefix = "sig/"

var ErrSignatureUsed = errors.New("signature already used")

func SignatureKey(id string) string {
	return signaturePrefix + id
}

// ClaimSignature records a call signature inside the caller's update. It
// fails with ErrSignatureUsed when the signature was recorded before. The
// record is kept for at least window ledger intervals, which must cover the
// span in which the signature would still verify.
func (r Repo) ClaimSignature(ctx context.Context, kv ledger.KV, id string, window uint32) error {
	if id == "" {
		return errors.New("signature id required")
	}
	key := SignatureKey(id)
	_, err := kv.Get(ctx, key)
	switch {
	case err == nil:
		return ErrSignatureUsed
	case !errors.Is(err, ledger.ErrNotFound):
		return fmt.Errorf("read %s: %w", key, err)
	}
	if err := kv.Set(ctx, key, []byte("1")); err != nil {
		return fmt.Errorf("record signature: %w", err)
	}
	extendTo := r.Retention.ExtendTo
	if window > extendTo {
		extendTo = window
	}
	if err := kv.ExtendTTL(ctx, key, extendTo, extendTo); err != nil {
		return fmt.Errorf("extend retention of %s: %w", key, err)
	}
	return nil
}
