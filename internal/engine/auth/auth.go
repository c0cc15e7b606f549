package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"freightline/internal/domain"
)

// UnauthorizedError indicates the claimed party could not be verified for a call.
type UnauthorizedError struct {
	Party  domain.Party
	Reason string
	// Missing is set when the caller supplied no credential of the kind the
	// rejecting verifier checks.
	Missing bool
}

func (e UnauthorizedError) Error() string {
	if e.Party == "" {
		return fmt.Sprintf("unauthorized: %s", e.Reason)
	}
	return fmt.Sprintf("party %s unauthorized: %s", e.Party, e.Reason)
}

func (e UnauthorizedError) Is(target error) bool {
	return target == domain.ErrUnauthorized
}

// Call describes the invocation a party authorizes. Args carries the
// decimal or textual form of every argument so a signature binds them.
type Call struct {
	Op         string            `json:"op"`
	ContractID string            `json:"contract_id,omitempty"`
	Args       map[string]string `json:"args,omitempty"`
}

// Verifier confirms that party authorized call.
type Verifier interface {
	Authorize(ctx context.Context, party domain.Party, call Call) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, party domain.Party, call Call) error

func (f VerifierFunc) Authorize(ctx context.Context, party domain.Party, call Call) error {
	return f(ctx, party, call)
}

// AllowAll accepts every non-empty party.
type AllowAll struct{}

func (AllowAll) Authorize(_ context.Context, party domain.Party, _ Call) error {
	if party == "" {
		return UnauthorizedError{Reason: "party required"}
	}
	return nil
}

// Principal is the identity an outer transport already authenticated.
type Principal struct {
	Party  domain.Party
	Source string
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.Party != ""
}

// PrincipalVerifier accepts a call when the authenticated principal is the
// claimed party.
type PrincipalVerifier struct{}

func (PrincipalVerifier) Authorize(ctx context.Context, party domain.Party, _ Call) error {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return UnauthorizedError{Party: party, Reason: "authentication required", Missing: true}
	}
	if p.Party != party {
		return UnauthorizedError{Party: party, Reason: fmt.Sprintf("authenticated as %s", p.Party)}
	}
	return nil
}

// Credential is a detached signature over a call.
type Credential struct {
	Signature string `json:"signature"`
	IssuedAt  string `json:"issued_at"`
}

type credentialKey struct{}

func WithCredential(ctx context.Context, c Credential) context.Context {
	return context.WithValue(ctx, credentialKey{}, c)
}

func CredentialFrom(ctx context.Context) (Credential, bool) {
	c, ok := ctx.Value(credentialKey{}).(Credential)
	return c, ok
}

// SignatureID identifies the signature carried in ctx: the hex sha256 of
// the decoded signature bytes, or of the raw text when it does not decode.
// A store records it so one signature authorizes a single call.
func SignatureID(ctx context.Context) (string, bool) {
	cred, ok := CredentialFrom(ctx)
	if !ok || strings.TrimSpace(cred.Signature) == "" {
		return "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(cred.Signature))
	if err != nil {
		raw = []byte(cred.Signature)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), true
}

const signatureVersion = "fl-sig-v1"

type signedPayload struct {
	Version  string       `json:"version"`
	Party    domain.Party `json:"party"`
	Call     Call         `json:"call"`
	IssuedAt string       `json:"issued_at"`
}

// Digest is the sha256 of the JSON encoding of the signed payload.
func Digest(party domain.Party, call Call, issuedAt string) ([]byte, error) {
	b, err := json.Marshal(signedPayload{Version: signatureVersion, Party: party, Call: call, IssuedAt: issuedAt})
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}

// PartyOf returns the party handle of an ed25519 public key.
func PartyOf(pub ed25519.PublicKey) domain.Party {
	return domain.Party(base64.StdEncoding.EncodeToString(pub))
}

func publicKeyOf(party domain.Party) (ed25519.PublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(party)))
	if err != nil {
		return nil, errors.New("party is not a base64 public key")
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}

// Sign produces the credential authorizing call for the key's party.
func Sign(priv ed25519.PrivateKey, call Call, issuedAt time.Time) (Credential, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return Credential{}, errors.New("invalid ed25519 private key")
	}
	ts := issuedAt.UTC().Format(time.RFC3339Nano)
	digest, err := Digest(PartyOf(pub), call, ts)
	if err != nil {
		return Credential{}, err
	}
	return Credential{
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(priv, digest)),
		IssuedAt:  ts,
	}, nil
}

// Ed25519Verifier checks the credential carried in the context against the
// claimed party's public key.
type Ed25519Verifier struct {
	// MaxSkew bounds how far IssuedAt may be from Now. Zero disables the check.
	MaxSkew time.Duration
	Now     func() time.Time
}

func (v Ed25519Verifier) Authorize(ctx context.Context, party domain.Party, call Call) error {
	cred, ok := CredentialFrom(ctx)
	if !ok || cred.Signature == "" {
		return UnauthorizedError{Party: party, Reason: "signature required", Missing: true}
	}
	pub, err := publicKeyOf(party)
	if err != nil {
		return UnauthorizedError{Party: party, Reason: err.Error()}
	}
	issuedAt, err := time.Parse(time.RFC3339Nano, cred.IssuedAt)
	if err != nil {
		return UnauthorizedError{Party: party, Reason: "invalid issued_at"}
	}
	if v.MaxSkew > 0 {
		now := time.Now()
		if v.Now != nil {
			now = v.Now()
		}
		skew := now.Sub(issuedAt)
		if skew < 0 {
			skew = -skew
		}
		if skew > v.MaxSkew {
			return UnauthorizedError{Party: party, Reason: "signature expired"}
		}
	}
	sig, err := base64.StdEncoding.DecodeString(cred.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return UnauthorizedError{Party: party, Reason: "invalid signature encoding"}
	}
	digest, err := Digest(party, call, cred.IssuedAt)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, digest, sig) {
		return UnauthorizedError{Party: party, Reason: "invalid signature"}
	}
	return nil
}

// AnyOf accepts a call when one of the verifiers does. Otherwise it returns
// the first rejection of a credential the caller actually presented, or the
// first rejection when none was presented.
func AnyOf(verifiers ...Verifier) Verifier {
	return VerifierFunc(func(ctx context.Context, party domain.Party, call Call) error {
		var first, presented error
		for _, v := range verifiers {
			err := v.Authorize(ctx, party, call)
			if err == nil {
				return nil
			}
			if first == nil {
				first = err
			}
			var ue UnauthorizedError
			if presented == nil && (!errors.As(err, &ue) || !ue.Missing) {
				presented = err
			}
		}
		switch {
		case presented != nil:
			return presented
		case first != nil:
			return first
		}
		return UnauthorizedError{Party: party, Reason: "no verifier configured"}
	})
}
