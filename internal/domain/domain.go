package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Party is an opaque identity handle. For signed calls it is the
// base64-encoded ed25519 public key of the signer.
type Party string

func (p Party) String() string { return string(p) }

// Status is the lifecycle field of a FreightContract.
type Status uint8

const (
	StatusDraft Status = iota
	StatusActive
	StatusInTransit
	StatusDelivered
	StatusSettled
)

var statusNames = [...]string{
	StatusDraft:     "Draft",
	StatusActive:    "Active",
	StatusInTransit: "InTransit",
	StatusDelivered: "Delivered",
	StatusSettled:   "Settled",
}

func (s Status) String() string {
	if s.Valid() {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusInTransit, StatusDelivered, StatusSettled:
		return true
	}
	return false
}

// Next returns the only status s may advance to. Settled is terminal.
func (s Status) Next() (Status, bool) {
	switch s {
	case StatusDraft:
		return StatusActive, true
	case StatusActive:
		return StatusInTransit, true
	case StatusInTransit:
		return StatusDelivered, true
	case StatusDelivered:
		return StatusSettled, true
	case StatusSettled:
		return s, false
	}
	return s, false
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", uint8(s))
	}
	return []byte(statusNames[s]), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus accepts the canonical names case-insensitively.
func ParseStatus(v string) (Status, error) {
	for i, name := range statusNames {
		if strings.EqualFold(name, strings.TrimSpace(v)) {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, v)
}

// Hash is a 32-byte content digest, hex encoded in text form.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(b []byte) error {
	parsed, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 64 character hex digest. An empty string is the zero hash.
func ParseHash(v string) (Hash, error) {
	var h Hash
	v = strings.TrimPrefix(strings.TrimSpace(v), "0x")
	if v == "" {
		return h, nil
	}
	b, err := hex.DecodeString(v)
	if err != nil {
		return h, fmt.Errorf("%w: doc hash: %v", ErrInvalidArgument, err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("%w: doc hash must be 32 bytes, got %d", ErrInvalidArgument, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// FreightContract is the sole persisted entity.
type FreightContract struct {
	ID           ContractID `json:"id"`
	Shipper      Party      `json:"shipper"`
	Carrier      Party      `json:"carrier"`
	Origin       string     `json:"origin"`
	Destination  string     `json:"destination"`
	Token        Party      `json:"token"`
	Price        Amount     `json:"price"`
	DeadlineUnix uint64     `json:"deadline_unix"`
	DocHash      Hash       `json:"doc_hash"`
	Status       Status     `json:"status"`
	CreatedAt    uint64     `json:"created_at"`
	EscrowFunded bool       `json:"escrow_funded"`
	TotalSecs    uint64     `json:"total_secs"`
	TotalKm      uint32     `json:"total_km"`
	ComputedCost Amount     `json:"computed_cost"`
	LastPaid     Amount     `json:"last_paid"`
}

// IsParty reports whether p is the shipper or the carrier of the contract.
func (c FreightContract) IsParty(p Party) bool {
	return p == c.Shipper || p == c.Carrier
}

// Topic names one kind of lifecycle event.
type Topic string

const (
	TopicCreated   Topic = "CREATED"
	TopicAccepted  Topic = "ACCEPTED"
	TopicFunded    Topic = "FUNDED"
	TopicStarted   Topic = "STARTED"
	TopicTelemetry Topic = "TEL"
	TopicDelivered Topic = "DELIVERED"
	TopicSettled   Topic = "SETTLED"
)

// DefaultCategory is the shared tag every lifecycle event is published under.
const DefaultCategory = "EV"

type EventPayload map[string]any

// Event is one notification emitted after a successful transition.
type Event struct {
	Seq        int64        `json:"seq,omitempty"`
	ID         string       `json:"id"`
	TS         string       `json:"ts,omitempty" format:"date-time"`
	Category   string       `json:"category"`
	Topic      Topic        `json:"topic"`
	ContractID ContractID   `json:"contract_id"`
	Party      Party        `json:"party,omitempty"`
	Payload    EventPayload `json:"payload"`
}

// APIKey binds a hashed API key to the party it authenticates.
type APIKey struct {
	Name      string `json:"name,omitempty"`
	Party     Party  `json:"party"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
