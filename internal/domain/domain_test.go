package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusNextIsForwardOnly(t *testing.T) {
	order := []Status{StatusDraft, StatusActive, StatusInTransit, StatusDelivered, StatusSettled}
	for i, s := range order[:len(order)-1] {
		next, ok := s.Next()
		require.True(t, ok, "status %s should advance", s)
		assert.Equal(t, order[i+1], next)
	}
	_, ok := StatusSettled.Next()
	assert.False(t, ok, "settled is terminal")
}

func TestStatusTextRoundTrip(t *testing.T) {
	b, err := json.Marshal(StatusInTransit)
	require.NoError(t, err)
	assert.JSONEq(t, `"InTransit"`, string(b))

	var s Status
	require.NoError(t, json.Unmarshal([]byte(`"delivered"`), &s))
	assert.Equal(t, StatusDelivered, s)

	assert.Error(t, json.Unmarshal([]byte(`"Lost"`), &s))
	assert.False(t, Status(9).Valid())
	assert.Equal(t, "Status(9)", Status(9).String())
}

func TestParseHash(t *testing.T) {
	h, err := ParseHash("")
	require.NoError(t, err)
	assert.True(t, h.IsZero())

	hexDigest := "aa00000000000000000000000000000000000000000000000000000000000001"
	h, err = ParseHash("0x" + hexDigest)
	require.NoError(t, err)
	assert.Equal(t, byte(0xaa), h[0])
	assert.Equal(t, byte(0x01), h[31])
	assert.Equal(t, hexDigest, h.String())

	_, err = ParseHash("abcd")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSaturatingAddClampsAtBounds(t *testing.T) {
	assert.True(t, SaturatingAdd(MaxAmount, NewAmount(1)).Equal(MaxAmount))
	assert.True(t, SaturatingAdd(MinAmount, NewAmount(-1)).Equal(MinAmount))
	assert.True(t, SaturatingAdd(NewAmount(200), NewAmount(-50)).Equal(NewAmount(150)))

	assert.Equal(t, uint64(math.MaxUint64), SaturatingAddU64(math.MaxUint64-1, 5))
	assert.Equal(t, uint64(10), SaturatingAddU64(4, 6))
	assert.Equal(t, uint32(math.MaxUint32), SaturatingAddU32(math.MaxUint32, 1))
	assert.Equal(t, uint32(7), SaturatingAddU32(3, 4))
}

func TestHalfTruncatesTowardZero(t *testing.T) {
	cases := map[int64]int64{1000: 500, 1001: 500, 1: 0, -1: 0, -1001: -500}
	for in, want := range cases {
		t.Run(fmt.Sprint(in), func(t *testing.T) {
			assert.True(t, HalfTruncated(NewAmount(in)).Equal(NewAmount(want)))
		})
	}
}

func TestParseAmountRange(t *testing.T) {
	a, err := ParseAmount("170141183460469231731687303715884105727")
	require.NoError(t, err)
	assert.True(t, a.Equal(MaxAmount))

	_, err = ParseAmount("170141183460469231731687303715884105728")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = ParseAmount("12.5")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestParseContractID(t *testing.T) {
	id, err := ParseContractID("42")
	require.NoError(t, err)
	assert.True(t, id.Equal(NewContractID(42)))

	_, err = ParseContractID("340282366920938463463374607431768211456")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = ParseContractID("-1")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestContractJSONRoundTrip(t *testing.T) {
	c := FreightContract{
		ID:           NewContractID(7),
		Shipper:      "S",
		Carrier:      "C",
		Origin:       "Lyon",
		Destination:  "Porto",
		Token:        "USDC",
		Price:        NewAmount(1000),
		DeadlineUnix: 100,
		Status:       StatusActive,
		CreatedAt:    5,
		EscrowFunded: true,
		TotalSecs:    3600,
		TotalKm:      500,
		ComputedCost: NewAmount(-3),
		LastPaid:     ZeroAmount(),
	}
	b, err := json.Marshal(c)
	require.NoError(t, err)

	var got FreightContract
	require.NoError(t, json.Unmarshal(b, &got))
	assert.True(t, got.ID.Equal(c.ID))
	assert.True(t, got.Price.Equal(c.Price))
	assert.True(t, got.ComputedCost.Equal(c.ComputedCost))
	assert.Equal(t, c.Status, got.Status)
	assert.Equal(t, c.TotalKm, got.TotalKm)
	assert.True(t, got.IsParty("C"))
	assert.False(t, got.IsParty("X"))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeNone, CodeOf(nil))
	assert.Equal(t, CodeBadState, CodeOf(fmt.Errorf("accept: %w", ErrBadState)))
	assert.Equal(t, CodeEscrowNotFunded, CodeOf(ErrEscrowNotFunded))
	assert.Equal(t, CodeNone, CodeOf(ErrInvalidArgument))
	assert.Equal(t, "not_found", CodeNotFound.String())
}
