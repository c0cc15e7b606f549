package freightlinesdk

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freightline/internal/app"
	"freightline/internal/clock"
	"freightline/internal/config"
	"freightline/internal/server"
)

func newParty(t *testing.T, baseURL string) *Client {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	c := New(baseURL)
	c.SigningKey = priv
	return c
}

func TestSignedLifecycle(t *testing.T) {
	cfg := config.Default()
	cfg.Ledger.Driver = "memory"
	rt, err := app.Open(context.Background(), app.Options{Config: cfg, Clock: clock.NewManual(10)})
	require.NoError(t, err)
	defer rt.Close()
	handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: "/v0"})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	ctx := context.Background()
	shipper := newParty(t, srv.URL)
	carrier := newParty(t, srv.URL)
	oracle := newParty(t, srv.URL)

	c, err := shipper.CreateContract(ctx, CreateContract{
		Carrier:      carrier.Party(),
		Origin:       "Hamburg",
		Destination:  "Vienna",
		Token:        "EURC",
		Price:        "1000",
		DeadlineUnix: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, "Draft", c.Status)
	assert.Equal(t, shipper.Party(), c.Shipper)

	_, err = shipper.Accept(ctx, c.ID)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 403, apiErr.StatusCode)
	assert.Equal(t, "unauthorized", apiErr.Code)

	_, err = carrier.Accept(ctx, c.ID)
	require.NoError(t, err)
	_, err = shipper.MarkFunded(ctx, c.ID)
	require.NoError(t, err)
	_, err = carrier.StartTrip(ctx, c.ID)
	require.NoError(t, err)
	got, err := oracle.LogTelemetry(ctx, c.ID, Telemetry{AddSecs: 60, AddKm: 2, AddCost: "-5"})
	require.NoError(t, err)
	assert.Equal(t, "-5", got.ComputedCost)
	_, err = carrier.SubmitPOD(ctx, c.ID, "")
	require.NoError(t, err)

	pay, settled, err := oracle.Settle(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "1000", pay)
	assert.Equal(t, "Settled", settled.Status)

	page, err := New(srv.URL).EventsPage(ctx, c.ID, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 7)
	assert.Equal(t, "SETTLED", page.Items[6].Topic)

	unsigned := New(srv.URL)
	_, err = unsigned.Accept(ctx, c.ID)
	require.Error(t, err)
}
