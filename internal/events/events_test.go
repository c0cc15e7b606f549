package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freightline/internal/db"
	"freightline/internal/domain"
	"freightline/internal/ledger"
	"freightline/internal/migrate"
)

func newJournal(t *testing.T) (Journal, *ledger.SQLStore) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	_, err = migrate.Migrate(context.Background(), conn, db.DriverSQLite)
	require.NoError(t, err)
	store := ledger.NewSQLStore(conn, db.DriverSQLite, nil)
	t.Cleanup(func() { store.Close() })
	return Journal{DB: conn, Driver: db.DriverSQLite}, store
}

func telemetryEvent(id uint64) domain.Event {
	return New("", domain.TopicTelemetry, domain.NewContractID(id), "oracle", domain.EventPayload{
		"id": domain.NewContractID(id).String(), "add_secs": 60, "add_km": 2,
	})
}

func TestJournalAppendAndRead(t *testing.T) {
	j, _ := newJournal(t)
	ctx := context.Background()
	latest, err := j.Latest(ctx)
	require.NoError(t, err)
	assert.Zero(t, latest)

	require.NoError(t, j.Publish(ctx, New("EV", domain.TopicCreated, domain.NewContractID(1), "S", domain.EventPayload{"id": "1"})))
	require.NoError(t, j.Publish(ctx, telemetryEvent(2)))
	require.NoError(t, j.Publish(ctx, telemetryEvent(1)))

	all, err := j.After(ctx, 0, 10, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, domain.TopicCreated, all[0].Topic)
	assert.Equal(t, "EV", all[0].Category)
	assert.NotEmpty(t, all[0].TS)
	assert.Equal(t, int64(1), all[0].Seq)

	onlyOne, err := j.After(ctx, 0, 10, "1")
	require.NoError(t, err)
	require.Len(t, onlyOne, 2)
	assert.Equal(t, float64(2), onlyOne[1].Payload["add_km"])

	page, err := j.After(ctx, all[0].Seq, 1, "")
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, all[1].ID, page[0].ID)

	latest, err = j.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, all[2].Seq, latest)
}

func TestJournalJoinsLedgerTransaction(t *testing.T) {
	j, store := newJournal(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := store.Update(ctx, func(ctx context.Context, kv ledger.KV) error {
		if err := j.Publish(ctx, telemetryEvent(1)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	evts, err := j.After(ctx, 0, 10, "")
	require.NoError(t, err)
	assert.Empty(t, evts, "event must roll back with the unit of work")

	require.NoError(t, store.Update(ctx, func(ctx context.Context, kv ledger.KV) error {
		return j.Publish(ctx, telemetryEvent(1))
	}))
	evts, err = j.After(ctx, 0, 10, "")
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestJournalCursors(t *testing.T) {
	j, _ := newJournal(t)
	ctx := context.Background()
	_, found, err := j.LoadCursor(ctx, "kafka")
	require.NoError(t, err)
	assert.False(t, found)
	require.NoError(t, j.SaveCursor(ctx, "kafka", 4))
	require.NoError(t, j.SaveCursor(ctx, "kafka", 9))
	seq, found, err := j.LoadCursor(ctx, "kafka")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(9), seq)
}

func TestFanoutStopsAtFirstFailure(t *testing.T) {
	var first, third Memory
	boom := errors.New("boom")
	sink := Fanout(&first, SinkFunc(func(context.Context, domain.Event) error { return boom }), &third)
	assert.ErrorIs(t, sink.Publish(context.Background(), telemetryEvent(1)), boom)
	assert.Len(t, first.Events(), 1)
	assert.Empty(t, third.Events())
}

type recordingForwarder struct {
	name  string
	mu    sync.Mutex
	got   []domain.Event
	fails int
}

func (r *recordingForwarder) Name() string { return r.name }

func (r *recordingForwarder) Forward(_ context.Context, evt domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails > 0 {
		r.fails--
		return errors.New("unavailable")
	}
	r.got = append(r.got, evt)
	return nil
}

func (r *recordingForwarder) Close() error { return nil }

func (r *recordingForwarder) seqs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, e := range r.got {
		out = append(out, e.Seq)
	}
	return out
}

func TestRelayStartsAtLatestByDefault(t *testing.T) {
	src := &Memory{}
	ctx := context.Background()
	require.NoError(t, src.Publish(ctx, telemetryEvent(1)))

	fw := &recordingForwarder{name: "rec"}
	r := &Relay{Source: src, Forwarders: []Forwarder{fw}}
	r.Pump(ctx)
	assert.Empty(t, fw.seqs())

	require.NoError(t, src.Publish(ctx, telemetryEvent(1)))
	r.Pump(ctx)
	assert.Equal(t, []int64{2}, fw.seqs())
}

func TestRelayDoesNotAdvancePastFailedDelivery(t *testing.T) {
	src := &Memory{}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, src.Publish(ctx, telemetryEvent(1)))
	}
	fw := &recordingForwarder{name: "rec", fails: 1}
	r := &Relay{Source: src, Forwarders: []Forwarder{fw}, FromStart: true, MaxElapsed: time.Millisecond}
	r.Pump(ctx)
	assert.Empty(t, fw.seqs())

	r.Pump(ctx)
	assert.Equal(t, []int64{1, 2, 3}, fw.seqs())
}

func TestRelayPersistsCursor(t *testing.T) {
	j, _ := newJournal(t)
	ctx := context.Background()
	require.NoError(t, j.Publish(ctx, telemetryEvent(1)))
	require.NoError(t, j.Publish(ctx, telemetryEvent(1)))

	fw := &recordingForwarder{name: "rec"}
	(&Relay{Source: j, Cursors: j, Forwarders: []Forwarder{fw}, FromStart: true}).Pump(ctx)
	assert.Equal(t, []int64{1, 2}, fw.seqs())

	require.NoError(t, j.Publish(ctx, telemetryEvent(1)))
	again := &recordingForwarder{name: "rec"}
	(&Relay{Source: j, Cursors: j, Forwarders: []Forwarder{again}, FromStart: true}).Pump(ctx)
	assert.Equal(t, []int64{3}, again.seqs())
}

func TestFilteredForwarder(t *testing.T) {
	fw := &recordingForwarder{name: "rec"}
	f := Filtered(fw, []string{" settled "})
	require.NoError(t, f.Forward(context.Background(), telemetryEvent(1)))
	require.NoError(t, f.Forward(context.Background(), New("", domain.TopicSettled, domain.NewContractID(1), "S", nil)))
	require.Len(t, fw.got, 1)
	assert.Equal(t, domain.TopicSettled, fw.got[0].Topic)
	assert.Same(t, fw, Filtered(fw, nil))
}

type fakeKafkaWriter struct {
	msgs []kafka.Message
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error { return nil }

func TestKafkaForwarderKeysByContract(t *testing.T) {
	w := &fakeKafkaWriter{}
	k := NewKafkaForwarderWithWriter(w)
	require.NoError(t, k.Forward(context.Background(), telemetryEvent(7)))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "7", string(w.msgs[0].Key))
	var evt domain.Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &evt))
	assert.Equal(t, domain.TopicTelemetry, evt.Topic)
	assert.True(t, evt.ContractID.Equal(domain.NewContractID(7)))
}

type fakeRedis struct {
	channel string
	payload []byte
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisForwarder(t *testing.T) {
	c := &fakeRedis{}
	r := NewRedisForwarderWithClient(c, "")
	require.NoError(t, r.Forward(context.Background(), telemetryEvent(3)))
	assert.Equal(t, "freightline.events", c.channel)
	assert.Contains(t, string(c.payload), `"topic":"TEL"`)
}

type fakeAMQP struct {
	exchange, key string
	msg           amqp.Publishing
}

func (f *fakeAMQP) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil
}

func (f *fakeAMQP) Close() error { return nil }

func TestAMQPForwarderRoutesByTopic(t *testing.T) {
	ch := &fakeAMQP{}
	a := NewAMQPForwarderWithChannel(ch, "freight")
	evt := New("EV", domain.TopicSettled, domain.NewContractID(2), "S", domain.EventPayload{"pay": "500"})
	require.NoError(t, a.Forward(context.Background(), evt))
	assert.Equal(t, "freight", ch.exchange)
	assert.Equal(t, "ev.settled", ch.key)
	assert.Equal(t, evt.ID, ch.msg.MessageId)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)
	require.NoError(t, a.Close())
}

func TestWebhookForwarder(t *testing.T) {
	var gotHeader, gotSecret string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Freightline-Event")
		gotSecret = r.Header.Get("X-Freightline-Secret")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhookForwarder(srv.URL, "s3cret", 0)
	require.NoError(t, wh.Forward(context.Background(), telemetryEvent(5)))
	assert.Equal(t, "TEL", gotHeader)
	assert.Equal(t, "s3cret", gotSecret)
	assert.Contains(t, string(body), `"contract_id":"5"`)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer failing.Close()
	err := NewWebhookForwarder(failing.URL, "", time.Second).Forward(context.Background(), telemetryEvent(5))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

type recordingExec struct {
	queries []string
}

func (r *recordingExec) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	r.queries = append(r.queries, query)
	return nil, nil
}

func TestPostgresAppendsTakeTheJournalLockFirst(t *testing.T) {
	rec := &recordingExec{}
	j := Journal{Driver: db.DriverPostgres}
	require.NoError(t, j.append(context.Background(), rec, telemetryEvent(1), []byte(`{}`)))
	require.Len(t, rec.queries, 2)
	assert.Contains(t, rec.queries[0], "pg_advisory_xact_lock")
	assert.Contains(t, rec.queries[1], "INSERT INTO events")
	assert.Contains(t, rec.queries[1], "$7")

	rec = &recordingExec{}
	j = Journal{Driver: db.DriverSQLite}
	require.NoError(t, j.append(context.Background(), rec, telemetryEvent(1), []byte(`{}`)))
	require.Len(t, rec.queries, 1)
	assert.Contains(t, rec.queries[0], "INSERT INTO events")
}
