package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"freightline/internal/domain"
	"freightline/internal/logger"
	"freightline/internal/monitoring"
)

const (
	defaultRelayInterval = 2 * time.Second
	defaultRelayBatch    = 100
	defaultRelayElapsed  = 30 * time.Second
)

// Source is a readable event log.
type Source interface {
	After(ctx context.Context, cursor int64, limit int, contractID string) ([]domain.Event, error)
	Latest(ctx context.Context) (int64, error)
}

// CursorStore persists how far each forwarder has delivered.
type CursorStore interface {
	LoadCursor(ctx context.Context, name string) (int64, bool, error)
	SaveCursor(ctx context.Context, name string, seq int64) error
}

// Forwarder delivers one event to an external observer.
type Forwarder interface {
	Name() string
	Forward(ctx context.Context, evt domain.Event) error
	Close() error
}

// Relay tails the journal and hands every event to each forwarder in order.
// A forwarder's cursor advances only after its delivery succeeded, so
// observers see each event at least once.
type Relay struct {
	Source     Source
	Cursors    CursorStore
	Forwarders []Forwarder
	Interval   time.Duration
	Batch      int
	// MaxElapsed bounds the retries of a single delivery.
	MaxElapsed time.Duration
	// FromStart replays the whole journal to forwarders without a cursor
	// instead of starting at the latest event.
	FromStart bool
	Log       *logrus.Entry
	Metrics   *monitoring.Metrics

	mu      sync.Mutex
	cursors map[string]int64
}

func (r *Relay) log() *logrus.Entry {
	if r.Log != nil {
		return r.Log
	}
	return logger.NewSublogger("relay")
}

// Run pumps until ctx is done, then closes the forwarders.
func (r *Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultRelayInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer r.Close()
	for {
		r.Pump(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Pump makes one delivery pass for every forwarder.
func (r *Relay) Pump(ctx context.Context) {
	for _, f := range r.Forwarders {
		if ctx.Err() != nil {
			return
		}
		if err := r.pump(ctx, f); err != nil {
			r.log().WithError(err).WithField("forwarder", f.Name()).Warn("Relay pass stopped")
		}
	}
}

func (r *Relay) pump(ctx context.Context, f Forwarder) error {
	cursor, err := r.cursorFor(ctx, f.Name())
	if err != nil {
		return err
	}
	batch := r.Batch
	if batch <= 0 {
		batch = defaultRelayBatch
	}
	events, err := r.Source.After(ctx, cursor, batch, "")
	if err != nil {
		return err
	}
	delivered := 0
	defer func() { r.Metrics.Relayed(f.Name(), delivered) }()
	for _, evt := range events {
		if err := r.deliver(ctx, f, evt); err != nil {
			return err
		}
		if err := r.setCursor(ctx, f.Name(), evt.Seq); err != nil {
			return err
		}
		delivered++
	}
	return nil
}

func (r *Relay) deliver(ctx context.Context, f Forwarder, evt domain.Event) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = r.MaxElapsed
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = defaultRelayElapsed
	}
	return backoff.RetryNotify(func() error {
		return f.Forward(ctx, evt)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		r.Metrics.RelayError(f.Name())
		r.log().WithError(err).WithFields(logrus.Fields{
			"forwarder": f.Name(),
			"seq":       evt.Seq,
			"retry_in":  wait,
		}).Warn("Failed to forward event, retrying")
	})
}

func (r *Relay) cursorFor(ctx context.Context, name string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursors == nil {
		r.cursors = map[string]int64{}
	}
	if cur, ok := r.cursors[name]; ok {
		return cur, nil
	}
	var cur int64
	found := false
	if r.Cursors != nil {
		var err error
		if cur, found, err = r.Cursors.LoadCursor(ctx, name); err != nil {
			return 0, err
		}
	}
	if !found && !r.FromStart {
		latest, err := r.Source.Latest(ctx)
		if err != nil {
			return 0, err
		}
		cur = latest
	}
	r.cursors[name] = cur
	return cur, nil
}

func (r *Relay) setCursor(ctx context.Context, name string, seq int64) error {
	if r.Cursors != nil {
		if err := r.Cursors.SaveCursor(ctx, name, seq); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.cursors[name] = seq
	r.mu.Unlock()
	return nil
}

func (r *Relay) Close() {
	for _, f := range r.Forwarders {
		if err := f.Close(); err != nil {
			r.log().WithError(err).WithField("forwarder", f.Name()).Warn("Failed to close forwarder")
		}
	}
}

// Filtered restricts f to the given topics. An empty list keeps every topic.
func Filtered(f Forwarder, topics []string) Forwarder {
	set := make(map[domain.Topic]struct{}, len(topics))
	for _, t := range topics {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		set[domain.Topic(t)] = struct{}{}
	}
	if len(set) == 0 {
		return f
	}
	return filteredForwarder{Forwarder: f, topics: set}
}

type filteredForwarder struct {
	Forwarder
	topics map[domain.Topic]struct{}
}

func (f filteredForwarder) Forward(ctx context.Context, evt domain.Event) error {
	if _, ok := f.topics[evt.Topic]; !ok {
		return nil
	}
	return f.Forwarder.Forward(ctx, evt)
}
