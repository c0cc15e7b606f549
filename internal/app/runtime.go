// Package app wires the ledger, the event journal and the engine for one
// workspace from its freightline.yml.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"freightline/internal/clock"
	"freightline/internal/config"
	"freightline/internal/db"
	"freightline/internal/engine"
	"freightline/internal/engine/auth"
	"freightline/internal/events"
	"freightline/internal/ledger"
	"freightline/internal/logger"
	"freightline/internal/migrate"
	"freightline/internal/monitoring"
)

// Options override the defaults Open derives from the config.
type Options struct {
	Workspace string
	Config    *config.Config
	// Verifier defaults to DefaultVerifier(cfg).
	Verifier auth.Verifier
	// Clock defaults to the system clock.
	Clock clock.Clock
	// Registerer receives the engine and relay metrics when set.
	Registerer prometheus.Registerer
}

// Runtime is an opened workspace.
type Runtime struct {
	Workspace string
	Config    *config.Config
	// Conn is nil for the memory driver.
	Conn    *sql.DB
	Store   ledger.Store
	Journal events.Source
	Cursors events.CursorStore
	Engine  engine.Engine
	Metrics *monitoring.Metrics
}

// DefaultVerifier accepts parties a transport already authenticated and
// ed25519-signed calls.
func DefaultVerifier(cfg *config.Config) auth.Verifier {
	skew := 5 * time.Minute
	if cfg != nil && cfg.Auth.SignatureMaxSkewSeconds > 0 {
		skew = time.Duration(cfg.Auth.SignatureMaxSkewSeconds) * time.Second
	}
	return auth.AnyOf(auth.PrincipalVerifier{}, auth.Ed25519Verifier{MaxSkew: skew})
}

// Open prepares the workspace storage, applies migrations and builds the engine.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}
	rt := &Runtime{Workspace: opts.Workspace, Config: cfg}
	if opts.Registerer != nil {
		rt.Metrics = monitoring.New(opts.Registerer)
	}

	var sink events.Sink
	switch cfg.Ledger.Driver {
	case "memory":
		mem := &events.Memory{}
		store := ledger.NewMemoryStore()
		store.Now = ledger.LedgerClock(cfg.Ledger.Unit())
		rt.Store, rt.Journal, sink = store, mem, mem
	default:
		driver := db.Driver(cfg.Ledger.Driver)
		conn, err := db.Open(db.Config{Workspace: opts.Workspace, Driver: driver, DSN: cfg.Ledger.DSN})
		if err != nil {
			return nil, err
		}
		applied, err := migrate.Migrate(ctx, conn, driver)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if applied > 0 {
			logger.NewSublogger("app").WithField("migrations", applied).Info("Applied ledger migrations")
		}
		journal := events.Journal{DB: conn, Driver: driver}
		rt.Conn = conn
		rt.Store = ledger.NewSQLStore(conn, driver, ledger.LedgerClock(cfg.Ledger.Unit()))
		rt.Journal, rt.Cursors, sink = journal, journal, journal
	}

	verifier := opts.Verifier
	if verifier == nil {
		verifier = DefaultVerifier(cfg)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	rt.Engine = engine.New(rt.Store, verifier, clk, sink, cfg)
	rt.Engine.Journal = rt.Journal
	rt.Engine.Metrics = rt.Metrics
	return rt, nil
}

func (r *Runtime) Close() error {
	if r == nil || r.Store == nil {
		return nil
	}
	return r.Store.Close()
}

// Relay builds the forwarders configured under events.relay. It returns
// (nil, nil) when none are configured.
func (r *Runtime) Relay(ctx context.Context) (*events.Relay, error) {
	rc := r.Config.Events.Relay
	if !rc.Enabled() {
		return nil, nil
	}
	var forwarders []events.Forwarder
	fail := func(err error) (*events.Relay, error) {
		for _, f := range forwarders {
			_ = f.Close()
		}
		return nil, err
	}
	if k := rc.Kafka; k != nil {
		forwarders = append(forwarders, events.Filtered(events.NewKafkaForwarder(k.Brokers, k.Topic), k.Topics))
	}
	if rd := rc.Redis; rd != nil {
		f, err := events.NewRedisForwarder(ctx, events.RedisOptions{
			Addr:     rd.Addr,
			Username: rd.Username,
			Password: rd.Password,
			DB:       rd.DB,
			Channel:  rd.Channel,
		})
		if err != nil {
			return fail(fmt.Errorf("redis forwarder: %w", err))
		}
		forwarders = append(forwarders, events.Filtered(f, rd.Topics))
	}
	if a := rc.AMQP; a != nil {
		f, err := events.NewAMQPForwarder(a.URL, a.Exchange)
		if err != nil {
			return fail(fmt.Errorf("amqp forwarder: %w", err))
		}
		forwarders = append(forwarders, events.Filtered(f, a.Topics))
	}
	for _, hook := range rc.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		forwarders = append(forwarders, events.Filtered(events.NewWebhookForwarder(hook.URL, hook.Secret, timeout), hook.Topics))
	}
	if len(forwarders) == 0 {
		return nil, errors.New("relay enabled but every forwarder is disabled")
	}
	return &events.Relay{
		Source:     r.Journal,
		Cursors:    r.Cursors,
		Forwarders: forwarders,
		Interval:   time.Duration(rc.IntervalSeconds) * time.Second,
		Batch:      rc.Batch,
		MaxElapsed: time.Duration(rc.MaxElapsedSeconds) * time.Second,
		FromStart:  rc.FromStart,
		Log:        logger.NewSublogger("relay"),
		Metrics:    r.Metrics,
	}, nil
}
