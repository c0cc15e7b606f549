package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"freightline/internal/clock"
	"freightline/internal/config"
	"freightline/internal/domain"
	"freightline/internal/engine/auth"
	"freightline/internal/events"
	"freightline/internal/ledger"
	"freightline/internal/logger"
	"freightline/internal/monitoring"
	"freightline/internal/repo"
)

const (
	OpCreate    = "create_contract"
	OpAccept    = "accept"
	OpFund      = "mark_funded"
	OpStart     = "start_trip"
	OpTelemetry = "log_telemetry"
	OpPOD       = "submit_pod"
	OpSettle    = "evaluate_and_settle"
)

// Engine is the contract state machine. It is the only component that
// advances a contract's status.
type Engine struct {
	Store   ledger.Store
	Repo    repo.Repo
	Auth    auth.Verifier
	Clock   clock.Clock
	Events  events.Sink
	Journal events.Source
	Config  *config.Config
	Log     *logrus.Entry
	Metrics *monitoring.Metrics

	locks *keyedMutex
	alloc *sync.Mutex
}

func New(store ledger.Store, verifier auth.Verifier, clk clock.Clock, sink events.Sink, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		Store:  store,
		Repo:   repo.New(cfg.Ledger.Retention),
		Auth:   verifier,
		Clock:  clk,
		Events: sink,
		Config: cfg,
		Log:    logger.NewSublogger("engine"),
		locks:  newKeyedMutex(),
		alloc:  &sync.Mutex{},
	}
}

func (e Engine) log() *logrus.Entry {
	if e.Log != nil {
		return e.Log
	}
	return logger.NewSublogger("engine")
}

func (e Engine) category() string {
	if e.Config != nil && e.Config.Events.Category != "" {
		return e.Config.Events.Category
	}
	return domain.DefaultCategory
}

func (e Engine) lock(id domain.ContractID) func() {
	if e.locks == nil {
		return func() {}
	}
	return e.locks.Lock(id.String())
}

func (e Engine) authorize(ctx context.Context, party domain.Party, call auth.Call) error {
	if e.Auth == nil {
		return auth.UnauthorizedError{Party: party, Reason: "no verifier configured"}
	}
	return e.Auth.Authorize(ctx, party, call)
}

// claimSignature records the signature authorizing this call in the same
// update as the call's writes, so it cannot authorize a second call.
func (e Engine) claimSignature(ctx context.Context, kv ledger.KV, party domain.Party) error {
	id, ok := auth.SignatureID(ctx)
	if !ok {
		return nil
	}
	err := e.Repo.ClaimSignature(ctx, kv, id, e.signatureWindow())
	if errors.Is(err, repo.ErrSignatureUsed) {
		return auth.UnauthorizedError{Party: party, Reason: "signature replayed"}
	}
	return err
}

// signatureWindow is the number of ledger intervals a signature stays
// acceptable: the skew allowed on either side of its issue time.
func (e Engine) signatureWindow() uint32 {
	if e.Config == nil {
		return 0
	}
	unit := e.Config.Ledger.Unit()
	skew := time.Duration(e.Config.Auth.SignatureMaxSkewSeconds) * time.Second
	if unit <= 0 || skew <= 0 {
		return 0
	}
	n := (2*skew + unit - 1) / unit
	if n > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n)
}

func (e Engine) now(ctx context.Context) (uint64, error) {
	if e.Clock == nil {
		return 0, errors.New("clock not configured")
	}
	now, err := e.Clock.Now(ctx)
	if err != nil {
		return 0, fmt.Errorf("read ledger clock: %w", err)
	}
	return now, nil
}

func (e Engine) publish(ctx context.Context, evt domain.Event) error {
	if e.Events == nil {
		return nil
	}
	if err := e.Events.Publish(ctx, evt); err != nil {
		return fmt.Errorf("publish %s: %w", evt.Topic, err)
	}
	return nil
}

func (e Engine) newEvent(topic domain.Topic, id domain.ContractID, party domain.Party, payload domain.EventPayload) domain.Event {
	if payload == nil {
		payload = domain.EventPayload{}
	}
	payload["id"] = id.String()
	return events.New(e.category(), topic, id, party, payload)
}

func (e Engine) observe(op string, id domain.ContractID, party domain.Party, err error) {
	fields := logrus.Fields{"op": op, "party": party, "contract_id": id.String()}
	if err != nil {
		code := domain.CodeOf(err)
		e.Metrics.Rejection(op, code.String())
		e.log().WithFields(fields).WithError(err).Debug("Rejected contract call")
		return
	}
	e.Metrics.Transition(op)
	e.log().WithFields(fields).Info("Contract transition committed")
}

// CreateOptions are the immutable fields of a new contract.
type CreateOptions struct {
	Shipper      domain.Party
	Carrier      domain.Party
	Origin       string
	Destination  string
	Token        domain.Party
	Price        domain.Amount
	DeadlineUnix uint64
	DocHash      domain.Hash
}

// CreateCall is the call a shipper signs to create a contract.
func CreateCall(opts CreateOptions) auth.Call {
	price := ""
	if !opts.Price.IsNil() {
		price = opts.Price.String()
	}
	return auth.Call{Op: OpCreate, Args: map[string]string{
		"carrier":       string(opts.Carrier),
		"origin":        opts.Origin,
		"destination":   opts.Destination,
		"token":         string(opts.Token),
		"price":         price,
		"deadline_unix": fmt.Sprint(opts.DeadlineUnix),
		"doc_hash":      opts.DocHash.String(),
	}}
}

// ContractCall is the call signed for the operations that take only an id.
func ContractCall(op string, id domain.ContractID) auth.Call {
	return auth.Call{Op: op, ContractID: id.String()}
}

// CreateContract allocates the next id and stores a Draft contract.
func (e Engine) CreateContract(ctx context.Context, opts CreateOptions) (id domain.ContractID, err error) {
	id = domain.ZeroContractID()
	defer func() { e.observe(OpCreate, id, opts.Shipper, err) }()

	if opts.Price.IsNil() || !domain.AmountInRange(opts.Price) {
		return id, fmt.Errorf("%w: price must be a signed 128-bit integer", domain.ErrInvalidArgument)
	}
	if err := e.authorize(ctx, opts.Shipper, CreateCall(opts)); err != nil {
		return id, err
	}
	now, err := e.now(ctx)
	if err != nil {
		return id, err
	}

	e.alloc.Lock()
	defer e.alloc.Unlock()
	err = e.Store.Update(ctx, func(ctx context.Context, kv ledger.KV) error {
		if err := e.claimSignature(ctx, kv, opts.Shipper); err != nil {
			return err
		}
		next, err := e.Repo.NextID(ctx, kv)
		if err != nil {
			return err
		}
		c := domain.FreightContract{
			ID:           next,
			Shipper:      opts.Shipper,
			Carrier:      opts.Carrier,
			Origin:       opts.Origin,
			Destination:  opts.Destination,
			Token:        opts.Token,
			Price:        opts.Price,
			DeadlineUnix: opts.DeadlineUnix,
			DocHash:      opts.DocHash,
			Status:       domain.StatusDraft,
			CreatedAt:    now,
			ComputedCost: domain.ZeroAmount(),
			LastPaid:     domain.ZeroAmount(),
		}
		if err := e.Repo.SaveContract(ctx, kv, c); err != nil {
			return err
		}
		evt := e.newEvent(domain.TopicCreated, next, opts.Shipper, nil)
		evt.TS = ledgerTime(now)
		if err := e.publish(ctx, evt); err != nil {
			return err
		}
		id = next
		return nil
	})
	if err != nil {
		return domain.ZeroContractID(), err
	}
	return id, nil
}

type transition struct {
	op    string
	id    domain.ContractID
	party domain.Party
	call  auth.Call
	// prepare runs after authorization and before the record lock is taken.
	prepare func(ctx context.Context) error
	// check runs the role, status and escrow checks in that order.
	check func(c domain.FreightContract) error
	// apply mutates c and returns the event describing the change.
	apply func(c *domain.FreightContract) domain.Event
}

func (e Engine) transition(ctx context.Context, t transition) (out domain.FreightContract, err error) {
	defer func() { e.observe(t.op, t.id, t.party, err) }()
	if err := e.authorize(ctx, t.party, t.call); err != nil {
		return out, err
	}
	if t.prepare != nil {
		if err := t.prepare(ctx); err != nil {
			return out, err
		}
	}
	unlock := e.lock(t.id)
	defer unlock()
	err = e.Store.Update(ctx, func(ctx context.Context, kv ledger.KV) error {
		if err := e.claimSignature(ctx, kv, t.party); err != nil {
			return err
		}
		c, err := e.Repo.LoadContract(ctx, kv, t.id)
		if err != nil {
			return err
		}
		if err := t.check(c); err != nil {
			return err
		}
		evt := t.apply(&c)
		if err := e.Repo.SaveContract(ctx, kv, c); err != nil {
			return err
		}
		if err := e.publish(ctx, evt); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return domain.FreightContract{}, err
	}
	return out, nil
}

// Accept moves a Draft contract to Active. Only the contract's carrier may accept.
func (e Engine) Accept(ctx context.Context, id domain.ContractID, carrier domain.Party) error {
	_, err := e.transition(ctx, transition{
		op: OpAccept, id: id, party: carrier, call: ContractCall(OpAccept, id),
		check: func(c domain.FreightContract) error {
			if c.Carrier != carrier {
				return notRole(carrier, "carrier", id)
			}
			return requireStatus(c, domain.StatusDraft)
		},
		apply: func(c *domain.FreightContract) domain.Event {
			advance(c)
			return e.newEvent(domain.TopicAccepted, id, carrier, nil)
		},
	})
	return err
}

// MarkFunded records that the shipper funded the escrow of an Active contract.
func (e Engine) MarkFunded(ctx context.Context, id domain.ContractID, shipper domain.Party) error {
	_, err := e.transition(ctx, transition{
		op: OpFund, id: id, party: shipper, call: ContractCall(OpFund, id),
		check: func(c domain.FreightContract) error {
			if c.Shipper != shipper {
				return notRole(shipper, "shipper", id)
			}
			return requireStatus(c, domain.StatusActive)
		},
		apply: func(c *domain.FreightContract) domain.Event {
			c.EscrowFunded = true
			return e.newEvent(domain.TopicFunded, id, shipper, nil)
		},
	})
	return err
}

// StartTrip moves a funded Active contract to InTransit.
func (e Engine) StartTrip(ctx context.Context, id domain.ContractID, caller domain.Party) error {
	_, err := e.transition(ctx, transition{
		op: OpStart, id: id, party: caller, call: ContractCall(OpStart, id),
		check: func(c domain.FreightContract) error {
			if !c.IsParty(caller) {
				return notRole(caller, "shipper or carrier", id)
			}
			if err := requireStatus(c, domain.StatusActive); err != nil {
				return err
			}
			return requireFunded(c)
		},
		apply: func(c *domain.FreightContract) domain.Event {
			advance(c)
			return e.newEvent(domain.TopicStarted, id, caller, nil)
		},
	})
	return err
}

// TelemetryOptions carry one telemetry report. AddCost may be negative.
type TelemetryOptions struct {
	ID      domain.ContractID
	AddSecs uint32
	AddKm   uint32
	AddCost domain.Amount
	Oracle  domain.Party
}

func TelemetryCall(opts TelemetryOptions) auth.Call {
	cost := "0"
	if !opts.AddCost.IsNil() {
		cost = opts.AddCost.String()
	}
	return auth.Call{Op: OpTelemetry, ContractID: opts.ID.String(), Args: map[string]string{
		"add_secs": fmt.Sprint(opts.AddSecs),
		"add_km":   fmt.Sprint(opts.AddKm),
		"add_cost": cost,
	}}
}

// LogTelemetry adds a report to the accumulators of an InTransit contract.
// Accumulators clamp at their bounds.
func (e Engine) LogTelemetry(ctx context.Context, opts TelemetryOptions) error {
	if opts.AddCost.IsNil() {
		opts.AddCost = domain.ZeroAmount()
	}
	if !domain.AmountInRange(opts.AddCost) {
		err := fmt.Errorf("%w: add_cost must be a signed 128-bit integer", domain.ErrInvalidArgument)
		e.observe(OpTelemetry, opts.ID, opts.Oracle, err)
		return err
	}
	_, err := e.transition(ctx, transition{
		op: OpTelemetry, id: opts.ID, party: opts.Oracle, call: TelemetryCall(opts),
		check: func(c domain.FreightContract) error {
			if e.Config != nil && !e.Config.Auth.IsOracle(string(opts.Oracle)) {
				return notRole(opts.Oracle, "oracle", opts.ID)
			}
			return requireStatus(c, domain.StatusInTransit)
		},
		apply: func(c *domain.FreightContract) domain.Event {
			c.TotalSecs = domain.SaturatingAddU64(c.TotalSecs, uint64(opts.AddSecs))
			c.TotalKm = domain.SaturatingAddU32(c.TotalKm, opts.AddKm)
			c.ComputedCost = domain.SaturatingAdd(c.ComputedCost, opts.AddCost)
			return e.newEvent(domain.TopicTelemetry, opts.ID, opts.Oracle, domain.EventPayload{
				"add_secs": opts.AddSecs,
				"add_km":   opts.AddKm,
			})
		},
	})
	return err
}

func PODCall(id domain.ContractID, podHash domain.Hash) auth.Call {
	return auth.Call{Op: OpPOD, ContractID: id.String(), Args: map[string]string{"pod_hash": podHash.String()}}
}

// SubmitPOD records the proof of delivery digest and moves the contract to Delivered.
func (e Engine) SubmitPOD(ctx context.Context, id domain.ContractID, podHash domain.Hash, caller domain.Party) error {
	_, err := e.transition(ctx, transition{
		op: OpPOD, id: id, party: caller, call: PODCall(id, podHash),
		check: func(c domain.FreightContract) error {
			if !c.IsParty(caller) {
				return notRole(caller, "shipper or carrier", id)
			}
			return requireStatus(c, domain.StatusInTransit)
		},
		apply: func(c *domain.FreightContract) domain.Event {
			c.DocHash = podHash
			advance(c)
			return e.newEvent(domain.TopicDelivered, id, caller, nil)
		},
	})
	return err
}

// EvaluateAndSettle pays the full price when settled by the deadline and
// half of it, truncated toward zero, afterwards. The time is read when
// settlement is invoked, not when delivery happened.
func (e Engine) EvaluateAndSettle(ctx context.Context, id domain.ContractID, invoker domain.Party) (domain.Amount, error) {
	var now uint64
	c, err := e.transition(ctx, transition{
		op: OpSettle, id: id, party: invoker, call: ContractCall(OpSettle, id),
		prepare: func(ctx context.Context) (err error) {
			now, err = e.now(ctx)
			return err
		},
		check: func(c domain.FreightContract) error {
			if err := requireStatus(c, domain.StatusDelivered); err != nil {
				return err
			}
			return requireFunded(c)
		},
		apply: func(c *domain.FreightContract) domain.Event {
			pay := c.Price
			if now > c.DeadlineUnix {
				pay = domain.HalfTruncated(c.Price)
			}
			c.LastPaid = pay
			advance(c)
			evt := e.newEvent(domain.TopicSettled, id, invoker, domain.EventPayload{"pay": pay.String()})
			evt.TS = ledgerTime(now)
			return evt
		},
	})
	if err != nil {
		return domain.ZeroAmount(), err
	}
	return c.LastPaid, nil
}

// GetContract returns the stored contract. It needs no authorization.
func (e Engine) GetContract(ctx context.Context, id domain.ContractID) (domain.FreightContract, error) {
	var c domain.FreightContract
	err := e.Store.View(ctx, func(ctx context.Context, kv ledger.KV) error {
		var err error
		c, err = e.Repo.LoadContract(ctx, kv, id)
		return err
	})
	return c, err
}

// ListEvents pages through the event journal after cursor.
func (e Engine) ListEvents(ctx context.Context, cursor int64, limit int, contractID string) ([]domain.Event, error) {
	if e.Journal == nil {
		return nil, errors.New("event journal not configured")
	}
	return e.Journal.After(ctx, cursor, limit, contractID)
}

func notRole(party domain.Party, role string, id domain.ContractID) error {
	return fmt.Errorf("%w: %s is not the %s of contract %s", domain.ErrUnauthorized, party, role, id)
}

func requireStatus(c domain.FreightContract, want domain.Status) error {
	if c.Status != want {
		return fmt.Errorf("%w: contract %s is %s, want %s", domain.ErrBadState, c.ID, c.Status, want)
	}
	return nil
}

func requireFunded(c domain.FreightContract) error {
	if !c.EscrowFunded {
		return fmt.Errorf("%w: contract %s", domain.ErrEscrowNotFunded, c.ID)
	}
	return nil
}

// advance moves c one step along the lifecycle. Callers have already checked
// the current status, so a terminal status here is a programming error.
func advance(c *domain.FreightContract) {
	next, ok := c.Status.Next()
	if !ok {
		panic(fmt.Sprintf("contract %s cannot advance from %s", c.ID, c.Status))
	}
	c.Status = next
}

func ledgerTime(ts uint64) string {
	if ts > uint64(1<<62) {
		return ""
	}
	return time.Unix(int64(ts), 0).UTC().Format(time.RFC3339)
}
