package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"freightline/internal/db"
	"freightline/internal/domain"
	"freightline/internal/ledger"
)

// Journal is the append-only SQL event log. Publish joins the transaction of
// the enclosing ledger unit of work when there is one.
type Journal struct {
	DB     *sql.DB
	Driver db.Driver
	Now    func() time.Time
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (j Journal) q(query string) string { return db.Rebind(j.Driver, query) }

func (j Journal) Publish(ctx context.Context, evt domain.Event) error {
	if j.Now == nil {
		j.Now = time.Now
	}
	if evt.TS == "" {
		evt.TS = j.Now().UTC().Format(time.RFC3339)
	}
	if evt.Payload == nil {
		evt.Payload = domain.EventPayload{}
	}
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if tx, ok := ledger.TxFromContext(ctx); ok {
		return j.append(ctx, tx, evt, data)
	}
	if j.Driver != db.DriverPostgres {
		return j.append(ctx, j.DB, evt, data)
	}
	tx, err := j.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append event %s: %w", evt.Topic, err)
	}
	defer tx.Rollback()
	if err := j.append(ctx, tx, evt, data); err != nil {
		return err
	}
	return tx.Commit()
}

// journalLockKey names the postgres advisory lock that orders appends.
const journalLockKey = 0x666c6a6e

// append inserts evt through exec. On postgres it first takes a
// transaction-scoped advisory lock, so a seq is only handed out once every
// transaction holding a lower seq has finished and seq order matches
// commit order. The relay cursor relies on that.
func (j Journal) append(ctx context.Context, exec execer, evt domain.Event, payload []byte) error {
	if j.Driver == db.DriverPostgres {
		if _, err := exec.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(journalLockKey)); err != nil {
			return fmt.Errorf("lock event journal: %w", err)
		}
	}
	_, err := exec.ExecContext(ctx, j.q(`INSERT INTO events(id,ts,category,topic,contract_id,party,payload_json) VALUES (?,?,?,?,?,?,?)`),
		evt.ID, evt.TS, evt.Category, string(evt.Topic), evt.ContractID.String(), nullable(string(evt.Party)), string(payload))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evt.Topic, err)
	}
	return nil
}

// After returns up to limit events with seq greater than cursor, oldest
// first, optionally restricted to one contract.
func (j Journal) After(ctx context.Context, cursor int64, limit int, contractID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT seq,id,ts,category,topic,contract_id,COALESCE(party,''),payload_json FROM events WHERE seq>?`
	args := []any{cursor}
	if contractID != "" {
		query += ` AND contract_id=?`
		args = append(args, contractID)
	}
	query += ` ORDER BY seq ASC LIMIT ?`
	args = append(args, limit)
	rows, err := j.DB.QueryContext(ctx, j.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var evt domain.Event
		var topic, id, party, payload string
		if err := rows.Scan(&evt.Seq, &evt.ID, &evt.TS, &evt.Category, &topic, &id, &party, &payload); err != nil {
			return nil, err
		}
		evt.Topic = domain.Topic(topic)
		evt.Party = domain.Party(party)
		if evt.ContractID, err = domain.ParseContractID(id); err != nil {
			return nil, fmt.Errorf("event %d: %w", evt.Seq, err)
		}
		if err := json.Unmarshal([]byte(payload), &evt.Payload); err != nil {
			return nil, fmt.Errorf("event %d payload: %w", evt.Seq, err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// Latest returns the highest seq written so far, 0 for an empty journal.
func (j Journal) Latest(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := j.DB.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

func (j Journal) LoadCursor(ctx context.Context, name string) (int64, bool, error) {
	var seq int64
	err := j.DB.QueryRowContext(ctx, j.q(`SELECT seq FROM relay_cursors WHERE name=?`), name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

func (j Journal) SaveCursor(ctx context.Context, name string, seq int64) error {
	if j.Now == nil {
		j.Now = time.Now
	}
	_, err := j.DB.ExecContext(ctx, j.q(`INSERT INTO relay_cursors(name,seq,updated_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET seq=excluded.seq, updated_at=excluded.updated_at`),
		name, seq, j.Now().UTC().Format(time.RFC3339))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
