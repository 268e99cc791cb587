// Package audit appends an immutable record of every policy verdict. Records
// are written after the verdict is computed and never block the decision
// path; a failed append is logged by the caller, not surfaced to the agent.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer persists decision records. With Redact set, agent ids and command
// text are replaced by salted hashes before they touch the database.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Record is one evaluated operation and its outcome.
type Record struct {
	DecisionID  string
	Target      string
	AgentID     string
	GateID      string
	Command     string
	Verdict     string
	Reason      string
	RequestID   string
	ThreatLevel string
	ThreatScore int
	ActorID     string
	CreatedAt   time.Time
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO decision_records
		(decision_id, target, agent_id, gate_id, command, verdict, reason, request_id, threat_level, threat_score, actor_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (decision_id) DO NOTHING
	`, rec.DecisionID, rec.Target, rec.AgentID, rec.GateID, rec.Command, rec.Verdict, rec.Reason,
		rec.RequestID, rec.ThreatLevel, rec.ThreatScore, rec.ActorID, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, decisionID string) (Record, error) {
	row := w.DB.QueryRow(ctx, `
		SELECT decision_id, target, agent_id, gate_id, command, verdict, reason, request_id, threat_level, threat_score, actor_id, created_at
		FROM decision_records WHERE decision_id=$1
	`, decisionID)
	var rec Record
	err := row.Scan(&rec.DecisionID, &rec.Target, &rec.AgentID, &rec.GateID, &rec.Command, &rec.Verdict,
		&rec.Reason, &rec.RequestID, &rec.ThreatLevel, &rec.ThreatScore, &rec.ActorID, &rec.CreatedAt)
	return rec, err
}

// Recent returns the newest records for a target, newest first.
func (w *Writer) Recent(ctx context.Context, target string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := w.DB.Query(ctx, `
		SELECT decision_id, target, agent_id, gate_id, command, verdict, reason, request_id, threat_level, threat_score, actor_id, created_at
		FROM decision_records WHERE target=$1 ORDER BY created_at DESC LIMIT $2
	`, target, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.DecisionID, &rec.Target, &rec.AgentID, &rec.GateID, &rec.Command, &rec.Verdict,
			&rec.Reason, &rec.RequestID, &rec.ThreatLevel, &rec.ThreatScore, &rec.ActorID, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
