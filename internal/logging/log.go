package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// timeLayout is fixed-width so stored timestamps sort as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS assessment_log (
	record_id     TEXT PRIMARY KEY,
	tier          TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	event_id      TEXT,
	lineage_json  TEXT NOT NULL,
	body_json     TEXT NOT NULL,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assessment_session ON assessment_log (session_id, tier);
CREATE INDEX IF NOT EXISTS idx_assessment_age ON assessment_log (tier, created_at);
`

// EnsureSchema creates the assessment log table.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate assessment log: %w", err)
	}
	return nil
}

// #endregion schema

// #region write
// Write inserts a record. Rewriting the same record id is a no-op.
func Write(ctx context.Context, db *sql.DB, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	lineage, err := json.Marshal(rec.Lineage)
	if err != nil {
		return fmt.Errorf("marshal lineage: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO assessment_log (record_id, tier, session_id, event_id, lineage_json, body_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(record_id) DO NOTHING`,
		rec.ID,
		string(rec.Tier),
		rec.SessionID,
		nullIfEmpty(rec.EventID),
		string(lineage),
		string(rec.Body),
		rec.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("write %s record: %w", rec.Tier, err)
	}
	return nil
}

// #endregion write

// #region query
// Records returns a session's records of one tier in write order. An empty
// tier returns all tiers.
func Records(ctx context.Context, db *sql.DB, sessionID string, tier Tier) ([]Record, error) {
	q := `SELECT record_id, tier, session_id, event_id, lineage_json, body_json, created_at
	      FROM assessment_log WHERE session_id = ?`
	args := []interface{}{sessionID}
	if tier != "" {
		q += ` AND tier = ?`
		args = append(args, string(tier))
	}
	q += ` ORDER BY created_at, rowid`

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var tierStr, lineage, body, created string
		var eventID sql.NullString
		if err := rows.Scan(&rec.ID, &tierStr, &rec.SessionID, &eventID, &lineage, &body, &created); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Tier = Tier(tierStr)
		rec.EventID = eventID.String
		if err := json.Unmarshal([]byte(lineage), &rec.Lineage); err != nil {
			return nil, fmt.Errorf("unmarshal lineage: %w", err)
		}
		rec.Body = json.RawMessage(body)
		rec.CreatedAt, _ = time.Parse(timeLayout, created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// #endregion query

// #region prune
// Prune deletes records of tier created before cutoff and returns how many
// were removed.
func Prune(ctx context.Context, db *sql.DB, tier Tier, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM assessment_log WHERE tier = ? AND created_at < ?`,
		string(tier), cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", tier, err)
	}
	return res.RowsAffected()
}

// Retention maps each tier to how long its records are kept. Zero keeps
// records forever.
type Retention map[Tier]time.Duration

// PruneAll applies a retention policy relative to now.
func PruneAll(ctx context.Context, db *sql.DB, policy Retention, now time.Time) (int64, error) {
	var total int64
	for _, tier := range []Tier{TierLightweight, TierMedium, TierHeavy} {
		keep := policy[tier]
		if keep <= 0 {
			continue
		}
		n, err := Prune(ctx, db, tier, now.Add(-keep))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// #endregion prune

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
