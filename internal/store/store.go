package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/adaptive"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS adaptive_parameters (
	param_key     TEXT PRIMARY KEY,
	alpha         REAL NOT NULL,
	beta          REAL NOT NULL,
	value         REAL NOT NULL,
	uncertainty   REAL NOT NULL,
	observations  INTEGER NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS learnings (
	learning_id   TEXT PRIMARY KEY,
	content       TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS learning_embeddings (
	learning_id   TEXT NOT NULL,
	content_hash  TEXT NOT NULL,
	embedding     BLOB NOT NULL,
	created_at    TEXT NOT NULL,
	PRIMARY KEY (learning_id, content_hash)
);

CREATE TABLE IF NOT EXISTS exposures (
	learning_id   TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	withheld      INTEGER NOT NULL,
	activated     INTEGER NOT NULL,
	score         REAL NOT NULL,
	recorded_at   TEXT NOT NULL,
	PRIMARY KEY (learning_id, session_id)
);

CREATE TABLE IF NOT EXISTS attributions (
	learning_id      TEXT NOT NULL,
	session_id       TEXT NOT NULL,
	was_withheld     INTEGER NOT NULL DEFAULT 0,
	was_activated    INTEGER NOT NULL DEFAULT 0,
	activation_score REAL NOT NULL DEFAULT 0,
	activation_index INTEGER NOT NULL,
	positive_sum     REAL NOT NULL,
	negative_sum     REAL NOT NULL,
	net              REAL NOT NULL,
	signal_count     INTEGER NOT NULL,
	created_at       TEXT NOT NULL,
	PRIMARY KEY (learning_id, session_id)
);

CREATE TABLE IF NOT EXISTS learning_values (
	learning_id       TEXT PRIMARY KEY,
	estimated_value   REAL NOT NULL,
	confidence        REAL NOT NULL,
	source            TEXT NOT NULL,
	sample_count      INTEGER NOT NULL,
	activation_rate   REAL NOT NULL,
	ablation_json     TEXT,
	flagged_removal   INTEGER NOT NULL,
	flagged_review    INTEGER NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id    TEXT PRIMARY KEY,
	ordinal       INTEGER NOT NULL,
	started_at    TEXT NOT NULL,
	ended_at      TEXT,
	heavy_reason  TEXT
);
`

// #endregion schema

// #region store-struct
// Store persists adaptive parameters, learnings and attribution state in
// SQLite. It implements adaptive.Persister and attribution.Store.
type Store struct {
	db *sql.DB
}

var _ adaptive.Persister = (*Store)(nil)

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// dsn adds a busy timeout so concurrent processes wait instead of failing.
func dsn(path string) string {
	if strings.Contains(path, "?") {
		return path + "&_pragma=busy_timeout(5000)"
	}
	return path + "?_pragma=busy_timeout(5000)"
}

// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle so the event log and assessment log share a file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion close

// #region parameters
// SaveParameter upserts one adaptive parameter.
func (s *Store) SaveParameter(ctx context.Context, key string, p adaptive.Parameter) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO adaptive_parameters (param_key, alpha, beta, value, uncertainty, observations, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(param_key) DO UPDATE SET
		   alpha = excluded.alpha, beta = excluded.beta, value = excluded.value,
		   uncertainty = excluded.uncertainty, observations = excluded.observations,
		   updated_at = excluded.updated_at`,
		key, p.Alpha, p.Beta, p.Value, p.Uncertainty, p.Observations, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save parameter: %w", err)
	}
	return nil
}

// LoadParameters returns every stored parameter.
func (s *Store) LoadParameters(ctx context.Context) (map[string]adaptive.Parameter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT param_key, alpha, beta, value, uncertainty, observations FROM adaptive_parameters`)
	if err != nil {
		return nil, fmt.Errorf("load parameters: %w", err)
	}
	defer rows.Close()

	out := make(map[string]adaptive.Parameter)
	for rows.Next() {
		var key string
		var p adaptive.Parameter
		if err := rows.Scan(&key, &p.Alpha, &p.Beta, &p.Value, &p.Uncertainty, &p.Observations); err != nil {
			return nil, fmt.Errorf("scan parameter: %w", err)
		}
		out[key] = p
	}
	return out, rows.Err()
}

// #endregion parameters

// #region sessions
// StartSession records a session's ordinal. Restarting a known session
// returns the ordinal it was first given.
func (s *Store) StartSession(ctx context.Context, sessionID string, ordinal int, at time.Time) (int, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, ordinal, started_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sessionID, ordinal, formatTime(at),
	)
	if err != nil {
		return 0, fmt.Errorf("start session: %w", err)
	}
	var stored int
	if err := s.db.QueryRowContext(ctx,
		`SELECT ordinal FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&stored); err != nil {
		return 0, fmt.Errorf("read session ordinal: %w", err)
	}
	return stored, nil
}

// SessionOrdinal returns the ordinal a session was started with.
func (s *Store) SessionOrdinal(ctx context.Context, sessionID string) (int, bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT ordinal FROM sessions WHERE session_id = ?`, sessionID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read session ordinal: %w", err)
	}
	return n, true, nil
}

// EndSession marks a session closed and records the heavy-assessment
// reason (empty when skipped).
func (s *Store) EndSession(ctx context.Context, sessionID string, at time.Time, heavyReason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, heavy_reason = ? WHERE session_id = ?`,
		formatTime(at), nullIfEmpty(heavyReason), sessionID,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// SessionCount returns how many sessions have been started.
func (s *Store) SessionCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(ordinal), 0) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// #endregion sessions

// #region helpers
// timeLayout is fixed-width so stored timestamps sort as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// #endregion helpers

// #region vector-encoding
func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// #endregion vector-encoding
