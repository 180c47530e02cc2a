package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/attribution"
)

var _ attribution.Store = (*Store)(nil)

// #region learnings
// UpsertLearning inserts or updates a learning's content.
func (s *Store) UpsertLearning(ctx context.Context, l attribution.Learning) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO learnings (learning_id, content, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(learning_id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		l.ID, l.Content, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert learning: %w", err)
	}
	return nil
}

// Learnings returns the known learnings among ids, in id order.
func (s *Store) Learnings(ctx context.Context, ids []string) ([]attribution.Learning, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT learning_id, content FROM learnings WHERE learning_id IN (`+placeholders(len(ids))+`) ORDER BY learning_id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query learnings: %w", err)
	}
	defer rows.Close()

	var out []attribution.Learning
	for rows.Next() {
		var l attribution.Learning
		if err := rows.Scan(&l.ID, &l.Content); err != nil {
			return nil, fmt.Errorf("scan learning: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// #endregion learnings

// #region embeddings
// CachedEmbedding returns the stored embedding for a learning revision.
func (s *Store) CachedEmbedding(ctx context.Context, learningID, contentHash string) ([]float32, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT embedding FROM learning_embeddings WHERE learning_id = ? AND content_hash = ?`,
		learningID, contentHash,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read embedding: %w", err)
	}
	return decodeVector(blob), true, nil
}

// PutEmbedding caches an embedding and drops stale revisions.
func (s *Store) PutEmbedding(ctx context.Context, learningID, contentHash string, vec []float32) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM learning_embeddings WHERE learning_id = ? AND content_hash <> ?`, learningID, contentHash,
	); err != nil {
		return fmt.Errorf("drop stale embeddings: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO learning_embeddings (learning_id, content_hash, embedding, created_at) VALUES (?, ?, ?, ?)`,
		learningID, contentHash, encodeVector(vec), formatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}
	return tx.Commit()
}

// #endregion embeddings

// #region exposures
// RecordExposure upserts one (learning, session) sample.
func (s *Store) RecordExposure(ctx context.Context, x attribution.Exposure) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO exposures (learning_id, session_id, withheld, activated, score, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		x.LearningID, x.SessionID, boolInt(x.Withheld), boolInt(x.Activated), x.Score, formatTime(x.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("record exposure: %w", err)
	}
	return nil
}

// Exposures returns every sample for a learning.
func (s *Store) Exposures(ctx context.Context, learningID string) ([]attribution.Exposure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, withheld, activated, score, recorded_at FROM exposures
		 WHERE learning_id = ? ORDER BY recorded_at, session_id`, learningID,
	)
	if err != nil {
		return nil, fmt.Errorf("query exposures: %w", err)
	}
	defer rows.Close()

	var out []attribution.Exposure
	for rows.Next() {
		x := attribution.Exposure{LearningID: learningID}
		var withheld, activated int
		var recorded string
		if err := rows.Scan(&x.SessionID, &withheld, &activated, &x.Score, &recorded); err != nil {
			return nil, fmt.Errorf("scan exposure: %w", err)
		}
		x.Withheld = withheld == 1
		x.Activated = activated == 1
		x.RecordedAt = parseTime(recorded)
		out = append(out, x)
	}
	return out, rows.Err()
}

// #endregion exposures

// #region attributions
// SaveAttribution upserts one (learning, session) attribution.
func (s *Store) SaveAttribution(ctx context.Context, a attribution.Attribution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO attributions
		 (learning_id, session_id, was_withheld, was_activated, activation_score,
		  activation_index, positive_sum, negative_sum, net, signal_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.LearningID, a.SessionID, boolInt(a.WasWithheld), boolInt(a.WasActivated), a.ActivationScore,
		a.ActivationIndex, a.PositiveSum, a.NegativeSum, a.Net, a.Signals, formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save attribution: %w", err)
	}
	return nil
}

// Attributions returns every attribution for a learning.
func (s *Store) Attributions(ctx context.Context, learningID string) ([]attribution.Attribution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, was_withheld, was_activated, activation_score,
		        activation_index, positive_sum, negative_sum, net, signal_count, created_at
		 FROM attributions WHERE learning_id = ? ORDER BY created_at, session_id`, learningID,
	)
	if err != nil {
		return nil, fmt.Errorf("query attributions: %w", err)
	}
	defer rows.Close()

	var out []attribution.Attribution
	for rows.Next() {
		a := attribution.Attribution{LearningID: learningID}
		var (
			created             string
			withheld, activated int
		)
		if err := rows.Scan(&a.SessionID, &withheld, &activated, &a.ActivationScore,
			&a.ActivationIndex, &a.PositiveSum, &a.NegativeSum, &a.Net, &a.Signals, &created); err != nil {
			return nil, fmt.Errorf("scan attribution: %w", err)
		}
		a.WasWithheld, a.WasActivated = withheld != 0, activated != 0
		a.CreatedAt = parseTime(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// #endregion attributions

// #region values
// SaveValue upserts a learning's aggregated value.
func (s *Store) SaveValue(ctx context.Context, v attribution.LearningValue) error {
	var ablation interface{}
	if v.Ablation != nil {
		b, err := json.Marshal(v.Ablation)
		if err != nil {
			return fmt.Errorf("marshal ablation: %w", err)
		}
		ablation = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO learning_values
		 (learning_id, estimated_value, confidence, source, sample_count, activation_rate,
		  ablation_json, flagged_removal, flagged_review, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.LearningID, v.EstimatedValue, v.Confidence, string(v.Source), v.SampleCount, v.ActivationRate,
		ablation, boolInt(v.FlaggedForRemoval), boolInt(v.FlaggedForReview), formatTime(v.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save value: %w", err)
	}
	return nil
}

const valueColumns = `learning_id, estimated_value, confidence, source, sample_count, activation_rate,
	ablation_json, flagged_removal, flagged_review, updated_at`

// Value returns a learning's stored value, if any.
func (s *Store) Value(ctx context.Context, learningID string) (attribution.LearningValue, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+valueColumns+` FROM learning_values WHERE learning_id = ?`, learningID)
	v, err := scanValue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return attribution.LearningValue{}, false, nil
	}
	if err != nil {
		return attribution.LearningValue{}, false, err
	}
	return v, true, nil
}

// ListValues returns all stored values, flagged learnings first.
func (s *Store) ListValues(ctx context.Context) ([]attribution.LearningValue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+valueColumns+` FROM learning_values
		 ORDER BY flagged_removal DESC, flagged_review DESC, estimated_value ASC, learning_id`)
	if err != nil {
		return nil, fmt.Errorf("list values: %w", err)
	}
	defer rows.Close()

	var out []attribution.LearningValue
	for rows.Next() {
		v, err := scanValue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanValue(r scanner) (attribution.LearningValue, error) {
	var v attribution.LearningValue
	var source, updated string
	var ablation sql.NullString
	var removal, review int
	err := r.Scan(&v.LearningID, &v.EstimatedValue, &v.Confidence, &source, &v.SampleCount,
		&v.ActivationRate, &ablation, &removal, &review, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return v, err
		}
		return v, fmt.Errorf("scan value: %w", err)
	}
	v.Source = attribution.Source(source)
	v.FlaggedForRemoval = removal == 1
	v.FlaggedForReview = review == 1
	v.UpdatedAt = parseTime(updated)
	if ablation.Valid {
		var res attribution.AblationResult
		if err := json.Unmarshal([]byte(ablation.String), &res); err != nil {
			return v, fmt.Errorf("unmarshal ablation: %w", err)
		}
		v.Ablation = &res
	}
	return v, nil
}

// #endregion values
