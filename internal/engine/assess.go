package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/attribution"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/capability"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/checkpoint"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/eval"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/events"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/logging"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/signals"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/update"
)

// #region medium

// scheduleMedium summarizes the segment a checkpoint closed. A failed
// summary drops the record; the checkpoint itself is already in the
// lightweight log.
func (e *Engine) scheduleMedium(s *session, cp checkpoint.Checkpoint, eventID string) {
	msgs, sigs := s.takeSegment()
	lineage := s.lineage
	e.dispatch.Go("medium", s.id, func(ctx context.Context) error {
		return e.assessMedium(ctx, s.id, eventID, lineage, cp, msgs, sigs)
	})
}

func (e *Engine) assessMedium(ctx context.Context, sessionID, eventID string, lineage events.Lineage,
	cp checkpoint.Checkpoint, msgs []capability.Message, sigs []signals.Signal) error {
	body := logging.MediumEvent{Checkpoint: cp, Signals: len(sigs)}
	for _, s := range sigs {
		if s.Polarity == signals.Negative {
			body.Negative++
		}
	}
	if e.summarizer != nil && len(msgs) > 0 {
		summary, err := e.summarizer.Summarize(ctx, msgs)
		if err != nil {
			return fmt.Errorf("summarize checkpoint %d: %w", cp.Sequence, err)
		}
		body.Summary = summary
	}
	e.record(logging.TierMedium, sessionID, eventID, lineage, body, fmt.Sprintf("checkpoint/%d", cp.Sequence))
	return nil
}

// #endregion medium

// #region heavy

// assessHeavy scores an ended session, runs attribution for its learnings
// and feeds the outcome back into the adaptive parameters. Capability
// failures degrade the assessment rather than abort it.
func (e *Engine) assessHeavy(ctx context.Context, c closed, reason checkpoint.Reason) error {
	heuristic := e.harness.Run(c.evidence())
	body := logging.HeavyEvent{
		Reason:         reason,
		HeuristicScore: heuristic.Score,
		Interventions:  c.interventions,
	}

	var errs []error
	if e.summarizer != nil && c.transcript != "" {
		a, err := e.summarizer.Analyze(ctx, c.transcript)
		if err != nil {
			e.logger.Warn("session analysis unavailable", slog.String("session_id", c.id), slog.Any("error", err))
		} else {
			a = a.Normalize()
			body.Analysis = &a
		}
	}
	body.Score = eval.Blend(heuristic.Score, body.Analysis)

	report, err := e.attribute(ctx, c, body.Score, false)
	if err != nil {
		errs = append(errs, err)
	}
	body.Activations = report.Activations
	body.Attributions = report.Attributions
	body.Values = report.Values

	res := update.Update(update.Signals{
		SessionID:     c.id,
		Score:         body.Score,
		Interventions: c.interventions,
		Values:        body.Values,
	}, e.config.Update)
	if res.Decision.Action == "commit" {
		n, err := update.Apply(ctx, e.registry, c.id, res)
		if err != nil {
			errs = append(errs, fmt.Errorf("apply parameter updates: %w", err))
		}
		e.logger.Debug("parameters updated", slog.String("session_id", c.id), slog.Int("applied", n))
	}

	e.record(logging.TierHeavy, c.id, "", c.lineage, body, "heavy")

	if err := e.endSession(ctx, c, string(reason)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// #endregion heavy

// #region end

// assessEnd closes a session that was not sampled for a heavy assessment.
// Sessions carrying learnings still report their heuristic outcome to the
// ablation experiment, attributed lexically so no capability is called.
func (e *Engine) assessEnd(ctx context.Context, c closed) error {
	var errs []error
	if e.hasLearnings(c) {
		heuristic := e.harness.Run(c.evidence())
		if _, err := e.attribute(ctx, c, heuristic.Score, true); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.endSession(ctx, c, ""); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) hasLearnings(c closed) bool {
	return e.attribution != nil && len(c.lineage.ActiveLearnings)+len(c.lineage.WithheldLearnings) > 0
}

// attribute runs the attribution layers for a closed session's learnings.
func (e *Engine) attribute(ctx context.Context, c closed, score float64, lexical bool) (attribution.Report, error) {
	if !e.hasLearnings(c) {
		return attribution.Report{SessionID: c.id}, nil
	}
	report, err := e.attribution.AssessSession(ctx, attribution.SessionInput{
		SessionID: c.id,
		Active:    c.lineage.ActiveLearnings,
		Withheld:  c.lineage.WithheldLearnings,
		Outputs:   c.outputs,
		Signals:   c.signals,
		Score:     score,
		Lexical:   lexical,
	})
	if err != nil {
		return report, fmt.Errorf("attribution: %w", err)
	}
	return report, nil
}

// endSession marks the session closed. The start row is written first
// because the background start task may not have run yet.
func (e *Engine) endSession(ctx context.Context, c closed, heavyReason string) error {
	if _, err := e.sessions.StartSession(ctx, c.id, c.ordinal, c.startedAt); err != nil {
		return err
	}
	return e.sessions.EndSession(ctx, c.id, c.endedAt, heavyReason)
}

// #endregion end
