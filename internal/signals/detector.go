package signals

import (
	"unicode"
	"unicode/utf8"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/events"
)

// #region detector

// Detector extracts signals from one session's events and tracks
// frustration/success EMAs. It performs no I/O and is owned by a single
// session; it is not safe for concurrent use.
type Detector struct {
	config      DetectorConfig
	frustration EMA
	success     EMA
}

// NewDetector creates a Detector with fresh EMA state.
func NewDetector(config DetectorConfig) *Detector {
	if config.MaxScanBytes <= 0 {
		config.MaxScanBytes = DefaultDetectorConfig().MaxScanBytes
	}
	return &Detector{
		config:      config,
		frustration: NewEMA(config.EMADecay),
		success:     NewEMA(config.EMADecay),
	}
}

// Frustration returns the current frustration EMA.
func (d *Detector) Frustration() float64 { return d.frustration.Value() }

// Success returns the current success EMA.
func (d *Detector) Success() float64 { return d.success.Value() }

// #endregion detector

// #region detect

// Detect returns the signals carried by ev and folds them into the EMAs.
// Events without user text, tool output or feedback produce no signals and
// leave the EMAs untouched.
func (d *Detector) Detect(ev events.Event) []Signal {
	var out []Signal
	switch ev.Kind {
	case events.KindUserInput:
		text := head(ev.UserContent(), d.config.MaxScanBytes)
		out = applyRules(ev, userRules, text, out)
		if isShouting(text) {
			out = append(out, newSignal(ev, rule{KindFrustration, CategoryLinguistic, Negative, 0.5, nil}, "caps"))
		}
	case events.KindToolPost:
		out = d.detectTool(ev, out)
	case events.KindFeedback:
		out = detectFeedback(ev, out)
	default:
		return nil
	}
	d.fold(out)
	return out
}

func (d *Detector) detectTool(ev events.Event, out []Signal) []Signal {
	text := headTail(ev.ToolOutput(), d.config.MaxScanBytes)
	out = applyRules(ev, toolRules, text, out)

	failed := ev.Payload.ExitCode != nil && *ev.Payload.ExitCode != 0
	succeeded := false
	for _, s := range out {
		switch s.Kind {
		case KindTestFail, KindBuildFail, KindToolFailure:
			failed = true
		case KindTestPass, KindBuildPass:
			succeeded = true
		}
	}
	if ev.Payload.ExitCode != nil && *ev.Payload.ExitCode == 0 {
		succeeded = true
	}

	// Collapse into one streak-relevant outcome per tool call.
	switch {
	case failed:
		if !hasKind(out, KindToolFailure) {
			out = append(out, newSignal(ev, rule{KindToolFailure, CategoryToolOutcome, Negative, 1.0, nil}, "exit"))
		}
	case succeeded:
		out = append(out, newSignal(ev, rule{KindToolSuccess, CategoryToolOutcome, Positive, 1.0, nil}, "exit"))
	}
	return out
}

func detectFeedback(ev events.Event, out []Signal) []Signal {
	if ev.Payload.Rating == nil {
		return out
	}
	r := clamp(*ev.Payload.Rating)
	if r >= 0.5 {
		return append(out, newSignal(ev, rule{KindFeedbackPositive, CategoryStructural, Positive, r, nil}, "rating"))
	}
	return append(out, newSignal(ev, rule{KindFeedbackNegative, CategoryStructural, Negative, 1 - r, nil}, "rating"))
}

// fold updates the EMAs from this event's signals.
func (d *Detector) fold(sigs []Signal) {
	var neg, pos float64
	for _, s := range sigs {
		switch {
		case s.Kind == KindCorrection:
			neg += 0.5 * s.Weight
		case s.Category == CategoryToolOutcome && s.Polarity == Negative:
			neg += 0.25 * s.Weight
		case s.Polarity == Negative:
			neg += s.Weight
		case s.Polarity == Positive:
			pos += s.Weight
		}
	}
	d.frustration.Observe(neg)
	d.success.Observe(pos)
}

// #endregion detect

// #region helpers

func applyRules(ev events.Event, rules []rule, text string, out []Signal) []Signal {
	if text == "" {
		return out
	}
	for _, r := range rules {
		if m := r.re.FindString(text); m != "" {
			out = append(out, newSignal(ev, r, m))
		}
	}
	return out
}

func newSignal(ev events.Event, r rule, match string) Signal {
	if len(match) > maxPatternLen {
		match = match[:maxPatternLen]
	}
	return Signal{
		EventID:      ev.ID,
		SessionID:    ev.SessionID,
		MessageIndex: ev.MessageIndex,
		Timestamp:    ev.Timestamp,
		Kind:         r.kind,
		Category:     r.category,
		Polarity:     r.polarity,
		Weight:       r.weight,
		Pattern:      match,
	}
}

func hasKind(sigs []Signal, k Kind) bool {
	for _, s := range sigs {
		if s.Kind == k {
			return true
		}
	}
	return false
}

// isShouting flags mostly-uppercase messages of meaningful length.
func isShouting(text string) bool {
	var letters, upper int
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters >= 12 && float64(upper)/float64(letters) > 0.7
}

// head keeps at most n bytes of s without splitting a rune.
func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:runeFloor(s, n)]
}

// headTail keeps both ends of long output; failures usually print last.
func headTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	half := n / 2
	return s[:runeFloor(s, half)] + "\n" + s[runeCeil(s, len(s)-half):]
}

// runeFloor moves i back to the start of the rune it falls in.
func runeFloor(s string, i int) int {
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// runeCeil moves i forward to the next rune start.
func runeCeil(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}

// #endregion helpers
