package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// #region stream

// Stream is an ordered, replayable event source consumed as a group.
type Stream interface {
	// Poll returns up to max events after the consumer's position, waiting
	// at most timeout for new events. An empty batch is not an error.
	Poll(ctx context.Context, max int, timeout time.Duration) ([]Event, error)
	// Commit records that every event up to offset was processed.
	Commit(ctx context.Context, offset int64) error
	// Subscribe streams events appended after the call.
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// #endregion stream

// #region jsonl

// maxLineBytes bounds a single JSONL event.
const maxLineBytes = 4 << 20

// DecodeJSONL reads one event per line and calls fn for each valid event.
// Blank lines are ignored; undecodable or invalid lines are skipped and
// counted. A non-nil error from fn stops decoding.
func DecodeJSONL(r io.Reader, fn func(Event) error) (skipped int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			skipped++
			continue
		}
		if ev.Validate() != nil {
			skipped++
			continue
		}
		if err := fn(ev); err != nil {
			return skipped, err
		}
	}
	if err := sc.Err(); err != nil {
		return skipped, fmt.Errorf("scan jsonl: %w", err)
	}
	return skipped, nil
}

// #endregion jsonl
