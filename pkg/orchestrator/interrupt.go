package orchestrator

import (
	"regexp"
	"sync/atomic"

	"github.com/lokutor-ai/lokutor-live/pkg/audio"
)

// InterruptController carries the barge-in signal from the dispatcher to the
// playback goroutine. The dispatcher sets it; only the playback goroutine
// clears it, after draining the queue.
type InterruptController struct {
	pattern *regexp.Regexp
	pending atomic.Bool
}

func NewInterruptController(pattern string) (*InterruptController, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &InterruptController{pattern: re}, nil
}

// Matches reports whether text carries the interruption marker.
func (c *InterruptController) Matches(text string) bool {
	return c.pattern.MatchString(text)
}

func (c *InterruptController) Signal() {
	c.pending.Store(true)
}

func (c *InterruptController) Pending() bool {
	return c.pending.Load()
}

// Flush drains q if a barge-in is pending and then clears the signal. It
// returns the number of discarded chunks and whether a flush happened.
func (c *InterruptController) Flush(q *audio.Queue) (int, bool) {
	if !c.pending.Load() {
		return 0, false
	}
	n := q.Drain()
	c.pending.Store(false)
	return n, true
}
