package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/lokutor-ai/lokutor-live/pkg/protocol"
)

type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// ContentBlock is one framed unit of content within the prompt.
type ContentBlock struct {
	ID          string
	Type        protocol.ContentType
	Role        protocol.Role
	Interactive bool
	Direction   Direction
	Speculative bool
	OpenedAt    time.Time
}

// ContentRegistry tracks open blocks in both directions. An identifier can be
// opened once per session; reuse is a protocol error even after the block
// was closed.
type ContentRegistry struct {
	mu   sync.Mutex
	open map[string]ContentBlock
	seen map[string]struct{}
}

func NewContentRegistry() *ContentRegistry {
	return &ContentRegistry{
		open: make(map[string]ContentBlock),
		seen: make(map[string]struct{}),
	}
}

func (r *ContentRegistry) Open(b ContentBlock) error {
	if b.ID == "" {
		return fmt.Errorf("%w: content block without identifier", ErrProtocol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[b.ID]; ok {
		return fmt.Errorf("%w: content id %q reused", ErrProtocol, b.ID)
	}
	if b.OpenedAt.IsZero() {
		b.OpenedAt = time.Now()
	}
	r.seen[b.ID] = struct{}{}
	r.open[b.ID] = b
	return nil
}

// Close removes an open block and returns it.
func (r *ContentRegistry) Close(id string) (ContentBlock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.open[id]
	if !ok {
		return ContentBlock{}, fmt.Errorf("%w: content id %q is not open", ErrProtocol, id)
	}
	delete(r.open, id)
	return b, nil
}

func (r *ContentRegistry) Get(id string) (ContentBlock, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.open[id]
	return b, ok
}

func (r *ContentRegistry) IsOpen(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// OpenCount returns the number of open blocks in direction d.
func (r *ContentRegistry) OpenCount(d Direction) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.open {
		if b.Direction == d {
			n++
		}
	}
	return n
}

func (r *ContentRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}
