// Package interval implements the per-resource slot index backing the
// in-process reservation storage. Every resource gets its own partition
// guarded by its own mutex, so overlap checks for unrelated resources
// never contend.
package interval

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/horaoen/reservation/internal/domain/models"
)

var (
	ErrConflict     = errors.New("timespan overlaps an existing slot")
	ErrUnknownToken = errors.New("unknown slot token")
)

// Token is an opaque handle to a reserved slot. The zero value is never
// issued.
type Token uint64

type slot struct {
	token Token
	span  models.Timespan
}

// partition holds the non-overlapping slots of a single resource,
// sorted by span start. Because slots never overlap, the slice is
// sorted by end as well.
type partition struct {
	mu    sync.Mutex
	slots []slot
}

type Index struct {
	mu         sync.RWMutex
	partitions map[string]*partition
	nextToken  atomic.Uint64
}

func New() *Index {
	return &Index{partitions: make(map[string]*partition)}
}

func (x *Index) partition(resourceID string) *partition {
	x.mu.RLock()
	p, ok := x.partitions[resourceID]
	x.mu.RUnlock()
	if ok {
		return p
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if p, ok = x.partitions[resourceID]; !ok {
		p = &partition{}
		x.partitions[resourceID] = p
	}
	return p
}

// insertAt returns the position at which span belongs, and whether the
// neighbouring slot there overlaps it. Caller must hold p.mu.
func (p *partition) insertAt(span models.Timespan) (int, bool) {
	i := sort.Search(len(p.slots), func(i int) bool {
		return p.slots[i].span.End.After(span.Start)
	})
	if i < len(p.slots) && p.slots[i].span.Overlaps(span) {
		return i, true
	}
	return i, false
}

func (p *partition) insert(i int, s slot) {
	p.slots = append(p.slots, slot{})
	copy(p.slots[i+1:], p.slots[i:])
	p.slots[i] = s
}

func (p *partition) indexOf(tok Token) int {
	for i, s := range p.slots {
		if s.token == tok {
			return i
		}
	}
	return -1
}

// TryReserve atomically claims span for resourceID. It fails with
// ErrConflict if any existing slot of the resource overlaps span.
func (x *Index) TryReserve(resourceID string, span models.Timespan) (Token, error) {
	p := x.partition(resourceID)

	p.mu.Lock()
	defer p.mu.Unlock()

	i, overlaps := p.insertAt(span)
	if overlaps {
		return 0, ErrConflict
	}

	tok := Token(x.nextToken.Add(1))
	p.insert(i, slot{token: tok, span: span})
	return tok, nil
}

// Release frees the slot held by tok, making its span available again.
func (x *Index) Release(resourceID string, tok Token) error {
	p := x.partition(resourceID)

	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexOf(tok)
	if i < 0 {
		return ErrUnknownToken
	}
	p.slots = append(p.slots[:i], p.slots[i+1:]...)
	return nil
}

// Replace atomically swaps the slot held by tok for span, as if Release
// and TryReserve ran with no other writer in between. The old span is
// not a conflict source for the new one; on conflict the old slot is
// kept untouched.
func (x *Index) Replace(resourceID string, tok Token, span models.Timespan) (Token, error) {
	p := x.partition(resourceID)

	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexOf(tok)
	if i < 0 {
		return 0, ErrUnknownToken
	}

	old := p.slots[i]
	p.slots = append(p.slots[:i], p.slots[i+1:]...)

	j, overlaps := p.insertAt(span)
	if overlaps {
		k, _ := p.insertAt(old.span)
		p.insert(k, old)
		return 0, ErrConflict
	}

	tok = Token(x.nextToken.Add(1))
	p.insert(j, slot{token: tok, span: span})
	return tok, nil
}
