// Package gpu admits jobs to the GPU-bound stage. A fixed number of slots can
// be held at once and a bounded number of callers may wait for one; anything
// beyond that is turned away instead of queueing without limit.
package gpu

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"lipsync-service/internal/model"
)

type Gate struct {
	sem      *semaphore.Weighted
	slots    int
	maxQueue int

	mu      sync.Mutex
	waiting int
	inUse   int
	free    []int
}

func NewGate(slots, queueDepth int) *Gate {
	slots = max(slots, 1)
	free := make([]int, slots)
	for i := range free {
		free[i] = slots - 1 - i
	}
	return &Gate{
		sem:      semaphore.NewWeighted(int64(slots)),
		slots:    slots,
		maxQueue: max(queueDepth, 0),
		free:     free,
	}
}

// Acquire blocks until a slot is free. Waiters are served in arrival order.
// When QueueDepth callers are already waiting it fails with ErrCapacity.
func (g *Gate) Acquire(ctx context.Context) (*Slot, error) {
	if g.sem.TryAcquire(1) {
		return g.take(), nil
	}

	g.mu.Lock()
	if g.waiting >= g.maxQueue {
		g.mu.Unlock()
		return nil, fmt.Errorf("%d slots busy, %d waiting: %w", g.slots, g.maxQueue, model.ErrCapacity)
	}
	g.waiting++
	g.mu.Unlock()

	err := g.sem.Acquire(ctx, 1)

	g.mu.Lock()
	g.waiting--
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return g.take(), nil
}

func (g *Gate) take() *Slot {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.free[len(g.free)-1]
	g.free = g.free[:len(g.free)-1]
	g.inUse++
	return &Slot{ID: id, gate: g}
}

func (g *Gate) put(id int) {
	g.mu.Lock()
	g.free = append(g.free, id)
	g.inUse--
	g.mu.Unlock()
	g.sem.Release(1)
}

// Stats is a point-in-time view for health reporting.
type Stats struct {
	Slots   int `json:"gpu_slots"`
	InUse   int `json:"gpu_in_use"`
	Waiting int `json:"queue_waiting"`
}

func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{Slots: g.slots, InUse: g.inUse, Waiting: g.waiting}
}

// Slot is an owned GPU slot. Release may be called any number of times.
type Slot struct {
	ID   int
	gate *Gate
	once sync.Once
}

func (s *Slot) Release() {
	s.once.Do(func() { s.gate.put(s.ID) })
}
