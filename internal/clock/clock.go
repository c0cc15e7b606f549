// Package clock supplies the trusted time source contract operations read.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock returns the current time in unix seconds.
type Clock interface {
	Now(ctx context.Context) (uint64, error)
}

// System reads wall time and never reports a value lower than one it has
// already returned.
type System struct {
	mu   sync.Mutex
	last uint64
}

func NewSystem() *System { return &System{} }

func (s *System) Now(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := time.Now().Unix()
	if now < 0 {
		now = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if uint64(now) > s.last {
		s.last = uint64(now)
	}
	return s.last, nil
}

// Manual is a settable clock for tests and replay.
type Manual struct {
	mu  sync.Mutex
	now uint64
}

func NewManual(now uint64) *Manual { return &Manual{now: now} }

func (m *Manual) Now(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now, nil
}

func (m *Manual) Set(now uint64) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Manual) Advance(d uint64) {
	m.mu.Lock()
	m.now += d
	m.mu.Unlock()
}
