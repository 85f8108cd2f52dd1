// Package gateway contains the channel tasks, the state combiner and the
// cycle loop that tie the battery-side and inverter-side buses together.
package gateway

import (
	"context"
	"sync"

	"bms-gateway/pylontech"
)

// Mailbox is a single-slot latest-value carrier for battery states. Each Set
// replaces the slot and advances a generation counter; a waiter blocks until
// the counter moves past the generation it last observed. This is a
// level-triggered notify-all signal, not a queue: a slow consumer sees only
// the latest state, never a backlog, and there are no lost wakeups.
type Mailbox struct {
	mu      sync.Mutex
	state   pylontech.BatteryState
	gen     uint64
	changed chan struct{}
}

// NewMailbox returns an empty mailbox at generation zero.
func NewMailbox() *Mailbox {
	return &Mailbox{changed: make(chan struct{})}
}

// Set stores s as the latest state and wakes all waiters.
func (m *Mailbox) Set(s pylontech.BatteryState) {
	m.mu.Lock()
	m.state = s
	m.gen++
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()
}

// Next returns the latest state once its generation exceeds lastGen, or the
// context error. Passing the returned generation back in yields exactly one
// state per Set at most, skipping intermediate values under load.
func (m *Mailbox) Next(ctx context.Context, lastGen uint64) (pylontech.BatteryState, uint64, error) {
	for {
		m.mu.Lock()
		if m.gen > lastGen {
			st, gen := m.state, m.gen
			m.mu.Unlock()
			return st, gen, nil
		}
		ch := m.changed
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return pylontech.BatteryState{}, lastGen, ctx.Err()
		}
	}
}

// Latest returns the current slot content without waiting.
func (m *Mailbox) Latest() (pylontech.BatteryState, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.gen
}
