// Package quotestore holds the latest accepted quote per instrument.
package quotestore

import (
	"sync"

	"github.com/deepterminal/deepterminal/errs"
	"github.com/deepterminal/deepterminal/internal/schema"
)

// Store keeps exactly one Quote per instrument, overwritten in place. The
// dispatcher is the only writer; UI and strategy readers may run concurrently
// with each other.
type Store struct {
	mu       sync.RWMutex
	quotes   map[schema.Instrument]schema.Quote
	versions map[schema.Instrument]uint64
}

// New constructs an empty quote store.
func New() *Store {
	return &Store{
		quotes:   make(map[schema.Instrument]schema.Quote),
		versions: make(map[schema.Instrument]uint64),
	}
}

// Update applies a tick to the store. It rejects ticks whose (epoch, seq)
// pair is not strictly greater than the stored one with a stale_event error,
// leaving quote and version untouched. On acceptance it returns true only
// when a price field actually changed; heartbeats that advance the sequence
// without moving prices are absorbed without bumping the version, so
// downstream recompute is skipped.
func (s *Store) Update(tick schema.Tick) (bool, error) {
	if err := tick.Instrument.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.quotes[tick.Instrument]
	if exists && !tick.After(prev.Epoch, prev.Seq) {
		return false, errs.New("quotestore/update", errs.CodeStale,
			errs.WithMessage("tick sequence not after stored quote"))
	}

	next := schema.Quote{
		Instrument: tick.Instrument,
		LastPrice:  tick.LastPrice,
		Bid:        tick.Bid,
		Ask:        tick.Ask,
		Timestamp:  tick.Timestamp,
		Epoch:      tick.Epoch,
		Seq:        tick.Seq,
	}
	s.quotes[tick.Instrument] = next

	changed := !exists ||
		!prev.LastPrice.Equal(next.LastPrice) ||
		!prev.Bid.Equal(next.Bid) ||
		!prev.Ask.Equal(next.Ask)
	if changed {
		s.versions[tick.Instrument]++
	}
	return changed, nil
}

// Get returns the current quote for the instrument.
func (s *Store) Get(instrument schema.Instrument) (schema.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	quote, ok := s.quotes[instrument]
	return quote, ok
}

// Version returns the per-instrument change counter. It increments only on
// updates that moved a price field.
func (s *Store) Version(instrument schema.Instrument) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[instrument]
}

// Instruments returns the set of instruments with a stored quote.
func (s *Store) Instruments() []schema.Instrument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.Instrument, 0, len(s.quotes))
	for instr := range s.quotes {
		out = append(out, instr)
	}
	return out
}
