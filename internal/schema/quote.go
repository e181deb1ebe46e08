package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a single normalized market-data update for one instrument.
// Epoch increments each time the feed reconnects; Seq is the feed sequence
// number within an epoch. Sequence numbers are not assumed contiguous.
type Tick struct {
	Instrument Instrument
	LastPrice  decimal.Decimal
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	Timestamp  time.Time
	Epoch      uint32
	Seq        uint64
}

// After reports whether the tick supersedes the given epoch/sequence pair.
// Ordering is lexicographic on (epoch, seq) so a feed reconnect never makes
// fresh data look stale.
func (t Tick) After(epoch uint32, seq uint64) bool {
	if t.Epoch != epoch {
		return t.Epoch > epoch
	}
	return t.Seq > seq
}

// Quote is the latest accepted market state for one instrument. Exactly one
// Quote exists per instrument; it is overwritten in place by the dispatcher.
type Quote struct {
	Instrument Instrument
	LastPrice  decimal.Decimal
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	Timestamp  time.Time
	Epoch      uint32
	Seq        uint64
}
