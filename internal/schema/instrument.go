// Package schema defines the canonical data model shared across the engine:
// instruments, ticks, quotes, orders and the events derived from them.
package schema

import (
	"strings"

	"github.com/deepterminal/deepterminal/errs"
)

// Instrument is the immutable identity of a tradable instrument. The zero
// Segment/Expiry fields cover equities; derivatives carry both. Instruments
// are comparable and used as map keys throughout the engine.
type Instrument struct {
	Exchange string
	Symbol   string
	Segment  string
	Expiry   string
}

// Key renders the canonical EXCHANGE:SYMBOL[:SEGMENT[:EXPIRY]] form.
func (i Instrument) Key() string {
	parts := []string{i.Exchange, i.Symbol}
	if i.Segment != "" {
		parts = append(parts, i.Segment)
		if i.Expiry != "" {
			parts = append(parts, i.Expiry)
		}
	}
	return strings.Join(parts, ":")
}

func (i Instrument) String() string { return i.Key() }

// Validate ensures the instrument carries the mandatory identity fields.
func (i Instrument) Validate() error {
	if strings.TrimSpace(i.Exchange) == "" {
		return errs.New("schema/instrument", errs.CodeInvalid, errs.WithMessage("exchange required"))
	}
	if strings.TrimSpace(i.Symbol) == "" {
		return errs.New("schema/instrument", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if i.Expiry != "" && i.Segment == "" {
		return errs.New("schema/instrument", errs.CodeInvalid, errs.WithMessage("expiry requires a segment"))
	}
	return nil
}

// ParseInstrument parses the canonical key form produced by Key.
func ParseInstrument(key string) (Instrument, error) {
	parts := strings.Split(strings.TrimSpace(key), ":")
	if len(parts) < 2 || len(parts) > 4 {
		return Instrument{}, errs.New("schema/instrument", errs.CodeInvalid,
			errs.WithMessage("instrument key requires EXCHANGE:SYMBOL[:SEGMENT[:EXPIRY]]"))
	}
	instr := Instrument{Exchange: parts[0], Symbol: parts[1]}
	if len(parts) > 2 {
		instr.Segment = parts[2]
	}
	if len(parts) > 3 {
		instr.Expiry = parts[3]
	}
	if err := instr.Validate(); err != nil {
		return Instrument{}, err
	}
	return instr, nil
}
