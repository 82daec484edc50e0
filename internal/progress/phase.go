package progress

// Phase assigns a batch a fixed share of the 0-100 global range when the batch
// is one sub-phase of a larger multi-phase step. Boundaries are externally
// supplied constants, not discovered.
type Phase struct {
	// Start is the global percent where this phase begins.
	Start float64
	// Span is the share of the global range this phase covers.
	Span float64
}

// FullRange treats the batch as the whole step.
var FullRange = Phase{Start: 0, Span: 100}

// Weight maps a local completion fraction (0..1) into the global percentage.
// A zero-valued Phase behaves as FullRange so callers can omit phase info.
func (p Phase) Weight(localFraction float64) float64 {
	if p.Start == 0 && p.Span == 0 {
		p = FullRange
	}
	if localFraction < 0 {
		localFraction = 0
	}
	if localFraction > 1 {
		localFraction = 1
	}
	return p.Start + localFraction*p.Span
}
