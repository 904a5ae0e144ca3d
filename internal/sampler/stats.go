package sampler

import "fmt"

// MoveKind classifies a local move by its source and destination.
type MoveKind int

const (
	CellToCell MoveKind = iota
	CellToBackground
	BackgroundToCell

	NumMoveKinds
)

func (k MoveKind) String() string {
	switch k {
	case CellToCell:
		return "cell_to_cell"
	case CellToBackground:
		return "cell_to_background"
	case BackgroundToCell:
		return "background_to_cell"
	default:
		return fmt.Sprintf("MoveKind(%d)", int(k))
	}
}

// ProposalStats counts proposed and accepted local moves by kind. It is
// reset every outer iteration.
type ProposalStats struct {
	Proposed [NumMoveKinds]uint64
	Accepted [NumMoveKinds]uint64
}

func (s *ProposalStats) record(kind MoveKind, accepted bool) {
	s.Proposed[kind]++
	if accepted {
		s.Accepted[kind]++
	}
}

// Merge adds the counters of o.
func (s *ProposalStats) Merge(o *ProposalStats) {
	for k := range s.Proposed {
		s.Proposed[k] += o.Proposed[k]
		s.Accepted[k] += o.Accepted[k]
	}
}

// Reset zeroes all counters.
func (s *ProposalStats) Reset() { *s = ProposalStats{} }

// Totals returns counts summed over all kinds.
func (s *ProposalStats) Totals() (proposed, accepted uint64) {
	for k := range s.Proposed {
		proposed += s.Proposed[k]
		accepted += s.Accepted[k]
	}
	return proposed, accepted
}

// AcceptanceRate returns accepted/proposed for kind, or 0 if none were proposed.
func (s *ProposalStats) AcceptanceRate(kind MoveKind) float64 {
	if s.Proposed[kind] == 0 {
		return 0
	}
	return float64(s.Accepted[kind]) / float64(s.Proposed[kind])
}
