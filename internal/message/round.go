// Package message defines the wire messages exchanged between roles and the
// codec used to frame them over the multicast transport.
package message

import "fmt"

// Round is a proposal/round number. It orders competing proposers
// lexicographically by (Counter, ProposerID); comparing the pair directly
// removes the need for a separate proposer_id filter at the envelope level.
//
// The zero Round precedes every round a proposer ever issues (round numbers
// start at 1), so it doubles as "no round yet" without an extra flag.
type Round struct {
	Counter    int64
	ProposerID int32
}

// IsZero reports whether r is the uninitialized round.
func (r Round) IsZero() bool {
	return r.Counter == 0 && r.ProposerID == 0
}

// Less reports whether r sorts strictly before o.
func (r Round) Less(o Round) bool {
	if r.Counter != o.Counter {
		return r.Counter < o.Counter
	}
	return r.ProposerID < o.ProposerID
}

// GreaterThan reports whether r sorts strictly after o.
func (r Round) GreaterThan(o Round) bool {
	return o.Less(r)
}

// Equal reports whether r and o are the same round.
func (r Round) Equal(o Round) bool {
	return r.Counter == o.Counter && r.ProposerID == o.ProposerID
}

func (r Round) String() string {
	return fmt.Sprintf("(%d,p%d)", r.Counter, r.ProposerID)
}
