package punch

import "punchdht/internal/proto"

// Class is the local NAT behaviour as observed from a session socket.
type Class uint8

const (
	ClassOpen Class = iota
	ClassConsistent
	ClassRandom
)

func (c Class) String() string {
	switch c {
	case ClassOpen:
		return "open"
	case ClassConsistent:
		return "consistent"
	case ClassRandom:
		return "random"
	default:
		return "unknown"
	}
}

func (c Class) Wire() uint8 { return uint8(c) }

func ClassFromWire(v uint8) Class {
	switch v {
	case proto.FirewallOpen:
		return ClassOpen
	case proto.FirewallConsistent:
		return ClassConsistent
	default:
		return ClassRandom
	}
}

// Strategy is one side's row of the punch table. Both sides compute
// the table from the same two classes, so the plans always agree.
type Strategy struct {
	// Unreachable means no probing can work (random vs random).
	Unreachable bool

	// LocalFirst staggers probing: the side that must create the
	// mapping first starts immediately, the other waits half a burst.
	LocalFirst bool

	// Predict widens probing to a bounded port window around each
	// remote candidate.
	Predict bool
}

// Plan computes the local strategy for a local/remote class pair.
func Plan(local, remote Class) Strategy {
	switch {
	case local == ClassRandom && remote == ClassRandom:
		return Strategy{Unreachable: true}
	case local == ClassOpen && remote == ClassOpen:
		return Strategy{LocalFirst: true}
	case local == ClassOpen:
		// Open node probes first.
		return Strategy{LocalFirst: true}
	case remote == ClassOpen:
		return Strategy{LocalFirst: false}
	case local == ClassConsistent && remote == ClassConsistent:
		// Simultaneous open.
		return Strategy{LocalFirst: true}
	case remote == ClassRandom:
		// Port prediction with bounded tries.
		return Strategy{LocalFirst: true, Predict: true}
	default:
		// local random, remote consistent: remote predicts, we probe
		// its single mapping.
		return Strategy{LocalFirst: false}
	}
}
