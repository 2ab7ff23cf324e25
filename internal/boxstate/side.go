package boxstate

// Side identifies which half of a mailbox pair a value belongs to.
type Side int

const (
	Far  Side = 0
	Near Side = 1
)

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == Far {
		return Near
	}
	return Far
}

// Letter returns the single-character journal/log representation.
func (s Side) Letter() byte {
	if s == Far {
		return 'F'
	}
	return 'N'
}

func (s Side) String() string {
	if s == Far {
		return "far"
	}
	return "near"
}

// ParseSide parses the single-character form produced by Letter.
func ParseSide(b byte) (Side, bool) {
	switch b {
	case 'F':
		return Far, true
	case 'N':
		return Near, true
	default:
		return 0, false
	}
}
