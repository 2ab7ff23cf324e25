package boxstate

import "strings"

// Flags is the bitmask of IMAP-style flags tracked on a sync record.
// The on-disk letter for each flag is documented next to its constant;
// together they form the "subset of DFPRST" alphabet from the state
// file layout.
type Flags uint8

const (
	FlagSeen      Flags = 1 << iota // S
	FlagFlagged                     // F
	FlagDraft                       // D
	FlagAnswered                    // R (replied)
	FlagDeleted                     // T (trashed)
	FlagForwarded                   // P (passed)
)

var flagLetters = []struct {
	bit    Flags
	letter byte
}{
	{FlagDraft, 'D'},
	{FlagFlagged, 'F'},
	{FlagForwarded, 'P'},
	{FlagAnswered, 'R'},
	{FlagSeen, 'S'},
	{FlagDeleted, 'T'},
}

// String renders the flag set using its canonical letter order, e.g. "FS".
func (f Flags) String() string {
	var b strings.Builder
	for _, e := range flagLetters {
		if f&e.bit != 0 {
			b.WriteByte(e.letter)
		}
	}
	return b.String()
}

// Has reports whether all bits in mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// ParseFlags parses a letter string (as produced by Flags.String) back
// into a Flags bitmask. Unknown letters are ignored so that forward
// compatible extensions don't break replay of an older journal.
func ParseFlags(s string) Flags {
	var f Flags
	for i := 0; i < len(s); i++ {
		for _, e := range flagLetters {
			if s[i] == e.letter {
				f |= e.bit
				break
			}
		}
	}
	return f
}

// Added returns the flags present in want but not in f.
func (f Flags) Added(want Flags) Flags { return want &^ f }

// Removed returns the flags present in f but not in want.
func (f Flags) Removed(want Flags) Flags { return f &^ want }
