package boxstate

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Journal is the append-only per-pair log. Every decision is written
// here before it is acted upon, so that replaying
// a prefix of this file against the last committed state file always
// reproduces the in-memory record set the original run had at that
// point.
type Journal struct {
	f    *os.File
	path string
}

// CreateJournal creates a brand new journal at path and writes its
// header. Fails if a journal already exists at path; callers must
// have replayed and removed any prior journal first.
func CreateJournal(path string, header Header) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("creating journal %s: %w", path, err)
	}
	if _, err := f.WriteString(header.format()); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing journal header %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("fsyncing journal header %s: %w", path, err)
	}
	return &Journal{f: f, path: path}, nil
}

// OpenJournalForAppend reopens an existing, already-replayed journal
// so the current run can keep appending to it.
func OpenJournalForAppend(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening journal %s for append: %w", path, err)
	}
	return &Journal{f: f, path: path}, nil
}

// Append writes one operation line. Appends are strictly ordered;
// callers call Sync explicitly at the two points that require a
// durable journal (after a TUID-assignment block, and before
// replacing the state file).
func (j *Journal) Append(line string) error {
	if _, err := j.f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("appending journal %s: %w", j.path, err)
	}
	return nil
}

// Sync forces the journal to durable storage.
func (j *Journal) Sync() error {
	if err := j.f.Sync(); err != nil {
		return fmt.Errorf("fsyncing journal %s: %w", j.path, err)
	}
	return nil
}

// Close closes the underlying file without removing it.
func (j *Journal) Close() error { return j.f.Close() }

// RemoveJournal deletes the journal file, as done once both sides have
// reached CLOSED and the new state file has been committed.
func RemoveJournal(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing journal %s: %w", path, err)
	}
	return nil
}

// ReplayJournal applies every well-formed operation in the journal at
// path onto st. It is a no-op if no journal file exists. The journal's
// own header is compared against st.Header (as loaded from the state
// file); a mismatch is reported so the caller can fail the pair rather
// than silently replay against the wrong box. Replay stops without an
// error at the first line that fails to parse or apply (a truncated
// final line, or a malformed line anywhere): that operation and every
// line after it are treated as never committed.
func ReplayJournal(path string, st *State) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading journal %s: %w", path, err)
	}

	lines := splitLines(string(data))
	if len(lines) < 3 {
		// Header never finished writing; nothing was ever committed.
		return nil
	}
	header, rest, err := parseHeader(lines[:3])
	if err != nil {
		// Same reasoning: an incomplete header means no op could have
		// been appended yet.
		return nil
	}
	if !header.Equal(st.Header) {
		return fmt.Errorf("journal %s header does not match state file (got %+v, want %+v)", path, header, st.Header)
	}

	for _, line := range rest {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := applyOp(st, line); err != nil {
			// Stop at the first truncated/malformed line, as if it and
			// everything after it was never written.
			break
		}
	}
	return nil
}

func findRecordByKey(st *State, farUID, nearUID uint32) (*Record, bool) {
	if farUID != 0 {
		if r, ok := st.ByUID(Far, farUID); ok {
			return r, true
		}
	}
	if nearUID != 0 {
		if r, ok := st.ByUID(Near, nearUID); ok {
			return r, true
		}
	}
	return nil, false
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}

func applyOp(st *State, line string) error {
	fields := strings.Fields(line)
	if len(fields) < 1 {
		return fmt.Errorf("empty journal line")
	}
	op := fields[0]
	args := fields[1:]

	switch op {
	case "+":
		if len(args) != 2 {
			return fmt.Errorf("'+' wants 2 args")
		}
		farUID, err := parseUint32(args[0])
		if err != nil {
			return err
		}
		nearUID, err := parseUint32(args[1])
		if err != nil {
			return err
		}
		r := &Record{UID: [2]uint32{farUID, nearUID}, Status: StatusPending}
		st.Add(r)

	case "-":
		if len(args) != 2 {
			return fmt.Errorf("'-' wants 2 args")
		}
		farUID, _ := parseUint32(args[0])
		nearUID, _ := parseUint32(args[1])
		r, ok := findRecordByKey(st, farUID, nearUID)
		if !ok {
			return fmt.Errorf("'-' references unknown record %d/%d", farUID, nearUID)
		}
		r.Kill()

	case ">":
		if len(args) != 3 {
			return fmt.Errorf("'>' wants 3 args")
		}
		farUID, _ := parseUint32(args[0])
		nearUID, _ := parseUint32(args[1])
		newNear, err := parseUint32(args[2])
		if err != nil {
			return err
		}
		r, ok := findRecordByKey(st, farUID, nearUID)
		if !ok {
			return fmt.Errorf("'>' references unknown record %d/%d", farUID, nearUID)
		}
		st.Unlink(Near, r.UID[Near])
		r.UID[Near] = newNear
		st.Reindex(r)

	case "<":
		if len(args) != 3 {
			return fmt.Errorf("'<' wants 3 args")
		}
		farUID, _ := parseUint32(args[0])
		nearUID, _ := parseUint32(args[1])
		newFar, err := parseUint32(args[2])
		if err != nil {
			return err
		}
		r, ok := findRecordByKey(st, farUID, nearUID)
		if !ok {
			return fmt.Errorf("'<' references unknown record %d/%d", farUID, nearUID)
		}
		st.Unlink(Far, r.UID[Far])
		r.UID[Far] = newFar
		st.Reindex(r)

	case "&":
		if len(args) != 2 {
			return fmt.Errorf("'&' wants 2 args")
		}
		farUID, _ := parseUint32(args[0])
		nearUID, _ := parseUint32(args[1])
		if _, ok := findRecordByKey(st, farUID, nearUID); !ok {
			return fmt.Errorf("'&' references unknown record %d/%d", farUID, nearUID)
		}
		// Marker only; the concrete value arrives via '#'.

	case "#":
		if len(args) != 3 {
			return fmt.Errorf("'#' wants 3 args")
		}
		farUID, _ := parseUint32(args[0])
		nearUID, _ := parseUint32(args[1])
		r, ok := findRecordByKey(st, farUID, nearUID)
		if !ok {
			return fmt.Errorf("'#' references unknown record %d/%d", farUID, nearUID)
		}
		r.TUID = args[2]

	case "*":
		if len(args) != 3 {
			return fmt.Errorf("'*' wants 3 args")
		}
		farUID, _ := parseUint32(args[0])
		nearUID, _ := parseUint32(args[1])
		r, ok := findRecordByKey(st, farUID, nearUID)
		if !ok {
			return fmt.Errorf("'*' references unknown record %d/%d", farUID, nearUID)
		}
		flags := args[2]
		if flags == "-" {
			flags = ""
		}
		r.Flags = ParseFlags(flags)

	case "~":
		if len(args) != 3 {
			return fmt.Errorf("'~' wants 3 args")
		}
		farUID, _ := parseUint32(args[0])
		nearUID, _ := parseUint32(args[1])
		r, ok := findRecordByKey(st, farUID, nearUID)
		if !ok {
			return fmt.Errorf("'~' references unknown record %d/%d", farUID, nearUID)
		}
		raw := args[2]
		if raw == "-" {
			raw = ""
		}
		status, ok := ParseStatus(raw)
		if !ok {
			return fmt.Errorf("'~' unknown status letters %q", raw)
		}
		r.Status = status | (r.Status & StatusDead)

	case "^":
		if len(args) != 3 {
			return fmt.Errorf("'^' wants 3 args")
		}
		farUID, _ := parseUint32(args[0])
		nearUID, _ := parseUint32(args[1])
		r, ok := findRecordByKey(st, farUID, nearUID)
		if !ok {
			return fmt.Errorf("'^' references unknown record %d/%d", farUID, nearUID)
		}
		pflags := args[2]
		if pflags == "-" {
			pflags = ""
		}
		r.PFlags = ParseFlags(pflags)

	case "%":
		if len(args) != 3 {
			return fmt.Errorf("'%%' wants 3 args")
		}
		farUID, _ := parseUint32(args[0])
		nearUID, _ := parseUint32(args[1])
		r, ok := findRecordByKey(st, farUID, nearUID)
		if !ok {
			return fmt.Errorf("'%%' references unknown record %d/%d", farUID, nearUID)
		}
		pflags := args[2]
		if pflags == "-" {
			pflags = ""
		}
		r.PFlags = ParseFlags(pflags)

	case "$":
		if len(args) != 4 {
			return fmt.Errorf("'$' wants 4 args")
		}
		farUID, _ := parseUint32(args[0])
		nearUID, _ := parseUint32(args[1])
		r, ok := findRecordByKey(st, farUID, nearUID)
		if !ok {
			return fmt.Errorf("'$' references unknown record %d/%d", farUID, nearUID)
		}
		add, del := args[2], args[3]
		if add == "-" {
			add = ""
		}
		if del == "-" {
			del = ""
		}
		r.Flags = (r.Flags &^ ParseFlags(del)) | ParseFlags(add)

	case "P":
		if len(args) != 2 {
			return fmt.Errorf("'P' wants 2 args")
		}
		farUID, _ := parseUint32(args[0])
		nearUID, _ := parseUint32(args[1])
		r, ok := findRecordByKey(st, farUID, nearUID)
		if !ok {
			return fmt.Errorf("'P' references unknown record %d/%d", farUID, nearUID)
		}
		// Purging a placeholder severs the pairing entirely: the real
		// message on the opposite side has no partner left, so the
		// next load sees it as untracked and proposes it as new.
		r.Kill()

	case "T":
		if len(args) != 2 {
			return fmt.Errorf("'T' wants 2 args")
		}
		side, ok := ParseSide(args[0][0])
		if !ok {
			return fmt.Errorf("'T' bad side %q", args[0])
		}
		uid, err := parseUint32(args[1])
		if err != nil {
			return err
		}
		if st.TrashedUIDs[side] == nil {
			st.TrashedUIDs[side] = make(map[uint32]bool)
		}
		st.TrashedUIDs[side][uid] = true

	case "F":
		if len(args) != 2 {
			return fmt.Errorf("'F' wants 2 args")
		}
		side, ok := ParseSide(args[0][0])
		if !ok {
			return fmt.Errorf("'F' bad side %q", args[0])
		}
		uidnext, err := parseUint32(args[1])
		if err != nil {
			return err
		}
		st.SavedUIDNext[side] = uidnext

	case "N":
		if len(args) != 2 {
			return fmt.Errorf("'N' wants 2 args")
		}
		side, ok := ParseSide(args[0][0])
		if !ok {
			return fmt.Errorf("'N' bad side %q", args[0])
		}
		maxuid, err := parseUint32(args[1])
		if err != nil {
			return err
		}
		st.Header.MaxUID[side] = maxuid

	case "|":
		if len(args) != 2 {
			return fmt.Errorf("'|' wants 2 args")
		}
		farUV, err := parseUint32(args[0])
		if err != nil {
			return err
		}
		nearUV, err := parseUint32(args[1])
		if err != nil {
			return err
		}
		st.Header.UIDValidity = [2]uint32{farUV, nearUV}

	default:
		return fmt.Errorf("unknown journal opcode %q", op)
	}
	return nil
}
