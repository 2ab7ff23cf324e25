package boxstate

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Header is the summary block at the top of a state file and at
// the top of a journal.
type Header struct {
	UIDValidity [2]uint32 // UIDValidity[Far], UIDValidity[Near]
	MaxUID      [2]uint32 // highest UID already propagated, per source side
	// MaxExpiredUID is maxxfuid: the highest expired UID on the
	// configured expire side. Zero when the pair has no expire side.
	MaxExpiredUID uint32
}

// Equal reports whether two headers describe the same box summary;
// used by journal replay to reject a journal written against a
// different state file.
func (h Header) Equal(o Header) bool {
	return h.UIDValidity == o.UIDValidity && h.MaxUID == o.MaxUID && h.MaxExpiredUID == o.MaxExpiredUID
}

func (h Header) format() string {
	return fmt.Sprintf(
		"FarUidValidity %d NearUidValidity %d\nMaxPulledUid %d MaxPushedUid %d\nMaxExpiredFarUid %d\n",
		h.UIDValidity[Far], h.UIDValidity[Near],
		h.MaxUID[Far], h.MaxUID[Near],
		h.MaxExpiredUID,
	)
}

func parseHeader(lines []string) (Header, []string, error) {
	var h Header
	if len(lines) < 3 {
		return h, nil, fmt.Errorf("state file header: expected 3 lines, got %d", len(lines))
	}
	if _, err := fmt.Sscanf(lines[0], "FarUidValidity %d NearUidValidity %d", &h.UIDValidity[Far], &h.UIDValidity[Near]); err != nil {
		return h, nil, fmt.Errorf("state file header line 1: %w", err)
	}
	if _, err := fmt.Sscanf(lines[1], "MaxPulledUid %d MaxPushedUid %d", &h.MaxUID[Far], &h.MaxUID[Near]); err != nil {
		return h, nil, fmt.Errorf("state file header line 2: %w", err)
	}
	if _, err := fmt.Sscanf(lines[2], "MaxExpiredFarUid %d", &h.MaxExpiredUID); err != nil {
		return h, nil, fmt.Errorf("state file header line 3: %w", err)
	}
	return h, lines[3:], nil
}

// State is the in-memory form of a state file: the header plus
// the ordered list of sync records. Records are kept in the order they
// were created, as the on-disk format requires.
type State struct {
	Header  Header
	records []*Record
	byUID   [2]map[uint32]*Record

	// TrashedUIDs and SavedUIDNext are journaled but
	// not written to the state file: they exist only to make an
	// in-flight run resumable, and are reset to empty at the start of
	// every fresh run (no prior journal).
	TrashedUIDs  [2]map[uint32]bool
	SavedUIDNext [2]uint32
}

// NewState creates an empty state, as used for a fresh pair with no
// prior state file.
func NewState() *State {
	return &State{
		byUID: [2]map[uint32]*Record{
			Far:  make(map[uint32]*Record),
			Near: make(map[uint32]*Record),
		},
	}
}

// Records returns all records, including dead ones, in creation order.
func (s *State) Records() []*Record { return s.records }

// Add appends a new record and indexes it by whichever UIDs it has.
func (s *State) Add(r *Record) {
	s.records = append(s.records, r)
	s.reindex(r)
}

// reindex (re)inserts r into the UID lookup tables for whichever sides
// currently have a non-zero UID. Call after changing r.UID.
func (s *State) reindex(r *Record) {
	for _, side := range []Side{Far, Near} {
		if uid := r.UID[side]; uid != 0 {
			s.byUID[side][uid] = r
		}
	}
}

// Reindex re-syncs the lookup tables after a caller mutates r.UID
// directly (e.g. journal replay assigning a new UID).
func (s *State) Reindex(r *Record) { s.reindex(r) }

// Unlink removes the byUID lookup entry for (side, uid). Callers that
// clear a record's UID on one side (orphaning after a one-sided
// expunge) must unlink the old value themselves first: reindex only
// ever adds entries for non-zero UIDs, so a UID that goes to zero (or
// changes value) would otherwise leave a stale entry pointing at a
// record that no longer claims it.
func (s *State) Unlink(side Side, uid uint32) {
	if uid == 0 {
		return
	}
	delete(s.byUID[side], uid)
}

// ByUID looks up the record paired to uid on side s.
func (s *State) ByUID(side Side, uid uint32) (*Record, bool) {
	r, ok := s.byUID[side][uid]
	return r, ok
}

// LoadStateFile reads and parses a state file. A missing file is not
// an error: it returns a fresh, empty State (first run for this pair).
func LoadStateFile(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file %s: %w", path, err)
	}

	lines := splitLines(string(data))
	header, rest, err := parseHeader(lines)
	if err != nil {
		return nil, fmt.Errorf("state file %s: %w", path, err)
	}

	st := NewState()
	st.Header = header

	for i, line := range rest {
		if strings.TrimSpace(line) == "" {
			continue
		}
		r, err := parseRecordLine(line)
		if err != nil {
			return nil, fmt.Errorf("state file %s: record %d: %w", path, i+1, err)
		}
		st.Add(r)
	}
	return st, nil
}

func parseRecordLine(line string) (*Record, error) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return nil, fmt.Errorf("expected 4 fields, got %d: %q", len(fields), line)
	}
	farUID, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("far uid: %w", err)
	}
	nearUID, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("near uid: %w", err)
	}

	r := &Record{UID: [2]uint32{uint32(farUID), uint32(nearUID)}}
	if fields[2] != "-" {
		r.Flags = ParseFlags(fields[2])
	}
	if fields[3] != "-" {
		status, ok := ParseStatus(fields[3])
		if !ok {
			return nil, fmt.Errorf("unknown status letter in %q", fields[3])
		}
		r.Status = status
	}

	// SKIPPED is equivalent to PENDING|DUMMY(target) at load time and
	// is never re-emitted.
	if r.Status&StatusSkipped != 0 {
		r.Status &^= StatusSkipped
		r.Status |= StatusPending
		if r.UID[Far] == 0 {
			r.SetDummy(Far, true)
		} else {
			r.SetDummy(Near, true)
		}
	}

	if !r.Valid() {
		return nil, fmt.Errorf("record has neither UID set: %q", line)
	}
	return r, nil
}

// Save writes the state to a <path>.new sibling, fsyncs it, and
// atomically renames it over path. Dead records are dropped;
// live records are written in creation order.
func (s *State) Save(path string) error {
	tmp := path + ".new"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating new state file %s: %w", tmp, err)
	}

	w := bufio.NewWriter(f)
	if _, err := w.WriteString(s.Header.format()); err != nil {
		f.Close()
		return fmt.Errorf("writing state header: %w", err)
	}
	for _, r := range s.records {
		if r.IsDead() {
			continue
		}
		if _, err := w.WriteString(formatRecordLine(r) + "\n"); err != nil {
			f.Close()
			return fmt.Errorf("writing state record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flushing new state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsyncing new state file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing new state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing state file %s: %w", path, err)
	}
	if dir, derr := os.Open(filepath.Dir(path)); derr == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

func formatRecordLine(r *Record) string {
	flags := r.Flags.String()
	if flags == "" {
		flags = "-"
	}
	status := r.Status.String()
	if status == "" {
		status = "-"
	}
	return fmt.Sprintf("%d %d %s %s", r.UID[Far], r.UID[Near], flags, status)
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	// Drop a single trailing empty element from the final newline.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
