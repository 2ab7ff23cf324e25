package boxstate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJournalReplayAppliesOpsInOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal")

	header := Header{UIDValidity: [2]uint32{1, 1}}
	j, err := CreateJournal(path, header)
	require.NoError(t, err)
	require.NoError(t, j.Append("+ 10 0"))
	require.NoError(t, j.Append("& 10 0"))
	require.NoError(t, j.Append("# 10 0 abc123"))
	require.NoError(t, j.Append("> 10 0 77"))
	require.NoError(t, j.Append("* 10 77 FS"))
	require.NoError(t, j.Append("~ 10 77 -"))
	require.NoError(t, j.Close())

	st := NewState()
	st.Header = header
	require.NoError(t, ReplayJournal(path, st))

	require.Len(t, st.Records(), 1)
	r := st.Records()[0]
	require.Equal(t, uint32(10), r.UID[Far])
	require.Equal(t, uint32(77), r.UID[Near])
	require.Equal(t, FlagSeen|FlagFlagged, r.Flags)
	require.False(t, r.IsPending(), "final '~' cleared PENDING once the copy committed")
}

func TestJournalReplayToleratesTruncatedLastLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal")

	header := Header{}
	j, err := CreateJournal(path, header)
	require.NoError(t, err)
	require.NoError(t, j.Append("+ 10 0"))
	require.NoError(t, j.Close())

	// Simulate a crash mid-write of the next op line.
	appendRaw(t, path, "& 10")

	st := NewState()
	st.Header = header
	require.NoError(t, ReplayJournal(path, st))
	require.Len(t, st.Records(), 1, "the complete '+' op still applies even though the next line is truncated")
}

func TestJournalReplayRejectsMismatchedHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal")

	j, err := CreateJournal(path, Header{UIDValidity: [2]uint32{1, 1}})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	st := NewState()
	st.Header = Header{UIDValidity: [2]uint32{2, 2}}
	require.Error(t, ReplayJournal(path, st))
}

// TestResumeAfterInterruptedCopy models a crash that recorded the TUID
// assignment but never reached the store call. On resume, the record
// must still be PENDING with the saved TUID so the next load can
// re-identify (or re-issue) the copy.
func TestResumeAfterInterruptedCopy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal")

	header := Header{}
	j, err := CreateJournal(path, header)
	require.NoError(t, err)
	require.NoError(t, j.Append("+ 10 0"))
	require.NoError(t, j.Append("& 10 0"))
	require.NoError(t, j.Append("# 10 0 T1"))
	require.NoError(t, j.Sync())
	// Crash here: store_msg never ran, nothing more is appended.
	require.NoError(t, j.Close())

	st := NewState()
	st.Header = header
	require.NoError(t, ReplayJournal(path, st))

	require.Len(t, st.Records(), 1)
	r := st.Records()[0]
	require.True(t, r.IsPending())
	require.Equal(t, "T1", r.TUID)
	require.Equal(t, uint32(0), r.UID[Near])
}

func appendRaw(t *testing.T, path, s string) {
	t.Helper()
	f, err := OpenJournalForAppend(path)
	require.NoError(t, err)
	_, err = f.f.WriteString(s)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}
