package boxsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/boxsync/boxsync/internal/boxstate"
)

// TestConfirmAndOpenBoxesCreatesMissingSideWhenAllowed covers a fresh
// pair (no prior state) whose near-side mailbox doesn't exist yet:
// with box creation allowed, it is created and the pair proceeds.
func TestConfirmAndOpenBoxesCreatesMissingSideWhenAllowed(t *testing.T) {
	far := newFakeDriver("far", 1)
	near := newFakeDriver("near", 1)
	near.missing = true

	ch := Channel{Name: "test", Far: far, Near: near, CreateBox: true}
	e := newTestEngine(t, ch)

	require.NoError(t, e.confirmAndOpenBoxes(context.Background()))
	require.False(t, near.missing)
}

// TestConfirmAndOpenBoxesFailsOnMissingSideWhenCreationDisabled covers
// the same fresh pair without box creation allowed: the run fails
// rather than silently creating anything.
func TestConfirmAndOpenBoxesFailsOnMissingSideWhenCreationDisabled(t *testing.T) {
	far := newFakeDriver("far", 1)
	near := newFakeDriver("near", 1)
	near.missing = true

	ch := Channel{Name: "test", Far: far, Near: near}
	e := newTestEngine(t, ch)

	err := e.confirmAndOpenBoxes(context.Background())
	require.Error(t, err)
	require.True(t, near.missing)
}

// TestConfirmAndOpenBoxesRemovesOppositeWhenAllowed covers an existing
// pair whose near side has disappeared: with box removal allowed and
// the far side confirmed empty, the far side is deleted too and the
// run reports nothing left to do.
func TestConfirmAndOpenBoxesRemovesOppositeWhenAllowed(t *testing.T) {
	far := newFakeDriver("far", 1)
	near := newFakeDriver("near", 1)
	near.missing = true

	ch := Channel{Name: "test", Far: far, Near: near, RemoveBox: true}
	e := newTestEngine(t, ch)
	e.st.Add(&boxstate.Record{UID: [2]uint32{1, 1}})

	err := e.confirmAndOpenBoxes(context.Background())
	require.ErrorIs(t, err, errBoxAbsentSkip)
	require.True(t, far.missing)
}

// TestConfirmAndOpenBoxesWarnsAndSkipsWhenRemovalDisabled covers the
// same disappearance without removal allowed: the far side is left
// untouched and the run just has nothing left to do this pass.
func TestConfirmAndOpenBoxesWarnsAndSkipsWhenRemovalDisabled(t *testing.T) {
	far := newFakeDriver("far", 1)
	near := newFakeDriver("near", 1)
	near.missing = true

	ch := Channel{Name: "test", Far: far, Near: near}
	e := newTestEngine(t, ch)
	e.st.Add(&boxstate.Record{UID: [2]uint32{1, 1}})

	err := e.confirmAndOpenBoxes(context.Background())
	require.ErrorIs(t, err, errBoxAbsentSkip)
	require.False(t, far.missing)
}

// TestConfirmAndOpenBoxesSkipsRemovalWhenOppositeNotEmpty covers the
// safety gate: even with removal allowed, a non-empty opposite side is
// never deleted.
func TestConfirmAndOpenBoxesSkipsRemovalWhenOppositeNotEmpty(t *testing.T) {
	far := newFakeDriver("far", 1)
	far.add(1, 0, "body")
	near := newFakeDriver("near", 1)
	near.missing = true

	ch := Channel{Name: "test", Far: far, Near: near, RemoveBox: true}
	e := newTestEngine(t, ch)
	e.st.Add(&boxstate.Record{UID: [2]uint32{1, 1}})

	err := e.confirmAndOpenBoxes(context.Background())
	require.ErrorIs(t, err, errBoxAbsentSkip)
	require.False(t, far.missing)
}
