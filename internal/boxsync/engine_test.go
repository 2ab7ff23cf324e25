package boxsync

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/boxsync/boxsync/internal/boxstate"
)

func newTestEngine(t *testing.T, ch Channel) *Engine {
	t.Helper()
	if ch.StateDir == "" {
		ch.StateDir = t.TempDir()
	}
	e := New(ch)
	e.log = zerolog.Nop()
	e.st = boxstate.NewState()
	return e
}

// TestPropagateNewMessagesAcrossRuns exercises the basic far-to-near
// copy path end to end through a real Engine.Run, across two separate
// invocations against the same on-disk state directory: the first
// establishes the pair against two empty mailboxes, the second copies
// a message that subsequently appeared on the far side.
func TestPropagateNewMessagesAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	far := newFakeDriver("far", 111)
	near := newFakeDriver("near", 222)

	ch := Channel{
		Name:     "test",
		Far:      far,
		Near:     near,
		FarBox:   "INBOX",
		NearBox:  "INBOX",
		StateDir: dir,
		Ops:      SyncAll,
	}

	_, err := New(ch).Run(context.Background())
	require.NoError(t, err)

	far.add(1, boxstate.FlagSeen, "Subject: hello\r\n\r\nbody text\r\n")

	stats, err := New(ch).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Propagated[boxstate.Near])

	require.Len(t, near.msgs, 1)
	for _, m := range near.msgs {
		require.True(t, m.flags.Has(boxstate.FlagSeen))
		require.True(t, strings.Contains(string(m.body), "X-TUID:"))
	}
}

// TestPropagateRespectsDirection confirms a pull-only channel never
// copies a message that only exists on the near side.
func TestPropagateRespectsDirection(t *testing.T) {
	dir := t.TempDir()
	far := newFakeDriver("far", 1)
	near := newFakeDriver("near", 1)

	ch := Channel{
		Name: "test", Far: far, Near: near,
		FarBox: "INBOX", NearBox: "INBOX",
		StateDir: dir, Ops: SyncPull | SyncFlags,
	}
	_, err := New(ch).Run(context.Background())
	require.NoError(t, err)

	near.add(1, 0, "Subject: local only\r\n\r\nbody\r\n")

	stats, err := New(ch).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, stats.Propagated[boxstate.Far])
	require.Empty(t, far.msgs)
}

// TestExpireKeepsFlaggedDropsUnflaggedOldest matches the documented
// scenario: a channel capped at 3 messages with five candidates on the
// expire side (near), where only UIDs 1 and 3 are flagged, expires the
// two oldest unflagged messages over the limit (2 and 4) and leaves
// the newest (5) alone, advancing maxxfuid to the highest UID expired.
func TestExpireKeepsFlaggedDropsUnflaggedOldest(t *testing.T) {
	near := newFakeDriver("near", 1)
	ch := Channel{
		Name:         "test",
		Near:         near,
		Far:          newFakeDriver("far", 1),
		MaxMessages:  3,
		ExpireSide:   boxstate.Near,
		ExpireUnread: ExpireUnreadNear,
	}
	e := newTestEngine(t, ch)

	flagsFor := map[uint32]boxstate.Flags{
		1: boxstate.FlagFlagged,
		2: 0,
		3: boxstate.FlagFlagged,
		4: boxstate.FlagSeen,
		5: boxstate.FlagSeen,
	}
	for uid := uint32(1); uid <= 5; uid++ {
		near.add(uid, flagsFor[uid], "body")
		r := &boxstate.Record{}
		r.UID[boxstate.Near] = uid
		r.UID[boxstate.Far] = uid + 100
		r.Msg[boxstate.Near] = &boxstate.Message{UID: uid, Flags: flagsFor[uid]}
		e.st.Add(r)
	}

	require.NoError(t, e.expire(context.Background()))

	for uid := uint32(1); uid <= 5; uid++ {
		r, ok := e.st.ByUID(boxstate.Near, uid)
		require.True(t, ok)
		wantOpen := uid == 2 || uid == 4
		require.Equal(t, wantOpen, r.IsExpireTransactionOpen(), "uid %d", uid)
	}
	require.Equal(t, uint32(4), e.st.Header.MaxExpiredUID)

	nearMsg, ok := near.msgs[2]
	require.True(t, ok)
	require.True(t, nearMsg.flags.Has(boxstate.FlagDeleted))
	nearMsg4, ok := near.msgs[4]
	require.True(t, ok)
	require.True(t, nearMsg4.flags.Has(boxstate.FlagDeleted))
}

// TestExpireRefusesWhenMostlyUnread checks the bulk safety gate: with
// expire_unread unset (the default, refuse), a pair where a majority
// of the over-limit messages are unread is refused outright rather
// than silently skipped or partially expired.
func TestExpireRefusesWhenMostlyUnread(t *testing.T) {
	near := newFakeDriver("near", 1)
	ch := Channel{
		Name:        "test",
		Near:        near,
		Far:         newFakeDriver("far", 1),
		MaxMessages: 1,
	}
	e := newTestEngine(t, ch)

	for uid := uint32(1); uid <= 3; uid++ {
		near.add(uid, 0, "body") // all unseen, all unflagged
		r := &boxstate.Record{}
		r.UID[boxstate.Near] = uid
		r.UID[boxstate.Far] = uid + 100
		r.Msg[boxstate.Near] = &boxstate.Message{UID: uid, Flags: 0}
		e.st.Add(r)
	}

	err := e.expire(context.Background())
	require.Error(t, err)
}

// TestTrashAndCloseKillsFullyGoneRecord exercises the trash/close
// pass directly: a record marked DEL on both sides is cleared and
// finalized as DEAD. The test engine has no journal, so only the
// in-memory outcome is checked.
func TestTrashAndCloseKillsFullyGoneRecord(t *testing.T) {
	far := newFakeDriver("far", 1)
	near := newFakeDriver("near", 1)
	ch := Channel{Name: "test", Far: far, Near: near, Ops: SyncDelete}
	e := newTestEngine(t, ch)

	r := &boxstate.Record{}
	r.UID[boxstate.Far] = 10
	r.UID[boxstate.Near] = 20
	r.Run = boxstate.DelFor(boxstate.Far) | boxstate.DelFor(boxstate.Near)
	e.st.Add(r)

	require.NoError(t, e.trashAndClose(context.Background()))

	require.True(t, r.IsDead())
	require.Equal(t, uint32(0), r.UID[boxstate.Far])
	require.Equal(t, uint32(0), r.UID[boxstate.Near])
}

// TestTrashAndCloseLeavesPendingRecordAlive confirms a PENDING record
// (a copy still queued, never yet confirmed on either side) is never
// finalized as DEAD by the close pass even if both its UID slots
// happen to read zero.
func TestTrashAndCloseLeavesPendingRecordAlive(t *testing.T) {
	far := newFakeDriver("far", 1)
	near := newFakeDriver("near", 1)
	ch := Channel{Name: "test", Far: far, Near: near}
	e := newTestEngine(t, ch)

	r := &boxstate.Record{Status: boxstate.StatusPending}
	e.st.Add(r)

	require.NoError(t, e.trashAndClose(context.Background()))
	require.False(t, r.IsDead())
}

// TestReconcileUIDValidityFirstRunRecordsHeader covers the first-run
// path: no prior records means the freshly observed UIDVALIDITY pair
// is simply adopted.
func TestReconcileUIDValidityFirstRunRecordsHeader(t *testing.T) {
	far := newFakeDriver("far", 42)
	near := newFakeDriver("near", 99)
	ch := Channel{Name: "test", Far: far, Near: near}
	e := newTestEngine(t, ch)

	require.NoError(t, e.reconcileUIDValidity())
	require.Equal(t, [2]uint32{42, 99}, e.st.Header.UIDValidity)
}

// TestReconcileUIDValidityReapprovalByMessageID covers the re-approval path: a changed
// UIDVALIDITY on a pair with history is accepted when enough existing
// records still agree by Message-ID under the new numbering.
func TestReconcileUIDValidityReapprovalByMessageID(t *testing.T) {
	far := newFakeDriver("far", 2)
	near := newFakeDriver("near", 1)
	ch := Channel{Name: "test", Far: far, Near: near}
	e := newTestEngine(t, ch)
	e.st.Header.UIDValidity = [2]uint32{1, 1}

	for i := uint32(1); i <= reapproveMinPairs; i++ {
		msgID := fmt.Sprintf("msg-id-%d", i)
		far.msgs[i] = &fakeMessage{uid: i, msgID: msgID}
		near.msgs[i] = &fakeMessage{uid: i, msgID: msgID}
		far.nextUID = i + 1
		near.nextUID = i + 1

		r := &boxstate.Record{}
		r.UID[boxstate.Far] = i
		r.UID[boxstate.Near] = i
		e.st.Add(r)
	}

	require.NoError(t, e.reconcileUIDValidity())
	require.Equal(t, [2]uint32{2, 1}, e.st.Header.UIDValidity)
}

// TestReconcileUIDValidityRefusesUnmatchedChange confirms a changed
// UIDVALIDITY with no corroborating Message-ID agreement is refused
// rather than silently resynced as if every message were new.
func TestReconcileUIDValidityRefusesUnmatchedChange(t *testing.T) {
	far := newFakeDriver("far", 2)
	near := newFakeDriver("near", 1)
	ch := Channel{Name: "test", Far: far, Near: near}
	e := newTestEngine(t, ch)
	e.st.Header.UIDValidity = [2]uint32{1, 1}

	r := &boxstate.Record{}
	r.UID[boxstate.Far] = 1
	r.UID[boxstate.Near] = 1
	e.st.Add(r)

	err := e.reconcileUIDValidity()
	require.Error(t, err)
}

// TestUpgradePlaceholderThenPurge exercises the full placeholder
// upgrade lifecycle directly against the engine's phases: a real
// message (far) gets \Flagged while its partner (near) is still a
// placeholder stub, which must schedule an upgrade rather than write
// \Flagged to the stub; resolveUpgrades then splits off a fresh
// PENDING record sharing the real UID and schedules the placeholder
// for \Deleted; trashAndClose finally confirms that deletion as a
// PURGE, killing the old record outright while leaving the new one
// alive and pending.
func TestUpgradePlaceholderThenPurge(t *testing.T) {
	far := newFakeDriver("far", 1)
	near := newFakeDriver("near", 1)
	ch := Channel{Name: "test", Far: far, Near: near, Ops: SyncAll}
	e := newTestEngine(t, ch)

	far.add(10, boxstate.FlagFlagged, "Subject: real\r\n\r\nbody\r\n")
	near.add(20, 0, "Subject: placeholder\r\n\r\nstub\r\n")

	r := &boxstate.Record{}
	r.UID[boxstate.Far] = 10
	r.UID[boxstate.Near] = 20
	r.SetDummy(boxstate.Near, true)
	r.Msg[boxstate.Far] = &boxstate.Message{UID: 10, Flags: boxstate.FlagFlagged}
	r.Msg[boxstate.Near] = &boxstate.Message{UID: 20, Flags: 0}
	e.st.Add(r)

	require.NoError(t, e.syncFlags(context.Background()))
	require.True(t, r.Run&boxstate.RunUpgrade != 0)
	require.False(t, near.msgs[20].flags.Has(boxstate.FlagFlagged), "flagged must never be written to a placeholder")

	require.NoError(t, e.resolveUpgrades(context.Background()))
	require.True(t, near.msgs[20].flags.Has(boxstate.FlagDeleted), "placeholder must be scheduled for deletion on upgrade")

	var fresh *boxstate.Record
	for _, rec := range e.st.Records() {
		if rec != r && !rec.IsDead() {
			fresh = rec
		}
	}
	require.NotNil(t, fresh, "upgrade must create a fresh record for the real copy")
	require.True(t, fresh.IsPending())
	require.Equal(t, uint32(10), fresh.UID[boxstate.Far])
	require.Equal(t, uint32(0), fresh.UID[boxstate.Near])

	require.NoError(t, e.trashAndClose(context.Background()))
	require.True(t, r.IsDead(), "old placeholder-pairing record must be purged")
	require.False(t, fresh.IsDead())
}

// TestPushPlaceholderFlagsNeverMirrorsSeenButPropagatesUnseeing covers
// the narrower flag-by-flag placeholder policy: SEEN is never written
// to a placeholder, but an un-seeing (a SEEN removal) still is.
func TestPushPlaceholderFlagsNeverMirrorsSeenButPropagatesUnseeing(t *testing.T) {
	near := newFakeDriver("near", 1)
	ch := Channel{Name: "test", Far: newFakeDriver("far", 1), Near: near}
	e := newTestEngine(t, ch)

	near.add(1, 0, "body")
	r1 := &boxstate.Record{}
	r1.UID[boxstate.Near] = 1
	r1.SetDummy(boxstate.Near, true)
	require.NoError(t, e.pushFlags(context.Background(), r1, boxstate.Near, 0, boxstate.FlagSeen))
	require.False(t, near.msgs[1].flags.Has(boxstate.FlagSeen))

	near.add(2, boxstate.FlagSeen, "body")
	r2 := &boxstate.Record{}
	r2.UID[boxstate.Near] = 2
	r2.SetDummy(boxstate.Near, true)
	require.NoError(t, e.pushFlags(context.Background(), r2, boxstate.Near, boxstate.FlagSeen, 0))
	require.False(t, near.msgs[2].flags.Has(boxstate.FlagSeen), "un-seeing must still propagate to a placeholder")
}

// TestReconcileUIDValidityFailsWhenBothChange confirms a simultaneous
// change on both sides is never eligible for Message-ID re-approval,
// even when every record would otherwise match.
func TestReconcileUIDValidityFailsWhenBothChange(t *testing.T) {
	far := newFakeDriver("far", 2)
	near := newFakeDriver("near", 2)
	ch := Channel{Name: "test", Far: far, Near: near}
	e := newTestEngine(t, ch)
	e.st.Header.UIDValidity = [2]uint32{1, 1}

	for i := uint32(1); i <= reapproveMinPairs; i++ {
		msgID := fmt.Sprintf("msg-id-%d", i)
		far.msgs[i] = &fakeMessage{uid: i, msgID: msgID}
		near.msgs[i] = &fakeMessage{uid: i, msgID: msgID}
		far.nextUID = i + 1
		near.nextUID = i + 1

		r := &boxstate.Record{}
		r.UID[boxstate.Far] = i
		r.UID[boxstate.Near] = i
		e.st.Add(r)
	}

	err := e.reconcileUIDValidity()
	require.Error(t, err)
}
