package boxsync

import (
	"context"
	"fmt"

	"github.com/boxsync/boxsync/internal/boxstate"
)

// trashAndClose hands every message marked \Deleted on either side to
// the driver's Trash when the channel propagates deletions, then closes
// both stores (outside a dry run; closing is where an IMAP store
// expunges) and applies the documented fallback for drivers
// that cannot report which UIDs they actually removed: every record
// whose side was marked DEL is simply assumed gone.
func (e *Engine) trashAndClose(ctx context.Context) error {
	if e.ch.Ops&SyncDelete != 0 {
		for _, side := range []boxstate.Side{boxstate.Far, boxstate.Near} {
			if err := e.markAndTrashDeletions(ctx, side); err != nil {
				return err
			}
		}
	}

	if !e.ch.DryRun {
		for _, side := range []boxstate.Side{boxstate.Far, boxstate.Near} {
			if _, err := e.driver(side).Close(ctx); err != nil {
				return fmt.Errorf("%s: close: %w", side, err)
			}
		}
	}

	for _, r := range e.st.Records() {
		if r.IsDead() {
			continue
		}
		farUID, nearUID := r.UID[boxstate.Far], r.UID[boxstate.Near]
		purged := false

		for _, side := range []boxstate.Side{boxstate.Far, boxstate.Near} {
			if r.Run&boxstate.DelFor(side) == 0 {
				continue
			}
			if r.IsDummy(side) {
				// The placeholder's own expunge, confirmed: the pairing
				// is severed outright rather than just clearing the
				// side, so the surviving real copy on the opposite side
				// is picked up as untracked and new on the next load.
				r.Run |= boxstate.RunPurged
				r.Kill()
				if err := e.appendOp(fmt.Sprintf("P %d %d", farUID, nearUID)); err != nil {
					return err
				}
				e.log.Info().Uint32("uid", r.UID[side]).Str("side", side.String()).Msg("purge: placeholder expunge confirmed")
				purged = true
				break
			}
			if r.IsExpireTransactionOpen() {
				r.SetStatusBit(boxstate.StatusExpired, true)
				if err := e.appendOp(fmt.Sprintf("~ %d %d %s", farUID, nearUID, statusLetterOrDash(r.Status))); err != nil {
					return err
				}
				e.log.Info().Uint32("uid", r.UID[side]).Str("side", side.String()).Msg("expire: commit")
			}
			e.st.Unlink(side, r.UID[side])
			r.UID[side] = 0
			r.Msg[side] = nil
		}
		if purged {
			continue
		}

		if err := e.killIfDead(r, farUID, nearUID); err != nil {
			return err
		}
	}

	return nil
}

// propagateGone applies the decision table for a record whose message
// vanished unilaterally from one side's load this run (RunGoneFar/
// RunGoneNear), a case distinct from the engine's own \Deleted-driven
// trash path below: both sides gone kills the record outright; one
// side gone while that side's expire transaction is already open is
// simply the expiration the engine itself requested confirming, and
// is left for trashAndClose's DEL-confirmation pass; otherwise the
// deletion is propagated to the surviving side when the channel
// allows it, or the vanished UID is orphaned (cleared) so a stale,
// no-longer-existing UID doesn't linger in the record forever.
func (e *Engine) propagateGone(ctx context.Context) error {
	for _, r := range e.st.Records() {
		if r.IsDead() || r.IsPending() {
			continue
		}
		goneFar := r.Run&boxstate.RunGoneFar != 0
		goneNear := r.Run&boxstate.RunGoneNear != 0
		if !goneFar && !goneNear {
			continue
		}

		if goneFar && goneNear {
			farUID, nearUID := r.UID[boxstate.Far], r.UID[boxstate.Near]
			r.Kill()
			if err := e.appendOp(fmt.Sprintf("- %d %d", farUID, nearUID)); err != nil {
				return err
			}
			continue
		}

		gone := boxstate.Far
		if goneNear {
			gone = boxstate.Near
		}
		surviving := gone.Other()

		if r.IsExpireTransactionOpen() && r.Status&boxstate.StatusExpire != 0 {
			r.Run |= boxstate.DelFor(gone)
			continue
		}

		if e.ch.Ops&SyncDelete != 0 {
			if r.Msg[surviving] != nil && !r.Msg[surviving].Flags.Has(boxstate.FlagDeleted) {
				if !e.ch.DryRun {
					if _, err := e.driver(surviving).SetFlags(ctx, r.UID[surviving], boxstate.FlagDeleted, 0); err != nil {
						return fmt.Errorf("%s: mark uid %d deleted to propagate a unilateral expunge: %w", surviving, r.UID[surviving], err)
					}
				}
				r.Msg[surviving].Flags |= boxstate.FlagDeleted
				e.log.Info().Str("gone_side", gone.String()).Uint32("surviving_uid", r.UID[surviving]).
					Msg("propagating a one-sided expunge to the surviving side")
			}
		} else {
			e.log.Warn().Str("side", gone.String()).Uint32("uid", r.UID[gone]).
				Msg("message vanished unilaterally; orphaning the UID (deletion propagation disabled for this channel)")
		}

		e.st.Unlink(gone, r.UID[gone])
		r.UID[gone] = 0
		r.Msg[gone] = nil
		e.st.Reindex(r)

		op := "<"
		if gone == boxstate.Near {
			op = ">"
		}
		if err := e.appendOp(fmt.Sprintf("%s %d %d %d", op, r.UID[boxstate.Far], r.UID[boxstate.Near], 0)); err != nil {
			return err
		}
	}
	return nil
}

// killIfDead applies the DEAD rule: both sides gone, or the
// record's expired copy falling below both maxuids, makes it DEAD. The
// kill is journaled against the UIDs the record still carried at the
// start of this close pass, since both may already be zeroed by now.
func (e *Engine) killIfDead(r *boxstate.Record, farUID, nearUID uint32) error {
	if r.IsPending() {
		return nil
	}

	dead := r.UID[boxstate.Far] == 0 && r.UID[boxstate.Near] == 0
	if !dead && r.Status&boxstate.StatusExpired != 0 {
		dead = farUID <= e.st.Header.MaxUID[boxstate.Far] && nearUID <= e.st.Header.MaxUID[boxstate.Near]
	}
	if !dead {
		return nil
	}

	r.Kill()
	return e.appendOp(fmt.Sprintf("- %d %d", farUID, nearUID))
}

// markAndTrashDeletions finds every live message on side (placeholders
// included) with \Deleted set, hands it to the driver's Trash unless
// TrashedUIDs already lists it (UIDs trashed this run or replayed from
// the journal), and marks it DEL so the post-close fallback sweep
// clears its UID.
func (e *Engine) markAndTrashDeletions(ctx context.Context, side boxstate.Side) error {
	for _, r := range e.st.Records() {
		if r.IsDead() || r.Msg[side] == nil {
			continue
		}
		if !r.Msg[side].Flags.Has(boxstate.FlagDeleted) {
			continue
		}
		uid := r.UID[side]
		if e.st.TrashedUIDs[side][uid] {
			r.Run |= boxstate.DelFor(side)
			continue
		}

		if !e.ch.DryRun {
			if _, err := e.driver(side).Trash(ctx, uid); err != nil {
				return fmt.Errorf("%s: trash uid %d: %w", side, uid, err)
			}
		}
		if e.st.TrashedUIDs[side] == nil {
			e.st.TrashedUIDs[side] = make(map[uint32]bool)
		}
		e.st.TrashedUIDs[side][uid] = true
		if err := e.appendOp(fmt.Sprintf("T %c %d", side.Letter(), uid)); err != nil {
			return err
		}
		r.Run |= boxstate.DelFor(side)
		e.stats.Trashed[side]++
	}
	return nil
}
