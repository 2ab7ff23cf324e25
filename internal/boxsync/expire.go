package boxsync

import (
	"context"
	"fmt"
	"sort"

	"github.com/boxsync/boxsync/internal/boxstate"
)

// expire trims the expire side down to MaxMessages, walking live records
// oldest-first and opening a two-phase EXPIRE/EXPIRED transaction on
// every non-important record past the limit. The actual removal
// is driven by marking \Deleted on the expire side; trashAndClose
// observes the resulting expunge and flips EXPIRED to close the
// transaction.
func (e *Engine) expire(ctx context.Context) error {
	side := e.ch.ExpireSide
	candidates := e.liveOnSide(side)
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].UID[side] < candidates[j].UID[side]
	})

	allowUnread := e.expireUnreadAllowed(side)

	todel := len(candidates) - e.ch.MaxMessages
	if todel > 0 && !allowUnread {
		unseen := 0
		for _, r := range candidates {
			if !r.Msg[side].Flags.Has(boxstate.FlagSeen) {
				unseen++
			}
		}
		if unseen*2 > todel {
			return fmt.Errorf("refusing to expire: more than half of the %d over-limit messages on the %s side are unread "+
				"and expire_unread is not enabled for that side", todel, side)
		}
	}

	nexpire := make(map[*boxstate.Record]bool, len(candidates))
	for _, r := range candidates {
		if todel <= 0 {
			break
		}
		if r.IsExpireTransactionOpen() {
			// Already mid-transaction: keep it counted toward the
			// target regardless of importance, so a flag flip
			// mid-expiration can't silently abandon it.
			nexpire[r] = true
			todel--
			continue
		}
		if important(r, side) {
			continue
		}
		nexpire[r] = true
		todel--
	}

	var maxxfuid uint32
	for _, r := range candidates {
		want := nexpire[r]
		have := r.Status&boxstate.StatusExpire != 0
		if want == have {
			if want {
				if uid := r.UID[side]; uid > maxxfuid {
					maxxfuid = uid
				}
			}
			continue
		}

		r.SetStatusBit(boxstate.StatusExpire, want)
		if err := e.appendOp(fmt.Sprintf("~ %d %d %s", r.UID[boxstate.Far], r.UID[boxstate.Near], statusLetterOrDash(r.Status))); err != nil {
			return err
		}

		if want {
			e.log.Info().Uint32("uid", r.UID[side]).Str("side", side.String()).Msg("expire: begin")
			if !e.ch.DryRun {
				if _, err := e.driver(side).SetFlags(ctx, r.UID[side], boxstate.FlagDeleted, 0); err != nil {
					return fmt.Errorf("%s: mark uid %d deleted for expiry: %w", side, r.UID[side], err)
				}
			}
			r.Msg[side].Flags |= boxstate.FlagDeleted
			if uid := r.UID[side]; uid > maxxfuid {
				maxxfuid = uid
			}
		}
	}

	if maxxfuid > e.st.Header.MaxExpiredUID {
		e.st.Header.MaxExpiredUID = maxxfuid
	}

	return nil
}

// liveOnSide returns every live, fully-loaded record with a message
// present on side, in no particular order (the caller sorts).
func (e *Engine) liveOnSide(side boxstate.Side) []*boxstate.Record {
	var out []*boxstate.Record
	for _, r := range e.st.Records() {
		if r.IsDead() || r.IsPending() {
			continue
		}
		if r.Msg[side] == nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

// important reports whether r is exempt from the expiration count.
// Only a flagged message is protected; an unseen one gets no priority
// of its own and is expired in UID order like any other, guarded only
// by the bulk expire_unread safety check in expire above.
func important(r *boxstate.Record, side boxstate.Side) bool {
	return r.Msg[side].Flags.Has(boxstate.FlagFlagged)
}

func (e *Engine) expireUnreadAllowed(side boxstate.Side) bool {
	switch e.ch.ExpireUnread {
	case ExpireUnreadBoth:
		return true
	case ExpireUnreadFar:
		return side == boxstate.Far
	case ExpireUnreadNear:
		return side == boxstate.Near
	default:
		return false
	}
}
