package boxsync

import (
	"context"
	"fmt"

	"github.com/boxsync/boxsync/internal/boxstate"
)

// syncFlags propagates flag changes between the two copies of every
// fully paired, non-pending record. A side whose copy is a
// placeholder follows the special policy in pushPlaceholderFlags
// rather than a plain mirror.
func (e *Engine) syncFlags(ctx context.Context) error {
	for _, r := range e.st.Records() {
		if r.IsDead() || r.IsPending() {
			continue
		}
		if r.Msg[boxstate.Far] == nil || r.Msg[boxstate.Near] == nil {
			continue
		}

		farFlags := r.Msg[boxstate.Far].Flags
		nearFlags := r.Msg[boxstate.Near].Flags
		if farFlags == nearFlags {
			continue
		}

		// The record's last committed Flags is the common ancestor: a
		// side that agrees with it made no local change, so the other
		// side's value wins outright. A side that disagrees with both
		// the ancestor and its peer made a real, independent change,
		// and both changes are merged (added flags win over removed on
		// conflict, matching "seen wins" intuition for mail clients).
		want := mergeFlags(r.Flags, farFlags, nearFlags)
		if want == farFlags && want == nearFlags {
			continue
		}

		farWant, nearWant := want, want
		// A placeholder's own \Deleted is the PURGE trigger, not an
		// ordinary deletion: it must not be mirrored onto the real
		// side, which is why it's stripped from whichever want applies
		// to the non-placeholder side before pushing.
		if r.IsDummy(boxstate.Near) && nearFlags.Has(boxstate.FlagDeleted) && !farFlags.Has(boxstate.FlagDeleted) {
			farWant &^= boxstate.FlagDeleted
		}
		if r.IsDummy(boxstate.Far) && farFlags.Has(boxstate.FlagDeleted) && !nearFlags.Has(boxstate.FlagDeleted) {
			nearWant &^= boxstate.FlagDeleted
		}

		if farWant != farFlags {
			if err := e.pushFlags(ctx, r, boxstate.Far, farFlags, farWant); err != nil {
				return err
			}
		}
		if nearWant != nearFlags {
			if err := e.pushFlags(ctx, r, boxstate.Near, nearFlags, nearWant); err != nil {
				return err
			}
		}

		r.Flags = want
		if err := e.appendOp(fmt.Sprintf("* %d %d %s", r.UID[boxstate.Far], r.UID[boxstate.Near], letterOrDash(want))); err != nil {
			return err
		}
		e.stats.FlagsChanged++
	}
	return nil
}

// mergeFlags combines two post-sync flag sets against their last known
// common ancestor: a flag present in either side but absent from the
// ancestor is a real addition and is kept; a flag present in the
// ancestor but missing from either side is a real removal.
func mergeFlags(ancestor, a, b boxstate.Flags) boxstate.Flags {
	added := (a | b) &^ ancestor
	removedByA := ancestor &^ a
	removedByB := ancestor &^ b
	removed := removedByA | removedByB
	return (ancestor | added) &^ removed
}

func (e *Engine) pushFlags(ctx context.Context, r *boxstate.Record, target boxstate.Side, have, want boxstate.Flags) error {
	if r.IsDummy(target) {
		return e.pushPlaceholderFlags(ctx, r, target, have, want)
	}
	supported := e.driver(target).SupportedFlags()
	add := have.Added(want) & supported
	remove := have.Removed(want) & supported
	if add == 0 && remove == 0 {
		return nil
	}
	if e.ch.DryRun {
		return nil
	}
	if _, err := e.driver(target).SetFlags(ctx, r.UID[target], add, remove); err != nil {
		return fmt.Errorf("%s: set flags on uid %d: %w", target, r.UID[target], err)
	}
	return nil
}

// pushPlaceholderFlags applies the placeholder flag policy for a
// record whose target side is a stub: FLAGGED is never written to the
// placeholder (it schedules an upgrade instead, resolved separately),
// SEEN is never set on it either (the placeholder was never really
// read), but an un-seeing is still forwarded, and DELETED is forwarded
// normally so that the existing trash/expunge path can carry out the
// purge once the placeholder is actually removed.
func (e *Engine) pushPlaceholderFlags(ctx context.Context, r *boxstate.Record, target boxstate.Side, have, want boxstate.Flags) error {
	add := have.Added(want)
	remove := have.Removed(want)

	if add.Has(boxstate.FlagFlagged) {
		r.Run |= boxstate.RunUpgrade
	}
	if add.Has(boxstate.FlagDeleted) {
		r.Run |= boxstate.RunPurge
	}
	add &^= boxstate.FlagFlagged | boxstate.FlagSeen

	supported := e.driver(target).SupportedFlags()
	add &= supported
	remove &= supported
	if add == 0 && remove == 0 {
		return nil
	}
	if e.ch.DryRun {
		return nil
	}
	if _, err := e.driver(target).SetFlags(ctx, r.UID[target], add, remove); err != nil {
		return fmt.Errorf("%s: set flags on placeholder uid %d: %w", target, r.UID[target], err)
	}
	return nil
}

func letterOrDash(f boxstate.Flags) string {
	s := f.String()
	if s == "" {
		return "-"
	}
	return s
}
