package boxsync

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/boxsync/boxsync/internal/boxstate"
	"github.com/boxsync/boxsync/internal/store"
)

// errBoxAbsentSkip is returned by confirmAndOpenBoxes when this run has
// nothing left to do: a mailbox was absent and the configured policy
// resolved that by warning and skipping rather than by creating or
// deleting anything. The caller treats it as a clean no-op, not a
// failure.
var errBoxAbsentSkip = errors.New("boxsync: mailbox absent, nothing to do this run")

// confirmAndOpenBoxes tries to open both mailboxes without creating
// anything, then applies the confirmation/creation/removal table to
// whichever side (or sides) turned out absent. The far and near sides
// have no interdependency at this stage, so the initial probe runs
// concurrently: a slow IMAP greeting on one side shouldn't hold up
// local Maildir setup on the other.
func (e *Engine) confirmAndOpenBoxes(ctx context.Context) error {
	existingPair := len(e.st.Records()) > 0 || e.st.Header.UIDValidity != [2]uint32{}

	var present [2]bool
	g, gctx := errgroup.WithContext(ctx)
	for _, side := range []boxstate.Side{boxstate.Far, boxstate.Near} {
		side := side
		g.Go(func() error {
			d := e.driver(side)
			if _, err := d.Connect(gctx); err != nil {
				return fmt.Errorf("%s: connect: %w", side, err)
			}
			result, err := d.Open(gctx, e.box(side), false)
			if err == nil {
				present[side] = true
				return nil
			}
			if result == store.BoxBad {
				return nil
			}
			return fmt.Errorf("%s: open %q: %w", side, e.box(side), err)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// A fresh pair (no prior state) pointed at an already-existing,
	// non-empty mailbox must not silently adopt its contents as a
	// first sync's worth of new messages.
	if !existingPair {
		for _, side := range []boxstate.Side{boxstate.Far, boxstate.Near} {
			if !present[side] {
				continue
			}
			empty, _, err := e.driver(side).ConfirmEmpty(ctx, e.box(side))
			if err != nil {
				return fmt.Errorf("%s: confirm empty: %w", side, err)
			}
			if !empty {
				return fmt.Errorf("%s: mailbox %q is not empty and this channel has no prior state; "+
					"refusing to adopt its contents as a first sync", side, e.box(side))
			}
		}
	}

	if present[boxstate.Far] && present[boxstate.Near] {
		return e.reconcileUIDValidity()
	}

	if err := e.resolveAbsentBoxes(ctx, &present, existingPair); err != nil {
		return err
	}
	if !present[boxstate.Far] || !present[boxstate.Near] {
		return errBoxAbsentSkip
	}
	return e.reconcileUIDValidity()
}

// resolveAbsentBoxes applies the confirmation table to every side that
// confirmAndOpenBoxes found absent: a fresh pair creates the missing
// side when box creation is allowed, else fails outright; an existing
// pair treats the absence as a deletion that already happened on one
// side and propagates it by removing the opposite side too, when
// removal is allowed and that side is empty, or else just warns and
// leaves both alone for the operator to sort out.
func (e *Engine) resolveAbsentBoxes(ctx context.Context, present *[2]bool, existingPair bool) error {
	for _, side := range []boxstate.Side{boxstate.Far, boxstate.Near} {
		if present[side] {
			continue
		}
		name := e.box(side)

		if !existingPair {
			if !e.ch.CreateBox {
				return fmt.Errorf("%s: mailbox %q does not exist and box creation is disabled for this channel", side, name)
			}
			if e.ch.DryRun {
				e.log.Info().Str("side", side.String()).Str("box", name).Msg("dry run: would create mailbox")
				continue
			}
			if _, err := e.driver(side).Open(ctx, name, true); err != nil {
				return fmt.Errorf("%s: create %q: %w", side, name, err)
			}
			present[side] = true
			continue
		}

		other := side.Other()
		if !present[other] {
			e.log.Warn().Str("far", e.ch.FarBox).Str("near", e.ch.NearBox).
				Msg("both sides of an existing pair are absent; nothing to propagate")
			continue
		}
		if !e.ch.RemoveBox {
			e.log.Warn().Str("side", side.String()).Str("box", name).
				Msg("mailbox is absent and box removal is disabled for this channel; skipping this pair")
			continue
		}

		otherName := e.box(other)
		empty, _, err := e.driver(other).ConfirmEmpty(ctx, otherName)
		if err != nil {
			return fmt.Errorf("%s: confirm empty before removal: %w", other, err)
		}
		if !empty {
			e.log.Warn().Str("side", other.String()).Str("box", otherName).
				Msg("opposite mailbox is not empty; refusing to propagate the removal, skipping this pair")
			continue
		}
		if e.ch.DryRun {
			e.log.Info().Str("side", other.String()).Str("box", otherName).Msg("dry run: would delete opposite mailbox to propagate a removal")
			continue
		}
		if _, err := e.driver(other).Delete(ctx, otherName); err != nil {
			return fmt.Errorf("%s: delete %q to propagate removal: %w", other, otherName, err)
		}
		present[other] = false
		e.log.Info().Str("side", other.String()).Str("box", otherName).Msg("deleted opposite mailbox to propagate a removal")
	}
	return nil
}
