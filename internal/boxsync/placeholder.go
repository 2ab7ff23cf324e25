package boxsync

import (
	"context"
	"fmt"

	"github.com/boxsync/boxsync/internal/boxstate"
)

// resolveUpgrades handles every record pushFlags flagged RunUpgrade
// this run: a placeholder whose real counterpart just got marked
// \Flagged. The placeholder's saved flags move to PFlags, a fresh
// record is created sharing the real side's UID so propagateNew
// copies it as an ordinary new message, and the old placeholder is
// marked \Deleted directly so the record it still belongs to purges
// itself once that deletion is confirmed.
func (e *Engine) resolveUpgrades(ctx context.Context) error {
	for _, r := range e.st.Records() {
		if r.IsDead() || r.Run&boxstate.RunUpgrade == 0 {
			continue
		}
		dummy, ok := dummySide(r)
		if !ok {
			continue
		}
		real := dummy.Other()
		if r.Msg[dummy] == nil || r.Msg[real] == nil {
			continue
		}

		r.PFlags = r.Msg[dummy].Flags
		if err := e.appendOp(fmt.Sprintf("^ %d %d %s", r.UID[boxstate.Far], r.UID[boxstate.Near], letterOrDash(r.PFlags))); err != nil {
			return err
		}

		fresh := &boxstate.Record{Status: boxstate.StatusPending}
		fresh.UID[real] = r.UID[real]
		if err := e.appendOp(fmt.Sprintf("+ %d %d", fresh.UID[boxstate.Far], fresh.UID[boxstate.Near])); err != nil {
			return err
		}
		e.st.Add(fresh)

		if !e.ch.DryRun {
			if _, err := e.driver(dummy).SetFlags(ctx, r.UID[dummy], boxstate.FlagDeleted, 0); err != nil {
				return fmt.Errorf("%s: mark placeholder uid %d deleted for upgrade: %w", dummy, r.UID[dummy], err)
			}
		}
		r.Msg[dummy].Flags |= boxstate.FlagDeleted

		e.log.Info().Str("dummy_side", dummy.String()).Uint32("real_uid", r.UID[real]).
			Msg("placeholder upgraded: real message rescheduled for propagation, placeholder scheduled for purge")
	}
	return nil
}

// dummySide reports which side of r is a placeholder, provided exactly
// one side is.
func dummySide(r *boxstate.Record) (boxstate.Side, bool) {
	far, near := r.IsDummy(boxstate.Far), r.IsDummy(boxstate.Near)
	if far == near {
		return 0, false
	}
	if far {
		return boxstate.Far, true
	}
	return boxstate.Near, true
}
