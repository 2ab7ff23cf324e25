package boxsync

import (
	"context"
	"fmt"

	"github.com/boxsync/boxsync/internal/boxstate"
	"github.com/boxsync/boxsync/internal/msgconvert"
	"github.com/boxsync/boxsync/internal/store"
)

// bufferLimit is the default ceiling on bytes of not-yet-confirmed
// copy this run will hold in flight before pausing to let pending
// copies settle: the backpressure valve keeps one giant mailbox from
// blowing out available memory in a single run.
const bufferLimit = 10 << 20 // 10 MiB

// propagateNew copies every record still missing one side's UID,
// subject to the channel's configured direction. TUID assignment and
// the journal writes around it make an interrupted copy safely
// resumable: if the crash happens before store_msg, replay sees a
// PENDING record with a saved TUID and the target-side load in the
// next run re-identifies (or re-issues) the copy.
func (e *Engine) propagateNew(ctx context.Context) error {
	var inFlight int64
	var snapshotTaken [2]bool
	var recoveries [2]*uidRecovery
	var lost int

	for _, r := range e.st.Records() {
		if r.IsDead() {
			continue
		}
		source, target, ok := missingSide(r)
		if !ok {
			continue
		}
		if !e.directionAllowed(source) {
			continue
		}

		full, result, err := e.driver(source).Fetch(ctx, r.UID[source])
		if err != nil {
			if result == store.MsgBad {
				e.log.Warn().Err(err).Uint32("uid", r.UID[source]).Msg("source message vanished before copy, skipping")
				continue
			}
			return fmt.Errorf("%s: fetch uid %d: %w", source, r.UID[source], err)
		}

		if r.TUID == "" {
			tuid, err := boxstate.NewTUID()
			if err != nil {
				return fmt.Errorf("generate tuid: %w", err)
			}
			if err := e.appendOp(fmt.Sprintf("& %d %d", r.UID[boxstate.Far], r.UID[boxstate.Near])); err != nil {
				return err
			}
			r.TUID = tuid
			if err := e.appendOp(fmt.Sprintf("# %d %d %s", r.UID[boxstate.Far], r.UID[boxstate.Near], tuid)); err != nil {
				return err
			}
			if err := e.syncJournal(); err != nil {
				return err
			}
		}

		opts := msgconvert.Options{
			TargetCRLF: target == boxstate.Far,
			TUID:       r.TUID,
		}
		oversized := e.ch.MaxSize > 0 && full.Size > e.ch.MaxSize
		if oversized {
			opts.Placeholder = &msgconvert.Placeholder{
				OriginalSize: full.Size,
				Flagged:      full.Flags.Has(boxstate.FlagFlagged),
			}
		}

		body, err := msgconvert.Convert(full.Body, opts)
		if err != nil {
			return fmt.Errorf("convert uid %d: %w", r.UID[source], err)
		}

		if e.ch.DryRun {
			e.log.Info().Str("source", source.String()).Uint32("uid", r.UID[source]).Msg("dry run: would propagate")
			continue
		}

		// Snapshot the target's UIDNEXT before this run's first store to
		// it, so a later no-UIDPLUS recovery scan has a lower bound that
		// excludes messages that were already there before this run
		// started.
		if !snapshotTaken[target] {
			baseline := e.driver(target).UIDNext()
			if err := e.appendOp(fmt.Sprintf("F %c %d", target.Letter(), baseline)); err != nil {
				return err
			}
			e.st.SavedUIDNext[target] = baseline
			snapshotTaken[target] = true
		}

		if inFlight+int64(len(body)) > bufferLimit && inFlight > 0 {
			if _, err := e.driver(target).Commit(ctx); err != nil {
				return fmt.Errorf("%s: commit to drain buffer: %w", target, err)
			}
			inFlight = 0
		}

		newUID, _, err := e.driver(target).Store(ctx, &store.FullMessage{
			Flags: full.Flags & e.driver(target).SupportedFlags(),
			Body:  body,
		})
		if err != nil {
			return fmt.Errorf("%s: store copy of uid %d: %w", target, r.UID[source], err)
		}
		inFlight += int64(len(body))

		if newUID == 0 {
			// No UIDPLUS-equivalent: recover the assigned UID by
			// scanning everything new since this run's snapshot and
			// matching on the X-TUID this copy was stamped with. Two
			// records propagated to the same target in one run (or a
			// third party append racing the scan) are otherwise
			// indistinguishable by UID order alone.
			recovered, err := e.recoverUID(ctx, target, r.TUID, &recoveries[target])
			if err != nil {
				return err
			}
			if recovered == 0 {
				lost++
				e.log.Warn().Str("target", target.String()).Str("tuid", r.TUID).
					Msg("lost track of a propagated message; leaving it pending for the next run")
				continue
			}
			newUID = recovered
		}

		r.UID[target] = newUID
		e.st.Reindex(r)
		if oversized {
			r.SetDummy(target, true)
			e.stats.Placeholders++
		}
		r.Status &^= boxstate.StatusPending
		r.TUID = ""

		op := "> "
		if target == boxstate.Far {
			op = "< "
		}
		if err := e.appendOp(fmt.Sprintf("%s%d %d %d", op, r.UID[boxstate.Far], r.UID[boxstate.Near], newUID)); err != nil {
			return err
		}
		if err := e.appendOp(fmt.Sprintf("~ %d %d %s", r.UID[boxstate.Far], r.UID[boxstate.Near], statusLetterOrDash(r.Status))); err != nil {
			return err
		}

		if newUID > e.st.Header.MaxUID[target] {
			e.st.Header.MaxUID[target] = newUID
			if err := e.appendOp(fmt.Sprintf("N %c %d", target.Letter(), newUID)); err != nil {
				return err
			}
		}

		e.stats.Propagated[target]++
	}

	if lost > 0 {
		e.log.Warn().Int("count", lost).Msg("lost track of message(s) recovering UIDs after a no-UIDPLUS store")
	}

	for _, side := range []boxstate.Side{boxstate.Far, boxstate.Near} {
		if maxUID := e.highestLoadedUID(side); maxUID > e.st.Header.MaxUID[side] {
			e.st.Header.MaxUID[side] = maxUID
			if err := e.appendOp(fmt.Sprintf("N %c %d", side.Letter(), maxUID)); err != nil {
				return err
			}
		}
	}

	return nil
}

// uidRecovery caches one target side's no-UIDPLUS recovery scan
// across the whole propagateNew pass, so a run with several pending
// records propagating to the same target pays for the FindNew scan
// and the per-candidate Fetch only once.
type uidRecovery struct {
	byTUID map[string]uint32
}

// recoverUID resolves the UID a no-UIDPLUS Store call couldn't report
// directly. On first use for target it scans every UID that has
// appeared since this run's SavedUIDNext snapshot, fetches each one,
// and indexes it by its X-TUID header; later calls for the same
// target reuse that index. Returns 0 if tuid isn't among the
// candidates found.
func (e *Engine) recoverUID(ctx context.Context, target boxstate.Side, tuid string, rec **uidRecovery) (uint32, error) {
	if *rec == nil {
		found, _, err := e.driver(target).FindNew(ctx, e.st.SavedUIDNext[target])
		if err != nil {
			return 0, fmt.Errorf("%s: recover uid scan: %w", target, err)
		}
		byTUID := make(map[string]uint32, len(found))
		for _, uid := range found {
			full, _, err := e.driver(target).Fetch(ctx, uid)
			if err != nil {
				continue
			}
			if t := msgconvert.ExtractTUID(full.Body); t != "" {
				byTUID[t] = uid
			}
		}
		*rec = &uidRecovery{byTUID: byTUID}
	}
	return (*rec).byTUID[tuid], nil
}

// missingSide reports which side still needs a copy, and which side
// already has it to copy from.
func missingSide(r *boxstate.Record) (source, target boxstate.Side, ok bool) {
	if r.UID[boxstate.Far] != 0 && r.UID[boxstate.Near] == 0 {
		return boxstate.Far, boxstate.Near, true
	}
	if r.UID[boxstate.Near] != 0 && r.UID[boxstate.Far] == 0 {
		return boxstate.Near, boxstate.Far, true
	}
	return 0, 0, false
}

// directionAllowed reports whether the channel's configured Ops permit
// copying a message whose only copy currently lives on side source.
func (e *Engine) directionAllowed(source boxstate.Side) bool {
	if source == boxstate.Far {
		return e.ch.Ops&SyncPull != 0
	}
	return e.ch.Ops&SyncPush != 0
}

func statusLetterOrDash(s boxstate.Status) string {
	str := s.String()
	if str == "" {
		return "-"
	}
	return str
}

// highestLoadedUID is used to advance the high-water mark even for
// messages this run decided NOT to propagate (direction disabled),
// so they are not re-examined as "new" every future run.
func (e *Engine) highestLoadedUID(s boxstate.Side) uint32 {
	var max uint32
	msgs := e.far
	if s == boxstate.Near {
		msgs = e.near
	}
	for uid := range msgs {
		if uid > max {
			max = uid
		}
	}
	for _, r := range e.st.Records() {
		if uid := r.UID[s]; uid > max {
			max = uid
		}
	}
	return max
}
