package boxsync

import (
	"context"
	"fmt"

	"github.com/boxsync/boxsync/internal/boxstate"
)

// reapproveMinPairs and reapproveMinFraction are the re-approval
// thresholds: a UIDVALIDITY change is accepted as "the same mailbox,
// renumbered" rather than "a different mailbox" when at least this
// many records paired on both sides still match by Message-ID, or
// when the matched fraction of those records clears the percentage —
// the absolute count admits a large pair despite some churn, the
// fraction admits a small pair that could never reach 20 matches.
const (
	reapproveMinPairs    = 20
	reapproveMinFraction = 0.8
)

// reconcileUIDValidity compares the freshly opened boxes' UIDVALIDITY
// against what the state file remembers. A first run simply records
// it. An unchanged value is a no-op. A changed value on a pair with
// history is re-approved by degree of Message-ID agreement, or the
// channel is failed outright so a careless rename doesn't get treated
// as 30,000 new messages.
func (e *Engine) reconcileUIDValidity() error {
	farUV := e.ch.Far.UIDValidity()
	nearUV := e.ch.Near.UIDValidity()

	if len(e.st.Records()) == 0 {
		e.st.Header.UIDValidity = [2]uint32{farUV, nearUV}
		return e.appendOp(fmt.Sprintf("| %d %d", farUV, nearUV))
	}

	farChanged := farUV != e.st.Header.UIDValidity[boxstate.Far]
	nearChanged := nearUV != e.st.Header.UIDValidity[boxstate.Near]
	if !farChanged && !nearChanged {
		return nil
	}
	if farChanged && nearChanged {
		return fmt.Errorf("UIDVALIDITY changed on both sides (far %d->%d, near %d->%d); "+
			"a double change can't be distinguished from two different mailboxes, refusing to resync, "+
			"remove the state file to start over",
			e.st.Header.UIDValidity[boxstate.Far], farUV, e.st.Header.UIDValidity[boxstate.Near], nearUV)
	}

	// The caller has already Loaded neither side yet at this point in
	// the run; re-approval needs fresh metadata to compare Message-IDs
	// against, so pull it directly here rather than threading it
	// through load().
	farMsgs, _, err := e.ch.Far.Load(context.Background(), 1, nil)
	if err != nil {
		return fmt.Errorf("load far for reapproval: %w", err)
	}
	nearMsgs, _, err := e.ch.Near.Load(context.Background(), 1, nil)
	if err != nil {
		return fmt.Errorf("load near for reapproval: %w", err)
	}

	farByID := make(map[string]uint32, len(farMsgs))
	for _, m := range farMsgs {
		if m.MsgID != "" {
			farByID[m.MsgID] = m.UID
		}
	}
	nearByID := make(map[string]uint32)
	for _, m := range nearMsgs {
		if m.MsgID != "" {
			nearByID[m.MsgID] = m.UID
		}
	}

	total, matched := 0, 0
	for _, r := range e.st.Records() {
		if r.IsDead() || !r.HasSide(boxstate.Far) || !r.HasSide(boxstate.Near) {
			continue
		}
		total++
	}
	// Count matches among records whose remembered pairing still holds
	// by Message-ID under the new numbering.
	for _, r := range e.st.Records() {
		if r.IsDead() || !r.HasSide(boxstate.Far) || !r.HasSide(boxstate.Near) {
			continue
		}
		for id, farUID := range farByID {
			if farUID != r.UID[boxstate.Far] {
				continue
			}
			if nearUID, ok := nearByID[id]; ok && nearUID == r.UID[boxstate.Near] {
				matched++
			}
			break
		}
	}

	approved := matched >= reapproveMinPairs || (total > 0 && float64(matched)/float64(total) >= reapproveMinFraction)
	if !approved {
		return fmt.Errorf("UIDVALIDITY changed (far %d->%d, near %d->%d) and only %d/%d records "+
			"re-approved by Message-ID; refusing to resync blindly, remove the state file to start over",
			e.st.Header.UIDValidity[boxstate.Far], farUV, e.st.Header.UIDValidity[boxstate.Near], nearUV, matched, total)
	}

	e.log.Warn().Int("matched", matched).Int("total", total).Msg("UIDVALIDITY changed; re-approved by Message-ID match")
	e.st.Header.UIDValidity = [2]uint32{farUV, nearUV}
	return e.appendOp(fmt.Sprintf("| %d %d", farUV, nearUV))
}
