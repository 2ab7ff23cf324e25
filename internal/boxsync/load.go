package boxsync

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/boxsync/boxsync/internal/boxstate"
)

// load fetches current messages from both sides: new arrivals above
// each side's remembered high-water mark, plus a flags-only
// refresh of every UID this pair already has a live record for, so a
// record's flags keep being observed on every run even after its UID
// falls below the high-water mark. The two loads share nothing and run
// concurrently.
func (e *Engine) load(ctx context.Context) error {
	var farMsgs, nearMsgs []*boxstate.Message

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		msgs, _, err := e.ch.Far.Load(gctx, e.st.Header.MaxUID[boxstate.Far]+1, e.knownUIDs(boxstate.Far))
		if err != nil {
			return fmt.Errorf("far load: %w", err)
		}
		farMsgs = msgs
		return nil
	})
	g.Go(func() error {
		msgs, _, err := e.ch.Near.Load(gctx, e.st.Header.MaxUID[boxstate.Near]+1, e.knownUIDs(boxstate.Near))
		if err != nil {
			return fmt.Errorf("near load: %w", err)
		}
		nearMsgs = msgs
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	e.far = indexByUID(farMsgs)
	e.near = indexByUID(nearMsgs)
	return nil
}

func indexByUID(msgs []*boxstate.Message) map[uint32]*boxstate.Message {
	m := make(map[uint32]*boxstate.Message, len(msgs))
	for _, msg := range msgs {
		m[msg.UID] = msg
	}
	return m
}

// knownUIDs lists the UIDs this pair already has a confirmed, live
// record for on side s: the exception list a driver must still fetch
// flags for even when they fall below minUID, so a record whose
// pairing is already settled keeps getting its flags observed instead
// of going silent after its first propagation run.
func (e *Engine) knownUIDs(s boxstate.Side) []uint32 {
	var out []uint32
	for _, r := range e.st.Records() {
		if r.IsDead() {
			continue
		}
		if uid := r.UID[s]; uid != 0 {
			out = append(out, uid)
		}
	}
	return out
}

// resolvePairs attaches each loaded message to its Record (creating a
// new Record for a message with no match on either side, and flagging
// a previously paired message that has vanished).
func (e *Engine) resolvePairs() {
	for _, r := range e.st.Records() {
		if r.IsDead() {
			continue
		}
		for _, s := range []boxstate.Side{boxstate.Far, boxstate.Near} {
			uid := r.UID[s]
			if uid == 0 {
				continue
			}
			msgs := e.far
			if s == boxstate.Near {
				msgs = e.near
			}
			if m, ok := msgs[uid]; ok {
				m.Srec = r
				r.Msg[s] = m
				delete(msgs, uid)
			} else {
				r.Run |= boxstate.GoneFor(s)
			}
		}
	}

	// Whatever is left in e.far/e.near after matching existing records
	// is new: a message the opposite side has never seen. Pair it to a
	// TUID-matched sibling if one is already mid-propagation, else
	// queue a fresh record for propagateNew.
	for _, m := range e.far {
		e.pairOrQueueNew(boxstate.Far, m)
	}
	for _, m := range e.near {
		e.pairOrQueueNew(boxstate.Near, m)
	}
}

// pairOrQueueNew handles one message with no UID match: if its X-TUID
// header identifies a record already PENDING for the opposite UID slot
// (the target side of an interrupted copy), it completes that pairing;
// otherwise it starts a brand new record bound for propagateNew.
func (e *Engine) pairOrQueueNew(s boxstate.Side, m *boxstate.Message) {
	if m.TUID != "" {
		for _, r := range e.st.Records() {
			if r.IsDead() || !r.IsPending() || r.TUID != m.TUID {
				continue
			}
			if r.UID[s] != 0 {
				continue
			}
			r.UID[s] = m.UID
			r.Status &^= boxstate.StatusPending
			r.TUID = ""
			e.st.Reindex(r)
			m.Srec = r
			r.Msg[s] = m
			return
		}
	}

	r := &boxstate.Record{Status: boxstate.StatusPending}
	r.UID[s] = m.UID
	e.st.Add(r)
	m.Srec = r
	r.Msg[s] = m
}
