// Package boxstate implements the persistent data model: sync
// records, the on-disk state file, and the journal that makes a run
// crash-consistent. It has no knowledge of IMAP or Maildir; it only
// knows about UIDs, flags, and status bits.
package boxstate

// Record is one pairing of a far-side message and a near-side message.
// The zero value is an empty, non-dead record; it is not Valid until a
// UID is set on at least one side.
type Record struct {
	UID   [2]uint32 // UID[Far], UID[Near]; 0 means absent on that side
	Flags Flags     // last committed flag set
	Status Status   // persistent status bits

	// TUID is the temporary identifier injected into the message body
	// during copy, used to re-identify it on the target after an
	// interruption. Non-empty only while a copy is in flight; never
	// written to the committed state file, only to the journal.
	TUID string

	// PFlags are the saved real flags of a placeholder that is being
	// upgraded.
	PFlags Flags

	// --- ephemeral, reconstructed every run, never persisted ---

	Msg    [2]*Message // back-pointers to loaded messages, nil if unloaded/expunged
	AFlags [2]Flags    // flags to add this run, per side
	DFlags [2]Flags    // flags to remove this run, per side
	Run    RunStatus   // ephemeral status bits
}

// IsDead reports whether the record is logically removed.
func (r *Record) IsDead() bool { return r.Status&StatusDead != 0 }

// Kill marks the record dead. Dead records are dropped at commit time
// and never appear in the written state file.
func (r *Record) Kill() { r.Status |= StatusDead }

// HasSide reports whether the record has a UID on side s.
func (r *Record) HasSide(s Side) bool { return r.UID[s] != 0 }

// IsDummy reports whether side s is a placeholder stub.
func (r *Record) IsDummy(s Side) bool { return r.Status&DummyFor(s) != 0 }

// SetDummy sets or clears the dummy bit for side s.
func (r *Record) SetDummy(s Side, v bool) {
	r.SetStatusBit(DummyFor(s), v)
}

// IsPending reports whether a new-message propagation is scheduled or
// in flight for this record.
func (r *Record) IsPending() bool { return r.Status&StatusPending != 0 }

// IsExpireTransactionOpen reports whether EXPIRE and EXPIRED have
// diverged, i.e. an expire transaction is mid-flight.
func (r *Record) IsExpireTransactionOpen() bool {
	e := r.Status&StatusExpire != 0
	x := r.Status&StatusExpired != 0
	return e != x
}

// Valid reports the non-DEAD invariant: at least one UID is set.
func (r *Record) Valid() bool {
	return r.IsDead() || r.UID[Far] != 0 || r.UID[Near] != 0
}

// SetStatusBit sets or clears a persistent status bit.
func (r *Record) SetStatusBit(bit Status, v bool) {
	if v {
		r.Status |= bit
	} else {
		r.Status &^= bit
	}
}
