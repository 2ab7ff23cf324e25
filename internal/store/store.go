// Package store defines the contract every mailbox backend (far or
// near) implements. boxsync's engine talks to both sides through this
// single interface, so the same state machine drives an IMAP server on
// one side and a Maildir tree on the other without knowing which is
// which.
package store

import (
	"context"

	"github.com/boxsync/boxsync/internal/boxstate"
)

// Result classifies how far a failure reaches. A message-level problem
// (one bad fetch) shouldn't force a box close, and a box-level problem
// shouldn't force a connection teardown; returning the right level lets
// the engine skip one bad message (MsgBad) instead of failing the whole
// run.
type Result int

const (
	OK Result = iota
	MsgBad
	BoxBad
	StoreBad
	Canceled
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case MsgBad:
		return "msg-bad"
	case BoxBad:
		return "box-bad"
	case StoreBad:
		return "store-bad"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Caps describes what a driver instance can do, discovered once after
// connecting.
type Caps struct {
	// CanTrashByCopy is true when trashing a message means copying it
	// to a trash mailbox rather than issuing a native trash/expunge.
	CanTrashByCopy bool

	// KeepsMessageID is true when the driver guarantees a fetched
	// message's Message-ID header survives a round trip unchanged,
	// which UIDVALIDITY re-approval relies on.
	KeepsMessageID bool

	// SupportsUIDExpunge is true when the driver can expunge a
	// specific UID set rather than every \Deleted message in the box.
	SupportsUIDExpunge bool
}

// FullMessage is a message with its body available, as returned by
// Fetch and accepted by Store.
type FullMessage struct {
	UID   uint32
	Flags boxstate.Flags
	Size  int64
	Body  []byte
}

// Driver is the per-side mailbox backend contract. Every method may be
// called from only one goroutine per Driver instance (see the
// concurrency model); a Driver itself does not need to be
// goroutine-safe beyond that.
type Driver interface {
	// Capabilities returns what this driver instance supports. Valid
	// any time after Connect.
	Capabilities() Caps

	// Connect establishes the underlying connection (dialing and
	// authenticating for IMAP, opening the root directory for
	// Maildir). It does not select a mailbox.
	Connect(ctx context.Context) (Result, error)

	// ListMailboxes returns every mailbox name under the store.
	ListMailboxes(ctx context.Context) ([]string, Result, error)

	// Open selects an existing mailbox, or creates and selects it
	// when create is true and it does not exist.
	Open(ctx context.Context, name string, create bool) (Result, error)

	// Delete removes a mailbox. The mailbox must not be the currently
	// open one.
	Delete(ctx context.Context, name string) (Result, error)

	// ConfirmEmpty reports whether mailbox name holds no messages, used
	// before reusing it for a freshly paired channel. The Maildir driver
	// reports a missing mailbox as empty.
	ConfirmEmpty(ctx context.Context, name string) (empty bool, result Result, err error)

	// UIDValidity returns the open mailbox's UIDVALIDITY.
	UIDValidity() uint32

	// UIDNext returns the open mailbox's UIDNEXT, the first UID not
	// yet assigned to any message.
	UIDNext() uint32

	// SupportedFlags returns the subset of boxstate.Flags the open
	// mailbox can store; bits outside this set are silently dropped
	// on Store/SetFlags.
	SupportedFlags() boxstate.Flags

	// Load returns every message the engine needs to see this run:
	// full metadata (flags, size, Message-ID, and any X-TUID header)
	// for everything at or above minUID, the range that could hold
	// new arrivals, plus a flags-only refresh for every UID in
	// knownUIDs. knownUIDs is the exception list of already-paired
	// UIDs below minUID: without it their flags would never be
	// observed again once minUID advances past them, silently
	// breaking flag sync, expiration, and deletion propagation for
	// every message after its first run. A driver may return more
	// than asked (full metadata for a knownUIDs entry too) without it
	// being wrong.
	Load(ctx context.Context, minUID uint32, knownUIDs []uint32) ([]*boxstate.Message, Result, error)

	// Fetch retrieves one message's full body.
	Fetch(ctx context.Context, uid uint32) (*FullMessage, Result, error)

	// Store appends msg to the open mailbox and returns the UID it was
	// assigned. A driver that cannot learn the assigned UID
	// immediately (no UIDPLUS) returns 0 and the engine falls back to
	// a FindNew scan.
	Store(ctx context.Context, msg *FullMessage) (uid uint32, result Result, err error)

	// FindNew lists UIDs at or above minUID, used to recover the UID a
	// Store call could not report directly.
	FindNew(ctx context.Context, minUID uint32) ([]uint32, Result, error)

	// SetFlags applies add and remove to the message at uid. The two
	// masks are guaranteed disjoint.
	SetFlags(ctx context.Context, uid uint32, add, remove boxstate.Flags) (Result, error)

	// Trash removes a message from the open mailbox, after copying it
	// to a trash location first when Caps.CanTrashByCopy is true.
	Trash(ctx context.Context, uid uint32) (Result, error)

	// Close finalizes the open mailbox and deselects it. The IMAP
	// driver expunges every \Deleted message here; the Maildir driver
	// removes nothing here, so a message it holds with \Deleted set
	// stays until Trash is called for it.
	Close(ctx context.Context) (Result, error)

	// Commit flushes any commands the driver is batching and waits for
	// their responses; it does not close the mailbox.
	Commit(ctx context.Context) (Result, error)

	// Cancel abandons in-flight commands without waiting for replies,
	// used when a run is being aborted rather than finished cleanly.
	Cancel()

	// MemoryUsage reports approximate bytes held by in-flight driver
	// state. The engine does not consult it; propagateNew keeps its own
	// in-flight byte count.
	MemoryUsage() int64

	// FailKind classifies the last connection-level failure seen by
	// this driver, for the retry/backoff bookkeeping in failstate.
	FailKind() FailKind

	// Close the underlying connection. Safe to call on a driver that
	// never connected.
	Disconnect() error
}

// FailKind is the connection-level failure classification a driver
// reports after an operation returns StoreBad.
type FailKind int

const (
	FailNone FailKind = iota
	FailTemp          // transient: network blip, server busy
	FailWait          // rate-limited: back off longer before retrying
	FailFinal         // authentication or configuration error: don't retry automatically
)
