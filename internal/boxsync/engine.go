// Package boxsync is the synchronization engine: it drives a pair of
// store.Driver instances (one far, one near) through load, pair
// resolution, flag synchronization, new-message propagation,
// expiration, and trashing, journaling every decision so a crash
// anywhere in the run leaves the pair resumable rather than corrupt.
package boxsync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/boxsync/boxsync/internal/boxstate"
	"github.com/boxsync/boxsync/internal/lockfile"
	"github.com/boxsync/boxsync/internal/logging"
	"github.com/boxsync/boxsync/internal/store"
)

// SyncOp is one of the four directions a channel can be configured to
// synchronize.
type SyncOp int

const (
	SyncPull SyncOp = 1 << iota // propagate far -> near
	SyncPush                    // propagate near -> far
	SyncDelete                  // propagate deletions in both directions
	SyncFlags                   // propagate flag changes in both directions
)

const SyncAll = SyncPull | SyncPush | SyncDelete | SyncFlags

// ExpireUnread governs whether expiration is allowed to remove a
// message that is unread on the expire side.
type ExpireUnread int

const (
	ExpireUnreadRefuse ExpireUnread = iota // refuse to expire when more than half the over-limit messages are unread (default)
	ExpireUnreadFar
	ExpireUnreadNear
	ExpireUnreadBoth
)

// Channel configures one pair of mailboxes to synchronize.
type Channel struct {
	Name string

	Far  store.Driver
	Near store.Driver

	FarBox  string
	NearBox string

	StateDir string

	Ops          SyncOp
	MaxMessages  int // 0 disables expiration
	MaxSize      int64
	ExpireUnread ExpireUnread
	ExpireSide   boxstate.Side // which side expiration trims (conventionally Near)

	// CreateBox permits creating whichever side is missing on a fresh
	// pair (no prior state). RemoveBox permits deleting the opposite
	// side, once it is confirmed empty, when an existing pair finds
	// one side already gone.
	CreateBox bool
	RemoveBox bool

	DryRun bool
}

// Stats summarizes one run, surfaced to the CLI for logging.
type Stats struct {
	Propagated   [2]int
	FlagsChanged int
	Expired      int
	Trashed      [2]int
	Placeholders int
}

// Engine runs one channel's synchronization.
type Engine struct {
	ch  Channel
	log zerolog.Logger

	statePath   string
	journalPath string
	lockPath    string

	lock *lockfile.Lock
	st   *boxstate.State
	jrn  *boxstate.Journal

	// far and near hold messages loaded this run, keyed by UID, minus
	// whatever resolvePairs has already matched off to an existing
	// Record; what remains after resolution is genuinely new.
	far  map[uint32]*boxstate.Message
	near map[uint32]*boxstate.Message

	stats Stats
}

// New prepares an Engine for ch. Call Run to execute it.
func New(ch Channel) *Engine {
	return &Engine{
		ch:          ch,
		log:         logging.WithComponent("boxsync").With().Str("channel", ch.Name).Logger(),
		statePath:   filepath.Join(ch.StateDir, "state"),
		journalPath: filepath.Join(ch.StateDir, "journal"),
		lockPath:    filepath.Join(ch.StateDir, ".lock"),
	}
}

// Run executes one full synchronization pass: setup, box confirmation,
// load, pair resolution, flag sync, propagation, expiration, trashing,
// close, and commit. On success it returns accumulated Stats; the
// caller still owns translating any returned error into an exit code.
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	if err := e.setup(); err != nil {
		return e.stats, fmt.Errorf("setup: %w", err)
	}
	defer e.releaseLock()

	if err := e.confirmAndOpenBoxes(ctx); err != nil {
		if errors.Is(err, errBoxAbsentSkip) {
			return e.stats, nil
		}
		return e.stats, fmt.Errorf("box confirmation: %w", err)
	}

	if err := e.load(ctx); err != nil {
		e.abort(ctx)
		return e.stats, fmt.Errorf("load: %w", err)
	}

	e.resolvePairs()

	if err := e.propagateGone(ctx); err != nil {
		e.abort(ctx)
		return e.stats, fmt.Errorf("propagate gone: %w", err)
	}

	if e.ch.Ops&SyncFlags != 0 {
		if err := e.syncFlags(ctx); err != nil {
			e.abort(ctx)
			return e.stats, fmt.Errorf("flag sync: %w", err)
		}
	}

	if err := e.resolveUpgrades(ctx); err != nil {
		e.abort(ctx)
		return e.stats, fmt.Errorf("resolve placeholder upgrades: %w", err)
	}

	if err := e.propagateNew(ctx); err != nil {
		e.abort(ctx)
		return e.stats, fmt.Errorf("propagate new messages: %w", err)
	}

	if e.ch.MaxMessages > 0 {
		if err := e.expire(ctx); err != nil {
			e.abort(ctx)
			return e.stats, fmt.Errorf("expire: %w", err)
		}
	}

	if err := e.trashAndClose(ctx); err != nil {
		e.abort(ctx)
		return e.stats, fmt.Errorf("trash and close: %w", err)
	}

	if err := e.commit(); err != nil {
		return e.stats, fmt.Errorf("commit: %w", err)
	}

	return e.stats, nil
}

// setup acquires the channel's lock, loads the last committed state,
// and replays any journal left behind by an interrupted run.
func (e *Engine) setup() error {
	lock, err := lockfile.Acquire(e.lockPath)
	if err != nil {
		return err
	}
	e.lock = lock

	st, err := boxstate.LoadStateFile(e.statePath)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	e.st = st

	if err := boxstate.ReplayJournal(e.journalPath, e.st); err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}

	// Fold the replayed journal into the state file immediately so a
	// second crash before any new op is appended still leaves a
	// consistent, journal-free pair on disk.
	if !e.ch.DryRun {
		if err := e.st.Save(e.statePath); err != nil {
			return fmt.Errorf("save post-replay state: %w", err)
		}
		if err := boxstate.RemoveJournal(e.journalPath); err != nil {
			return fmt.Errorf("remove replayed journal: %w", err)
		}
		jrn, err := boxstate.CreateJournal(e.journalPath, e.st.Header)
		if err != nil {
			return fmt.Errorf("create journal: %w", err)
		}
		e.jrn = jrn
	}

	return nil
}

func (e *Engine) releaseLock() {
	if e.jrn != nil {
		e.jrn.Close()
	}
	if e.lock != nil {
		e.lock.Release()
	}
}

// abort is called on any mid-run failure: it cancels in-flight driver
// commands but deliberately leaves the journal in place so the next
// run's replay can resume from exactly where this one stopped.
func (e *Engine) abort(ctx context.Context) {
	e.ch.Far.Cancel()
	e.ch.Near.Cancel()
}

func (e *Engine) driver(s boxstate.Side) store.Driver {
	if s == boxstate.Far {
		return e.ch.Far
	}
	return e.ch.Near
}

func (e *Engine) box(s boxstate.Side) string {
	if s == boxstate.Far {
		return e.ch.FarBox
	}
	return e.ch.NearBox
}

// appendOp journals one operation and keeps the engine usable in
// --dry-run mode, where nothing is ever written to disk.
func (e *Engine) appendOp(line string) error {
	if e.ch.DryRun || e.jrn == nil {
		return nil
	}
	return e.jrn.Append(line)
}

func (e *Engine) syncJournal() error {
	if e.ch.DryRun || e.jrn == nil {
		return nil
	}
	return e.jrn.Sync()
}
