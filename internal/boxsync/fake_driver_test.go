package boxsync

import (
	"context"
	"sort"

	"github.com/boxsync/boxsync/internal/boxstate"
	"github.com/boxsync/boxsync/internal/store"
)

// fakeMessage is one message held by a fakeDriver.
type fakeMessage struct {
	uid   uint32
	flags boxstate.Flags
	body  []byte
	msgID string
	tuid  string
}

// fakeDriver is an in-memory store.Driver used to exercise the engine
// without a live IMAP server or maildir tree.
type fakeDriver struct {
	name string

	uidvalidity uint32
	nextUID     uint32
	supported   boxstate.Flags

	msgs map[uint32]*fakeMessage

	missing bool // simulates the configured mailbox not existing yet

	trashed  []uint32
	closed   bool
	canceled bool
}

func newFakeDriver(name string, uidvalidity uint32) *fakeDriver {
	return &fakeDriver{
		name:        name,
		uidvalidity: uidvalidity,
		nextUID:     1,
		supported:   boxstate.FlagSeen | boxstate.FlagFlagged | boxstate.FlagDraft | boxstate.FlagAnswered | boxstate.FlagDeleted | boxstate.FlagForwarded,
		msgs:        make(map[uint32]*fakeMessage),
	}
}

// add seeds a message with an explicit UID, as if it already existed
// on the server before this run started.
func (d *fakeDriver) add(uid uint32, flags boxstate.Flags, body string) *fakeMessage {
	m := &fakeMessage{uid: uid, flags: flags, body: []byte(body)}
	d.msgs[uid] = m
	if uid >= d.nextUID {
		d.nextUID = uid + 1
	}
	return m
}

func (d *fakeDriver) Capabilities() store.Caps {
	return store.Caps{CanTrashByCopy: false, KeepsMessageID: true, SupportsUIDExpunge: true}
}

func (d *fakeDriver) Connect(ctx context.Context) (store.Result, error) { return store.OK, nil }

func (d *fakeDriver) ListMailboxes(ctx context.Context) ([]string, store.Result, error) {
	return []string{"INBOX"}, store.OK, nil
}

func (d *fakeDriver) Open(ctx context.Context, name string, create bool) (store.Result, error) {
	if d.missing {
		if !create {
			return store.BoxBad, errNotFound
		}
		d.missing = false
	}
	return store.OK, nil
}

func (d *fakeDriver) Delete(ctx context.Context, name string) (store.Result, error) {
	d.missing = true
	d.msgs = make(map[uint32]*fakeMessage)
	return store.OK, nil
}

func (d *fakeDriver) ConfirmEmpty(ctx context.Context, name string) (bool, store.Result, error) {
	return len(d.msgs) == 0, store.OK, nil
}

func (d *fakeDriver) UIDValidity() uint32 { return d.uidvalidity }
func (d *fakeDriver) UIDNext() uint32     { return d.nextUID }

func (d *fakeDriver) SupportedFlags() boxstate.Flags { return d.supported }

func (d *fakeDriver) Load(ctx context.Context, minUID uint32, knownUIDs []uint32) ([]*boxstate.Message, store.Result, error) {
	known := make(map[uint32]bool, len(knownUIDs))
	for _, u := range knownUIDs {
		known[u] = true
	}
	var uids []uint32
	for uid := range d.msgs {
		if uid >= minUID || known[uid] {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	var out []*boxstate.Message
	for _, uid := range uids {
		m := d.msgs[uid]
		out = append(out, &boxstate.Message{
			UID:   m.uid,
			Size:  int64(len(m.body)),
			Flags: m.flags,
			MsgID: m.msgID,
			TUID:  m.tuid,
		})
	}
	return out, store.OK, nil
}

func (d *fakeDriver) Fetch(ctx context.Context, uid uint32) (*store.FullMessage, store.Result, error) {
	m, ok := d.msgs[uid]
	if !ok {
		return nil, store.MsgBad, errNotFound
	}
	return &store.FullMessage{UID: m.uid, Flags: m.flags, Size: int64(len(m.body)), Body: m.body}, store.OK, nil
}

func (d *fakeDriver) Store(ctx context.Context, msg *store.FullMessage) (uint32, store.Result, error) {
	uid := d.nextUID
	d.nextUID++
	d.msgs[uid] = &fakeMessage{uid: uid, flags: msg.Flags, body: msg.Body}
	return uid, store.OK, nil
}

func (d *fakeDriver) FindNew(ctx context.Context, minUID uint32) ([]uint32, store.Result, error) {
	var uids []uint32
	for uid := range d.msgs {
		if uid >= minUID {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, store.OK, nil
}

func (d *fakeDriver) SetFlags(ctx context.Context, uid uint32, add, remove boxstate.Flags) (store.Result, error) {
	m, ok := d.msgs[uid]
	if !ok {
		return store.MsgBad, errNotFound
	}
	m.flags = (m.flags | add) &^ remove
	return store.OK, nil
}

func (d *fakeDriver) Trash(ctx context.Context, uid uint32) (store.Result, error) {
	d.trashed = append(d.trashed, uid)
	delete(d.msgs, uid)
	return store.OK, nil
}

func (d *fakeDriver) Close(ctx context.Context) (store.Result, error) {
	d.closed = true
	// Simulate expunge: anything flagged \Deleted actually disappears.
	for uid, m := range d.msgs {
		if m.flags.Has(boxstate.FlagDeleted) {
			delete(d.msgs, uid)
		}
	}
	return store.OK, nil
}

func (d *fakeDriver) Commit(ctx context.Context) (store.Result, error) { return store.OK, nil }

func (d *fakeDriver) Cancel() { d.canceled = true }

func (d *fakeDriver) MemoryUsage() int64 { return 0 }

func (d *fakeDriver) FailKind() store.FailKind { return store.FailNone }

func (d *fakeDriver) Disconnect() error { return nil }

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errNotFound = fakeErr("not found")
