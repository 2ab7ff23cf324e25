// Package maildirstore is the near-side store.Driver backed by a
// Maildir tree, built on github.com/emersion/go-maildir.
//
// Maildir has no native concept of a stable numeric UID, so this
// driver keeps a small sidecar index (".uidvalidity" and ".uidlist")
// next to each maildir folder mapping the UIDs boxsync's state file
// already depends on to go-maildir's own opaque message keys.
package maildirstore

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-maildir"
	"github.com/rs/zerolog"

	"github.com/boxsync/boxsync/internal/boxstate"
	"github.com/boxsync/boxsync/internal/logging"
	"github.com/boxsync/boxsync/internal/store"
)

// Store is the Maildir-backed store.Driver.
type Store struct {
	root string
	log  zerolog.Logger

	mu          sync.Mutex
	dir         maildir.Dir
	folder      string
	uidValidity uint32
	uidNext     uint32
	keyByUID    map[uint32]string
	uidByKey    map[string]uint32

	lastFail store.FailKind
}

// New returns a Store rooted at root. root holds one subdirectory per
// mailbox; the mailbox named "INBOX" is root itself.
func New(root string) *Store {
	return &Store{root: root, log: logging.WithComponent("maildirstore")}
}

func (s *Store) Capabilities() store.Caps {
	return store.Caps{
		CanTrashByCopy:     false,
		KeepsMessageID:     true,
		SupportsUIDExpunge: false,
	}
}

func (s *Store) Connect(ctx context.Context) (store.Result, error) {
	if err := os.MkdirAll(s.root, 0700); err != nil {
		s.lastFail = store.FailFinal
		return store.StoreBad, fmt.Errorf("mkdir root: %w", err)
	}
	s.lastFail = store.FailNone
	return store.OK, nil
}

func (s *Store) folderPath(name string) string {
	if name == "" || name == "INBOX" {
		return s.root
	}
	return filepath.Join(s.root, name)
}

func (s *Store) ListMailboxes(ctx context.Context) ([]string, store.Result, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, store.StoreBad, fmt.Errorf("read root: %w", err)
	}
	names := []string{"INBOX"}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if e.Name() == "cur" || e.Name() == "tmp" || e.Name() == "new" {
			continue
		}
		names = append(names, e.Name())
	}
	return names, store.OK, nil
}

func (s *Store) Open(ctx context.Context, name string, create bool) (store.Result, error) {
	path := s.folderPath(name)
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return store.BoxBad, fmt.Errorf("stat %s: %w", path, err)
		}
		if !create {
			return store.BoxBad, fmt.Errorf("mailbox %s does not exist", name)
		}
		if err := os.MkdirAll(path, 0700); err != nil {
			return store.BoxBad, fmt.Errorf("mkdir %s: %w", path, err)
		}
	}

	d := maildir.Dir(path)
	if err := d.Init(); err != nil {
		return store.BoxBad, fmt.Errorf("init maildir %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dir = d
	s.folder = name
	if err := s.loadIndexLocked(path); err != nil {
		return store.BoxBad, fmt.Errorf("load uid index: %w", err)
	}
	return store.OK, nil
}

func (s *Store) Delete(ctx context.Context, name string) (store.Result, error) {
	path := s.folderPath(name)
	if err := os.RemoveAll(path); err != nil {
		return store.BoxBad, fmt.Errorf("delete %s: %w", name, err)
	}
	return store.OK, nil
}

func (s *Store) ConfirmEmpty(ctx context.Context, name string) (bool, store.Result, error) {
	path := s.folderPath(name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return true, store.OK, nil
	}
	d := maildir.Dir(path)
	keys, err := d.Keys()
	if err != nil {
		return false, store.BoxBad, fmt.Errorf("keys %s: %w", name, err)
	}
	return len(keys) == 0, store.OK, nil
}

func (s *Store) UIDValidity() uint32 { return s.uidValidity }
func (s *Store) UIDNext() uint32     { return s.uidNext }

func (s *Store) SupportedFlags() boxstate.Flags {
	return boxstate.FlagSeen | boxstate.FlagFlagged | boxstate.FlagDraft |
		boxstate.FlagAnswered | boxstate.FlagDeleted | boxstate.FlagForwarded
}

// uidvalidityPath and uidlistPath name the sidecar index files kept
// next to every maildir folder this driver opens.
func uidvalidityPath(folder string) string { return filepath.Join(folder, ".uidvalidity") }
func uidlistPath(folder string) string     { return filepath.Join(folder, ".uidlist") }

func (s *Store) loadIndexLocked(path string) error {
	s.keyByUID = make(map[uint32]string)
	s.uidByKey = make(map[string]uint32)
	s.uidNext = 1

	validity, err := readUIDValidity(uidvalidityPath(path))
	if err != nil {
		return err
	}
	s.uidValidity = validity

	f, err := os.Open(uidlistPath(path))
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			continue
		}
		uid64, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			continue
		}
		uid := uint32(uid64)
		key := fields[1]
		s.keyByUID[uid] = key
		s.uidByKey[key] = uid
		if uid >= s.uidNext {
			s.uidNext = uid + 1
		}
	}
	return scanner.Err()
}

func readUIDValidity(path string) (uint32, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return newUIDValidity(path)
	} else if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 32)
	if err != nil {
		return newUIDValidity(path)
	}
	return uint32(v), nil
}

func newUIDValidity(path string) (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("generate uidvalidity: %w", err)
	}
	v := binary.BigEndian.Uint32(buf[:])
	if v == 0 {
		v = 1
	}
	if err := os.WriteFile(path, []byte(strconv.FormatUint(uint64(v), 10)), 0600); err != nil {
		return 0, err
	}
	return v, nil
}

// persistIndexLocked rewrites the sidecar uidlist atomically. Caller
// holds s.mu.
func (s *Store) persistIndexLocked() error {
	path := s.folderPath(s.folder)
	tmp := uidlistPath(path) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for uid, key := range s.keyByUID {
		fmt.Fprintf(w, "%d %s\n", uid, key)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, uidlistPath(path))
}

func (s *Store) Load(ctx context.Context, minUID uint32, knownUIDs []uint32) ([]*boxstate.Message, store.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := make(map[uint32]bool, len(knownUIDs))
	for _, u := range knownUIDs {
		known[u] = true
	}

	keys, err := s.dir.Keys()
	if err != nil {
		return nil, store.BoxBad, fmt.Errorf("keys: %w", err)
	}

	dirty := false
	var out []*boxstate.Message
	for _, key := range keys {
		uid, ok := s.uidByKey[key]
		if !ok {
			uid = s.uidNext
			s.uidNext++
			s.uidByKey[key] = uid
			s.keyByUID[uid] = key
			dirty = true
		}
		// A message below minUID is only of interest if it is a
		// known, already-paired record needing a flag refresh;
		// anything else below minUID has already been fully handled.
		isNew := uid >= minUID
		if !isNew && !known[uid] {
			continue
		}

		flags, err := s.dir.Flags(key)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("skipping unreadable message during load")
			continue
		}
		m := &boxstate.Message{
			UID:    uid,
			Flags:  flagsFromMaildir(flags),
			Status: boxstate.MsgFlagsKnown,
		}
		if isNew {
			if fi, err := statKey(s.dir, key); err == nil {
				m.Size = fi
				m.Status |= boxstate.MsgSizeKnown
			}
			m.MsgID, m.TUID = scanHeaders(s.dir, key)
			if m.MsgID != "" || m.TUID != "" {
				m.Status |= boxstate.MsgHeaderKnown
			}
		}
		out = append(out, m)
	}
	if dirty {
		if err := s.persistIndexLocked(); err != nil {
			return nil, store.BoxBad, fmt.Errorf("persist uid index: %w", err)
		}
	}
	return out, store.OK, nil
}

func statKey(d maildir.Dir, key string) (int64, error) {
	name, err := d.Filename(key)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(name)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// scanHeaders reads just enough of the message to recover Message-ID
// and X-TUID without loading the whole body.
func scanHeaders(d maildir.Dir, key string) (msgID, tuid string) {
	name, err := d.Filename(key)
	if err != nil {
		return "", ""
	}
	f, err := os.Open(name)
	if err != nil {
		return "", ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		switch {
		case len(line) > 13 && strings.EqualFold(line[:13], "Message-Id: <"):
			msgID = strings.Trim(line[12:], "<> \r")
		case len(line) > 8 && strings.EqualFold(line[:8], "X-TUID: "):
			tuid = strings.TrimSpace(line[8:])
		}
	}
	return msgID, tuid
}

func (s *Store) Fetch(ctx context.Context, uid uint32) (*store.FullMessage, store.Result, error) {
	s.mu.Lock()
	key, ok := s.keyByUID[uid]
	dir := s.dir
	s.mu.Unlock()
	if !ok {
		return nil, store.MsgBad, fmt.Errorf("uid %d not indexed", uid)
	}

	name, err := dir.Filename(key)
	if err != nil {
		return nil, store.MsgBad, fmt.Errorf("filename for uid %d: %w", uid, err)
	}
	body, err := os.ReadFile(name)
	if err != nil {
		return nil, store.MsgBad, fmt.Errorf("read uid %d: %w", uid, err)
	}
	flags, err := dir.Flags(key)
	if err != nil {
		return nil, store.MsgBad, fmt.Errorf("flags for uid %d: %w", uid, err)
	}
	return &store.FullMessage{
		UID:   uid,
		Flags: flagsFromMaildir(flags),
		Size:  int64(len(body)),
		Body:  body,
	}, store.OK, nil
}

func (s *Store) Store(ctx context.Context, msg *store.FullMessage) (uint32, store.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, w, err := s.dir.Create(flagsToMaildir(msg.Flags))
	if err != nil {
		return 0, store.MsgBad, fmt.Errorf("create: %w", err)
	}
	if _, err := w.Write(msg.Body); err != nil {
		w.Close()
		return 0, store.MsgBad, fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, store.MsgBad, fmt.Errorf("close: %w", err)
	}

	uid := s.uidNext
	s.uidNext++
	s.keyByUID[uid] = key
	s.uidByKey[key] = uid
	if err := s.persistIndexLocked(); err != nil {
		return 0, store.MsgBad, fmt.Errorf("persist uid index: %w", err)
	}
	return uid, store.OK, nil
}

func (s *Store) FindNew(ctx context.Context, minUID uint32) ([]uint32, store.Result, error) {
	msgs, result, err := s.Load(ctx, minUID, nil)
	if err != nil {
		return nil, result, err
	}
	out := make([]uint32, len(msgs))
	for i, m := range msgs {
		out[i] = m.UID
	}
	return out, store.OK, nil
}

func (s *Store) SetFlags(ctx context.Context, uid uint32, add, remove boxstate.Flags) (store.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keyByUID[uid]
	if !ok {
		return store.MsgBad, fmt.Errorf("uid %d not indexed", uid)
	}
	current, err := s.dir.Flags(key)
	if err != nil {
		return store.MsgBad, fmt.Errorf("flags for uid %d: %w", uid, err)
	}
	want := flagsFromMaildir(current)
	want |= add
	want &^= remove
	if err := s.dir.SetFlags(key, flagsToMaildir(want)); err != nil {
		return store.MsgBad, fmt.Errorf("set flags for uid %d: %w", uid, err)
	}
	return store.OK, nil
}

// Trash removes the message immediately: Maildir has no native
// expunge phase, so unlike IMAP there is nothing to defer to Close.
func (s *Store) Trash(ctx context.Context, uid uint32) (store.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keyByUID[uid]
	if !ok {
		return store.MsgBad, fmt.Errorf("uid %d not indexed", uid)
	}
	if err := s.dir.Remove(key); err != nil && !os.IsNotExist(err) {
		return store.MsgBad, fmt.Errorf("remove uid %d: %w", uid, err)
	}
	delete(s.keyByUID, uid)
	delete(s.uidByKey, key)
	if err := s.persistIndexLocked(); err != nil {
		return store.MsgBad, fmt.Errorf("persist uid index: %w", err)
	}
	return store.OK, nil
}

// Close deselects the open folder. It removes nothing: a message
// flagged \Deleted (maildir T) stays in the folder; only Trash removes
// one.
func (s *Store) Close(ctx context.Context) (store.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dir = ""
	s.folder = ""
	return store.OK, nil
}

func (s *Store) Commit(ctx context.Context) (store.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir == "" {
		return store.OK, nil
	}
	if err := s.persistIndexLocked(); err != nil {
		return store.StoreBad, fmt.Errorf("commit uid index: %w", err)
	}
	return store.OK, nil
}

func (s *Store) Cancel() {}

func (s *Store) MemoryUsage() int64 { return 0 }

func (s *Store) FailKind() store.FailKind { return s.lastFail }

func (s *Store) Disconnect() error { return nil }

func flagsFromMaildir(flags []maildir.Flag) boxstate.Flags {
	var f boxstate.Flags
	for _, fl := range flags {
		switch fl {
		case maildir.FlagSeen:
			f |= boxstate.FlagSeen
		case maildir.FlagFlagged:
			f |= boxstate.FlagFlagged
		case maildir.FlagDraft:
			f |= boxstate.FlagDraft
		case maildir.FlagReplied:
			f |= boxstate.FlagAnswered
		case maildir.FlagTrashed:
			f |= boxstate.FlagDeleted
		case maildir.FlagPassed:
			f |= boxstate.FlagForwarded
		}
	}
	return f
}

func flagsToMaildir(f boxstate.Flags) []maildir.Flag {
	var out []maildir.Flag
	if f.Has(boxstate.FlagSeen) {
		out = append(out, maildir.FlagSeen)
	}
	if f.Has(boxstate.FlagFlagged) {
		out = append(out, maildir.FlagFlagged)
	}
	if f.Has(boxstate.FlagDraft) {
		out = append(out, maildir.FlagDraft)
	}
	if f.Has(boxstate.FlagAnswered) {
		out = append(out, maildir.FlagReplied)
	}
	if f.Has(boxstate.FlagDeleted) {
		out = append(out, maildir.FlagTrashed)
	}
	if f.Has(boxstate.FlagForwarded) {
		out = append(out, maildir.FlagPassed)
	}
	return out
}
