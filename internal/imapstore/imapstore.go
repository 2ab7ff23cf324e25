// Package imapstore is the far-side store.Driver backed by IMAP, built
// on github.com/emersion/go-imap/v2 and its imapclient package.
package imapstore

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"

	"github.com/boxsync/boxsync/internal/boxstate"
	"github.com/boxsync/boxsync/internal/logging"
	"github.com/boxsync/boxsync/internal/store"
)

// Security is the transport security an account connects with.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

// Config holds everything needed to reach and authenticate to one
// IMAP account.
type Config struct {
	Host     string
	Port     int
	Security Security
	Username string
	Password string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	TLSConfig *tls.Config
}

// DefaultConfig returns a Config with the timeouts boxsync runs with in
// the absence of channel overrides.
func DefaultConfig() Config {
	return Config{
		Port:           993,
		Security:       SecurityTLS,
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    3 * time.Minute,
		WriteTimeout:   30 * time.Second,
	}
}

// deadlineConn enforces read/write deadlines on every call so a dead
// peer can't wedge a run forever.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// Store is the IMAP-backed store.Driver.
type Store struct {
	cfg    Config
	client *imapclient.Client
	caps   imap.CapSet
	log    zerolog.Logger

	mbox        string
	uidValidity uint32
	uidNext     uint32

	lastFail store.FailKind
}

// New returns a Store that is not yet connected.
func New(cfg Config) *Store {
	return &Store{cfg: cfg, log: logging.WithComponent("imapstore")}
}

func (s *Store) Capabilities() store.Caps {
	return store.Caps{
		CanTrashByCopy:     false,
		KeepsMessageID:     true,
		SupportsUIDExpunge: s.caps.Has(imap.CapUIDPlus),
	}
}

func (s *Store) Connect(ctx context.Context) (store.Result, error) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.log.Debug().Str("host", s.cfg.Host).Int("port", s.cfg.Port).Msg("connecting")

	dialer := &net.Dialer{Timeout: s.cfg.ConnectTimeout}
	options := &imapclient.Options{}

	var client *imapclient.Client
	switch s.cfg.Security {
	case SecurityTLS:
		tlsConfig := s.cfg.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: s.cfg.Host}
		}
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
		if err != nil {
			s.lastFail = store.FailTemp
			return store.StoreBad, fmt.Errorf("dial tls: %w", err)
		}
		wrapped := &deadlineConn{Conn: conn, readTimeout: s.cfg.ReadTimeout, writeTimeout: s.cfg.WriteTimeout}
		client = imapclient.New(wrapped, options)
	case SecurityStartTLS:
		if s.cfg.TLSConfig != nil {
			options.TLSConfig = s.cfg.TLSConfig
		}
		var err error
		client, err = imapclient.DialStartTLS(addr, options)
		if err != nil {
			s.lastFail = store.FailTemp
			return store.StoreBad, fmt.Errorf("dial starttls: %w", err)
		}
	default:
		conn, err := dialer.Dial("tcp", addr)
		if err != nil {
			s.lastFail = store.FailTemp
			return store.StoreBad, fmt.Errorf("dial: %w", err)
		}
		wrapped := &deadlineConn{Conn: conn, readTimeout: s.cfg.ReadTimeout, writeTimeout: s.cfg.WriteTimeout}
		client = imapclient.New(wrapped, options)
	}

	if err := client.WaitGreeting(); err != nil {
		client.Close()
		s.lastFail = store.FailTemp
		return store.StoreBad, fmt.Errorf("greeting: %w", err)
	}

	s.client = client
	s.caps = client.Caps()

	if s.caps.Has(imap.CapLoginDisabled) {
		saslClient := sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
		if err := client.Authenticate(saslClient); err != nil {
			s.lastFail = store.FailFinal
			return store.StoreBad, fmt.Errorf("authenticate: %w", err)
		}
	} else if err := client.Login(s.cfg.Username, s.cfg.Password).Wait(); err != nil {
		s.lastFail = store.FailFinal
		return store.StoreBad, fmt.Errorf("login: %w", err)
	}

	s.caps = client.Caps()
	s.lastFail = store.FailNone
	return store.OK, nil
}

func (s *Store) ListMailboxes(ctx context.Context) ([]string, store.Result, error) {
	cmd := s.client.List("", "*", nil)
	var names []string
	for {
		mbox := cmd.Next()
		if mbox == nil {
			break
		}
		names = append(names, mbox.Mailbox)
	}
	if err := cmd.Close(); err != nil {
		return nil, store.StoreBad, fmt.Errorf("list: %w", err)
	}
	return names, store.OK, nil
}

func (s *Store) Open(ctx context.Context, name string, create bool) (store.Result, error) {
	data, err := s.client.Select(name, nil).Wait()
	if err != nil {
		if !create {
			return store.BoxBad, fmt.Errorf("select %s: %w", name, err)
		}
		if err := s.client.Create(name, nil).Wait(); err != nil {
			return store.BoxBad, fmt.Errorf("create %s: %w", name, err)
		}
		data, err = s.client.Select(name, nil).Wait()
		if err != nil {
			return store.BoxBad, fmt.Errorf("select %s after create: %w", name, err)
		}
	}
	s.mbox = name
	s.uidValidity = data.UIDValidity
	s.uidNext = uint32(data.UIDNext)
	return store.OK, nil
}

func (s *Store) Delete(ctx context.Context, name string) (store.Result, error) {
	if err := s.client.Delete(name).Wait(); err != nil {
		return store.BoxBad, fmt.Errorf("delete %s: %w", name, err)
	}
	return store.OK, nil
}

func (s *Store) ConfirmEmpty(ctx context.Context, name string) (bool, store.Result, error) {
	data, err := s.client.Status(name, &imap.StatusOptions{NumMessages: true}).Wait()
	if err != nil {
		return false, store.BoxBad, fmt.Errorf("status %s: %w", name, err)
	}
	if data.NumMessages == nil {
		return false, store.BoxBad, fmt.Errorf("status %s: no message count returned", name)
	}
	return *data.NumMessages == 0, store.OK, nil
}

func (s *Store) UIDValidity() uint32 { return s.uidValidity }
func (s *Store) UIDNext() uint32     { return s.uidNext }

func (s *Store) SupportedFlags() boxstate.Flags {
	// IMAP's base flag set; PERMANENTFLAGS could narrow this further
	// but every mainstream server accepts all six.
	return boxstate.FlagSeen | boxstate.FlagFlagged | boxstate.FlagDraft |
		boxstate.FlagAnswered | boxstate.FlagDeleted | boxstate.FlagForwarded
}

func (s *Store) Load(ctx context.Context, minUID uint32, knownUIDs []uint32) ([]*boxstate.Message, store.Result, error) {
	out := make(map[uint32]*boxstate.Message)

	newSet := imap.UIDSet{}
	newSet.AddRange(imap.UID(minUID), 0)
	if err := s.fetchInto(out, newSet, true); err != nil {
		return nil, store.BoxBad, err
	}

	// knownUIDs are already-paired messages whose UID has fallen below
	// minUID; a plain flags-only fetch keeps their flag changes
	// visible every run without paying for envelope/header parsing
	// the pairing no longer needs.
	if len(knownUIDs) > 0 {
		oldSet := imap.UIDSet{}
		for _, u := range knownUIDs {
			oldSet.AddNum(imap.UID(u))
		}
		if err := s.fetchInto(out, oldSet, false); err != nil {
			return nil, store.BoxBad, err
		}
	}

	result := make([]*boxstate.Message, 0, len(out))
	for _, m := range out {
		result = append(result, m)
	}
	return result, store.OK, nil
}

// fetchInto runs one FETCH over uids and merges the parsed messages
// into out, keyed by UID. full requests envelope and header body for
// new-message candidates; a flags-only fetch is used for a knownUIDs
// refresh, which doesn't need that expense.
func (s *Store) fetchInto(out map[uint32]*boxstate.Message, uids imap.UIDSet, full bool) error {
	opts := &imap.FetchOptions{UID: true, Flags: true}
	if full {
		opts.RFC822Size = true
		opts.Envelope = true
		opts.BodySection = []*imap.FetchItemBodySection{
			{Specifier: imap.PartSpecifierHeader, Peek: true},
		}
	}

	cmd := s.client.Fetch(uids, opts)
	for {
		item := cmd.Next()
		if item == nil {
			break
		}
		buf, err := item.Collect()
		if err != nil {
			s.log.Warn().Err(err).Msg("skipping unparsable message during load")
			continue
		}
		m := parseFetchMessage(buf)
		if existing, ok := out[m.UID]; ok && existing.Has(boxstate.MsgHeaderKnown) {
			// Already have the full record for this UID (it matched
			// both the new range and a knownUIDs entry); don't let a
			// later flags-only pass overwrite it.
			existing.Flags = m.Flags
			continue
		}
		out[m.UID] = m
	}
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	return nil
}

func parseFetchMessage(msg *imapclient.FetchMessageBuffer) *boxstate.Message {
	m := &boxstate.Message{UID: uint32(msg.UID)}
	m.Flags = flagsFromIMAP(msg.Flags)
	m.Status = boxstate.MsgFlagsKnown

	if msg.Envelope != nil {
		m.MsgID = strings.Trim(msg.Envelope.MessageID, "<>")
		m.Size = int64(msg.RFC822Size)
		m.Status |= boxstate.MsgSizeKnown
	}
	for _, section := range msg.BodySection {
		m.TUID = extractTUID(section.Bytes)
		m.Status |= boxstate.MsgHeaderKnown
		if m.TUID != "" {
			break
		}
	}
	return m
}

func extractTUID(header []byte) string {
	for _, line := range strings.Split(string(header), "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) > 8 && strings.EqualFold(line[:8], "X-TUID: ") {
			return strings.TrimSpace(line[8:])
		}
	}
	return ""
}

func flagsFromIMAP(flags []imap.Flag) boxstate.Flags {
	var f boxstate.Flags
	for _, fl := range flags {
		switch fl {
		case imap.FlagSeen:
			f |= boxstate.FlagSeen
		case imap.FlagFlagged:
			f |= boxstate.FlagFlagged
		case imap.FlagDraft:
			f |= boxstate.FlagDraft
		case imap.FlagAnswered:
			f |= boxstate.FlagAnswered
		case imap.FlagDeleted:
			f |= boxstate.FlagDeleted
		case "$Forwarded":
			f |= boxstate.FlagForwarded
		}
	}
	return f
}

func flagsToIMAP(f boxstate.Flags) []imap.Flag {
	var out []imap.Flag
	if f.Has(boxstate.FlagSeen) {
		out = append(out, imap.FlagSeen)
	}
	if f.Has(boxstate.FlagFlagged) {
		out = append(out, imap.FlagFlagged)
	}
	if f.Has(boxstate.FlagDraft) {
		out = append(out, imap.FlagDraft)
	}
	if f.Has(boxstate.FlagAnswered) {
		out = append(out, imap.FlagAnswered)
	}
	if f.Has(boxstate.FlagDeleted) {
		out = append(out, imap.FlagDeleted)
	}
	if f.Has(boxstate.FlagForwarded) {
		out = append(out, "$Forwarded")
	}
	return out
}

func (s *Store) Fetch(ctx context.Context, uid uint32) (*store.FullMessage, store.Result, error) {
	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))

	opts := &imap.FetchOptions{
		UID:   true,
		Flags: true,
		BodySection: []*imap.FetchItemBodySection{
			{Specifier: imap.PartSpecifierNone, Peek: true},
		},
	}
	cmd := s.client.Fetch(uidSet, opts)
	defer cmd.Close()

	item := cmd.Next()
	if item == nil {
		return nil, store.MsgBad, fmt.Errorf("uid %d not found", uid)
	}
	msg, err := item.Collect()
	if err != nil {
		return nil, store.MsgBad, fmt.Errorf("collect uid %d: %w", uid, err)
	}
	var body []byte
	for _, section := range msg.BodySection {
		b, err := io.ReadAll(bytes.NewReader(section.Bytes))
		if err != nil {
			return nil, store.MsgBad, fmt.Errorf("read body: %w", err)
		}
		body = b
	}
	return &store.FullMessage{
		UID:   uint32(msg.UID),
		Flags: flagsFromIMAP(msg.Flags),
		Size:  int64(len(body)),
		Body:  body,
	}, store.OK, nil
}

func (s *Store) Store(ctx context.Context, msg *store.FullMessage) (uint32, store.Result, error) {
	opts := &imap.AppendOptions{Flags: flagsToIMAP(msg.Flags)}
	cmd := s.client.Append(s.mbox, int64(len(msg.Body)), opts)
	if _, err := cmd.Write(msg.Body); err != nil {
		cmd.Close()
		return 0, store.MsgBad, fmt.Errorf("append write: %w", err)
	}
	if err := cmd.Close(); err != nil {
		return 0, store.MsgBad, fmt.Errorf("append close: %w", err)
	}
	data, err := cmd.Wait()
	if err != nil {
		return 0, store.MsgBad, fmt.Errorf("append: %w", err)
	}
	if data != nil && data.UID != 0 {
		return uint32(data.UID), store.OK, nil
	}
	return 0, store.OK, nil
}

func (s *Store) FindNew(ctx context.Context, minUID uint32) ([]uint32, store.Result, error) {
	uidSet := imap.UIDSet{}
	uidSet.AddRange(imap.UID(minUID), 0)
	data, err := s.client.UIDSearch(&imap.SearchCriteria{
		UID: []imap.UIDSet{uidSet},
	}, nil).Wait()
	if err != nil {
		return nil, store.BoxBad, fmt.Errorf("uid search: %w", err)
	}
	out := make([]uint32, len(data.AllUIDs()))
	for i, u := range data.AllUIDs() {
		out[i] = uint32(u)
	}
	return out, store.OK, nil
}

func (s *Store) SetFlags(ctx context.Context, uid uint32, add, remove boxstate.Flags) (store.Result, error) {
	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))

	if add != 0 {
		op := imap.StoreFlagsAdd
		if err := s.client.Store(uidSet, &imap.StoreFlags{Op: op, Flags: flagsToIMAP(add)}, nil).Wait(); err != nil {
			return store.MsgBad, fmt.Errorf("store +flags: %w", err)
		}
	}
	if remove != 0 {
		op := imap.StoreFlagsDel
		if err := s.client.Store(uidSet, &imap.StoreFlags{Op: op, Flags: flagsToIMAP(remove)}, nil).Wait(); err != nil {
			return store.MsgBad, fmt.Errorf("store -flags: %w", err)
		}
	}
	return store.OK, nil
}

func (s *Store) Trash(ctx context.Context, uid uint32) (store.Result, error) {
	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))
	if err := s.client.Store(uidSet, &imap.StoreFlags{
		Op:    imap.StoreFlagsAdd,
		Flags: []imap.Flag{imap.FlagDeleted},
	}, nil).Wait(); err != nil {
		return store.MsgBad, fmt.Errorf("mark deleted: %w", err)
	}
	return store.OK, nil
}

func (s *Store) Close(ctx context.Context) (store.Result, error) {
	if s.caps.Has(imap.CapUIDPlus) {
		// Nothing pending is tracked here: the engine calls Trash per
		// UID and the server honors \Deleted at expunge time.
	}
	if err := s.client.Expunge().Wait(); err != nil {
		return store.BoxBad, fmt.Errorf("expunge: %w", err)
	}
	s.mbox = ""
	return store.OK, nil
}

func (s *Store) Commit(ctx context.Context) (store.Result, error) {
	if err := s.client.Noop().Wait(); err != nil {
		return store.StoreBad, fmt.Errorf("noop: %w", err)
	}
	return store.OK, nil
}

func (s *Store) Cancel() {
	if s.client != nil {
		s.client.Close()
	}
}

func (s *Store) MemoryUsage() int64 { return 0 }

func (s *Store) FailKind() store.FailKind { return s.lastFail }

func (s *Store) Disconnect() error {
	if s.client == nil {
		return nil
	}
	_ = s.client.Logout().Wait()
	return s.client.Close()
}
