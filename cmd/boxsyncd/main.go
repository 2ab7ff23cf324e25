// Command boxsyncd runs one crash-consistent synchronization pass over
// a set of configured far/near mailbox channels.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/boxsync/boxsync/internal/boxstate"
	"github.com/boxsync/boxsync/internal/boxsync"
	"github.com/boxsync/boxsync/internal/config"
	"github.com/boxsync/boxsync/internal/failstate"
	"github.com/boxsync/boxsync/internal/imapstore"
	"github.com/boxsync/boxsync/internal/logging"
	"github.com/boxsync/boxsync/internal/maildirstore"
	"github.com/boxsync/boxsync/internal/store"
)

const (
	exitOK        = 0
	exitSyncError = 1
	exitStepLimit = 100
	exitCrashed   = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) > 0 && args[0] == "verify" {
		return runVerify(args[1:])
	}

	fs := flag.NewFlagSet("boxsyncd", flag.ContinueOnError)
	configPath := fs.String("config", "boxsync.yaml", "path to the channel/store configuration file")
	channelsFlag := fs.String("channels", "", "comma-separated list of channels to run (default: all)")
	failStatePath := fs.String("fail-state", "", "path to the store failed-state database (default: <config dir>/failstate.db)")
	dryRun := fs.Bool("dry-run", false, "load and decide but touch no journal, state file, or store")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return exitCrashed
	}

	logging.Init(*verbose)
	log := logging.WithComponent("boxsyncd")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("loading configuration")
		return exitCrashed
	}

	if *failStatePath == "" {
		*failStatePath = filepath.Join(filepath.Dir(*configPath), "failstate.db")
	}
	fdb, err := failstate.Open(*failStatePath)
	if err != nil {
		log.Error().Err(err).Msg("opening fail-state database")
		return exitCrashed
	}
	defer fdb.Close()

	names := selectedChannels(cfg, *channelsFlag)
	failedStores := make(map[string]bool)
	anyFailure := false
	now := time.Now()

	for _, name := range names {
		ch, ok := cfg.Channels[name]
		if !ok {
			log.Error().Str("channel", name).Msg("unknown channel")
			anyFailure = true
			continue
		}

		if failedStores[ch.Far] || failedStores[ch.Near] {
			log.Warn().Str("channel", name).Msg("skipping: a store it depends on already failed this run")
			anyFailure = true
			continue
		}
		if until, blocked := backingOff(fdb, ch.Far, now); blocked {
			log.Warn().Str("channel", name).Str("store", ch.Far).Time("retry_after", until).Msg("skipping: far store is backing off")
			anyFailure = true
			continue
		}
		if until, blocked := backingOff(fdb, ch.Near, now); blocked {
			log.Warn().Str("channel", name).Str("store", ch.Near).Time("retry_after", until).Msg("skipping: near store is backing off")
			anyFailure = true
			continue
		}

		if err := runOneChannel(context.Background(), log, cfg, name, ch, *dryRun, fdb, now, failedStores); err != nil {
			log.Error().Err(err).Str("channel", name).Msg("channel failed")
			anyFailure = true
		}
	}

	if anyFailure {
		return exitSyncError
	}
	return exitOK
}

// backingOff reports whether storeName has a recorded failure whose
// retry_after has not yet elapsed.
func backingOff(fdb *failstate.DB, storeName string, now time.Time) (time.Time, bool) {
	entry, err := fdb.Get(storeName)
	if err != nil || entry.Kind == store.FailNone {
		return time.Time{}, false
	}
	return entry.RetryAfter, now.Before(entry.RetryAfter)
}

func selectedChannels(cfg *config.Config, flagValue string) []string {
	var names []string
	if flagValue == "" {
		for name := range cfg.Channels {
			names = append(names, name)
		}
	} else {
		for _, name := range strings.Split(flagValue, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// runOneChannel builds the far/near drivers for ch, runs the engine,
// and records any store-level failure into fdb so subsequent channels
// sharing that store are skipped for the rest of this invocation.
func runOneChannel(ctx context.Context, log zerolog.Logger, cfg *config.Config, name string, ch config.Channel, dryRun bool, fdb *failstate.DB, now time.Time, failedStores map[string]bool) error {
	far, err := buildIMAPStore(cfg, ch.Far)
	if err != nil {
		return fmt.Errorf("building far store %q: %w", ch.Far, err)
	}
	near, err := buildMaildirStore(cfg, ch.Near)
	if err != nil {
		return fmt.Errorf("building near store %q: %w", ch.Near, err)
	}

	ops, err := parseSyncOps(ch.Sync)
	if err != nil {
		return fmt.Errorf("channel %s: %w", name, err)
	}
	expireUnread, err := parseExpireUnread(ch.ExpireUnread)
	if err != nil {
		return fmt.Errorf("channel %s: %w", name, err)
	}
	expireSide, err := parseExpireSide(ch.ExpireSide)
	if err != nil {
		return fmt.Errorf("channel %s: %w", name, err)
	}

	engine := boxsync.New(boxsync.Channel{
		Name:         name,
		Far:          far,
		Near:         near,
		FarBox:       ch.FarBox,
		NearBox:      ch.NearBox,
		StateDir:     ch.StateDir,
		Ops:          ops,
		MaxMessages:  ch.MaxMessages,
		MaxSize:      ch.MaxSize,
		ExpireUnread: expireUnread,
		ExpireSide:   expireSide,
		CreateBox:    ch.CreateBox,
		RemoveBox:    ch.RemoveBox,
		DryRun:       dryRun,
	})

	stats, runErr := engine.Run(ctx)
	log.Info().
		Str("channel", name).
		Int("propagated_far", stats.Propagated[boxstate.Far]).
		Int("propagated_near", stats.Propagated[boxstate.Near]).
		Int("flags_changed", stats.FlagsChanged).
		Int("expired", stats.Expired).
		Int("placeholders", stats.Placeholders).
		Msg("run complete")

	recordStoreOutcome(fdb, ch.Far, far.FailKind(), now, failedStores)
	recordStoreOutcome(fdb, ch.Near, near.FailKind(), now, failedStores)

	return runErr
}

func recordStoreOutcome(fdb *failstate.DB, storeName string, kind store.FailKind, now time.Time, failedStores map[string]bool) {
	if kind == store.FailNone {
		_ = fdb.Clear(storeName)
		return
	}
	entry, _ := fdb.Get(storeName)
	streak := entry.Streak + 1
	_ = fdb.RecordFailure(storeName, kind, now, failstate.Backoff(kind, streak))
	failedStores[storeName] = true
}

func buildIMAPStore(cfg *config.Config, storeName string) (*imapstore.Store, error) {
	s, ok := cfg.IMAPStores[storeName]
	if !ok {
		return nil, fmt.Errorf("unknown imap store %q", storeName)
	}
	sc := imapstore.DefaultConfig()
	sc.Host = s.Host
	sc.Port = s.Port
	sc.Username = s.Username
	sc.Password = s.Password
	if s.ConnectTimeout > 0 {
		sc.ConnectTimeout = s.ConnectTimeout
	}
	if s.ReadTimeout > 0 {
		sc.ReadTimeout = s.ReadTimeout
	}
	if s.WriteTimeout > 0 {
		sc.WriteTimeout = s.WriteTimeout
	}
	switch strings.ToLower(s.Security) {
	case "", "tls":
		sc.Security = imapstore.SecurityTLS
	case "starttls":
		sc.Security = imapstore.SecurityStartTLS
	case "none":
		sc.Security = imapstore.SecurityNone
	default:
		return nil, fmt.Errorf("imap store %q: unknown security mode %q", storeName, s.Security)
	}
	return imapstore.New(sc), nil
}

func buildMaildirStore(cfg *config.Config, storeName string) (*maildirstore.Store, error) {
	s, ok := cfg.MaildirStores[storeName]
	if !ok {
		return nil, fmt.Errorf("unknown maildir store %q", storeName)
	}
	return maildirstore.New(s.Path), nil
}

func parseSyncOps(names []string) (boxsync.SyncOp, error) {
	if len(names) == 0 {
		return boxsync.SyncAll, nil
	}
	var ops boxsync.SyncOp
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "pull":
			ops |= boxsync.SyncPull
		case "push":
			ops |= boxsync.SyncPush
		case "delete":
			ops |= boxsync.SyncDelete
		case "flags":
			ops |= boxsync.SyncFlags
		default:
			return 0, fmt.Errorf("unknown sync operation %q", n)
		}
	}
	return ops, nil
}

func parseExpireUnread(s string) (boxsync.ExpireUnread, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return boxsync.ExpireUnreadRefuse, nil
	case "far":
		return boxsync.ExpireUnreadFar, nil
	case "near":
		return boxsync.ExpireUnreadNear, nil
	case "both":
		return boxsync.ExpireUnreadBoth, nil
	default:
		return 0, fmt.Errorf("unknown expire_unread value %q", s)
	}
}

func parseExpireSide(s string) (boxstate.Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "near":
		return boxstate.Near, nil
	case "far":
		return boxstate.Far, nil
	default:
		return 0, fmt.Errorf("unknown expire_side value %q", s)
	}
}

// runVerify implements the standalone replay-equivalence check: load a
// state file, replay a journal against it, and report whether replay
// completed without a header mismatch or an unrecoverable opcode.
func runVerify(args []string) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	statePath := fs.String("state", "", "path to the state file")
	journalPath := fs.String("journal", "", "path to the journal file")
	if err := fs.Parse(args); err != nil {
		return exitCrashed
	}
	if *statePath == "" || *journalPath == "" {
		fmt.Fprintln(os.Stderr, "verify: both -state and -journal are required")
		return exitCrashed
	}

	st, err := boxstate.LoadStateFile(*statePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify: loading state file: %v\n", err)
		return exitCrashed
	}
	before := len(st.Records())

	if err := boxstate.ReplayJournal(*journalPath, st); err != nil {
		fmt.Fprintf(os.Stderr, "verify: replaying journal: %v\n", err)
		return exitSyncError
	}

	fmt.Printf("replay OK: %d record(s) before, %d after\n", before, len(st.Records()))
	return exitOK
}
