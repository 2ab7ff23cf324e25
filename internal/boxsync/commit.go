package boxsync

import (
	"fmt"

	"github.com/boxsync/boxsync/internal/boxstate"
)

// commit durably persists the run's outcome: the journal is fsynced
// one last time, the new state file replaces the old one atomically,
// and the now-redundant journal is removed. setup's deferred
// releaseLock still runs after this to drop the lock file.
func (e *Engine) commit() error {
	if e.ch.DryRun {
		return nil
	}

	if err := e.syncJournal(); err != nil {
		return fmt.Errorf("final journal sync: %w", err)
	}
	if err := e.st.Save(e.statePath); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if e.jrn != nil {
		if err := e.jrn.Close(); err != nil {
			return fmt.Errorf("close journal: %w", err)
		}
		e.jrn = nil
	}
	if err := boxstate.RemoveJournal(e.journalPath); err != nil {
		return fmt.Errorf("remove journal: %w", err)
	}
	return nil
}
