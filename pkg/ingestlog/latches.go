package ingestlog

import "sync/atomic"

// latches holds the sticky halt flags the Flusher sets on a fatal outcome.
// Enqueue keeps accepting records while a latch is set (so an operator has
// something to recover); only the Flusher's send path consults them.
type latches struct {
	apiKeyInvalid   atomic.Bool
	projectNotFound atomic.Bool
}

func (l *latches) any() bool {
	return l.apiKeyInvalid.Load() || l.projectNotFound.Load()
}

func (l *latches) setAPIKeyInvalid()   { l.apiKeyInvalid.Store(true) }
func (l *latches) setProjectNotFound() { l.projectNotFound.Store(true) }

func (l *latches) clear() {
	l.apiKeyInvalid.Store(false)
	l.projectNotFound.Store(false)
}

// issues lists the active latches in a stable order, for Health().
func (l *latches) issues() []string {
	var out []string
	if l.apiKeyInvalid.Load() {
		out = append(out, "api_key_invalid")
	}
	if l.projectNotFound.Load() {
		out = append(out, "project_not_found")
	}
	return out
}
