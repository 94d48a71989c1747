// Package lastactive remembers the most recent destination a person
// engaged from, so scheduled work can follow them across channels.
package lastactive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roostlabs/roostd/internal/channel"
	"github.com/roostlabs/roostd/internal/common/logger"
)

// Record is the persisted last-active state.
type Record struct {
	Destination channel.Destination `json:"destination"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// Tracker holds a single last-active record. Only genuine user input
// updates it; daemon-initiated traffic never does.
type Tracker struct {
	mu     sync.RWMutex
	rec    *Record
	path   string
	logger *logger.Logger
}

// NewTracker creates a Tracker persisting to path.
func NewTracker(path string, log *logger.Logger) *Tracker {
	return &Tracker{
		path:   path,
		logger: log.WithFields(zap.String("component", "last_active")),
	}
}

// Start loads the persisted record if one exists. Malformed state is
// logged and discarded.
func (t *Tracker) Start(context.Context) error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read last-active file: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.logger.Warn("last-active file is malformed, starting empty",
			zap.String("path", t.path), zap.Error(err))
		return nil
	}
	t.mu.Lock()
	t.rec = &rec
	t.mu.Unlock()
	return nil
}

// Stop persists the record. A tracker that never saw activity writes
// nothing.
func (t *Tracker) Stop(context.Context) error {
	t.mu.RLock()
	rec := t.rec
	t.mu.RUnlock()
	if rec == nil {
		return nil
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal last-active: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("create last-active dir: %w", err)
	}
	tmp := fmt.Sprintf("%s.tmp.%d", t.path, time.Now().UnixMilli())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write last-active temp file: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace last-active file: %w", err)
	}
	return nil
}

// Update records dest as the latest point of user activity.
func (t *Tracker) Update(dest channel.Destination) {
	t.mu.Lock()
	t.rec = &Record{Destination: dest, UpdatedAt: time.Now().UTC()}
	t.mu.Unlock()
}

// Get returns the current record, or false when no activity was ever
// recorded.
func (t *Tracker) Get() (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rec == nil {
		return Record{}, false
	}
	return *t.rec, true
}
