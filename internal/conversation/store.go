package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/roostlabs/roostd/internal/channel"
	"github.com/roostlabs/roostd/internal/common/logger"
)

// bindingRecord is the on-disk shape of one binding. AgentID is a pointer
// so unbound rows serialize as null rather than "".
type bindingRecord struct {
	Destination    channel.Destination `json:"destination"`
	AgentID        *string             `json:"agentId"`
	CreatedAt      time.Time           `json:"createdAt"`
	LastActivityAt time.Time           `json:"lastActivityAt"`
}

// Store persists bindings as a JSON array with atomic replacement: the
// file is written to a timestamped sibling and renamed over the target,
// so readers never observe a partial write.
type Store struct {
	path   string
	logger *logger.Logger
}

// NewStore creates a Store writing to path. Parent directories are
// created on first save.
func NewStore(path string, log *logger.Logger) *Store {
	return &Store{
		path:   path,
		logger: log.WithFields(zap.String("component", "conversation_store")),
	}
}

// Load reads the persisted binding set. A missing file yields an empty
// set; a malformed file is logged and treated as empty rather than
// blocking daemon boot.
func (s *Store) Load(_ context.Context) ([]Binding, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read conversations file: %w", err)
	}

	var records []bindingRecord
	if err := json.Unmarshal(data, &records); err != nil {
		s.logger.Warn("conversations file is malformed, starting empty",
			zap.String("path", s.path), zap.Error(err))
		return nil, nil
	}

	bindings := make([]Binding, 0, len(records))
	for _, rec := range records {
		b := Binding{
			Destination:    rec.Destination,
			CreatedAt:      rec.CreatedAt,
			LastActivityAt: rec.LastActivityAt,
		}
		if rec.AgentID != nil {
			b.AgentID = *rec.AgentID
		}
		bindings = append(bindings, b)
	}
	return bindings, nil
}

// Save atomically replaces the persisted binding set.
func (s *Store) Save(_ context.Context, bindings []Binding) error {
	records := make([]bindingRecord, 0, len(bindings))
	for _, b := range bindings {
		rec := bindingRecord{
			Destination:    b.Destination,
			CreatedAt:      b.CreatedAt.UTC(),
			LastActivityAt: b.LastActivityAt.UTC(),
		}
		if b.AgentID != "" {
			agentID := b.AgentID
			rec.AgentID = &agentID
		}
		records = append(records, rec)
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversations: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create conversations dir: %w", err)
	}

	tmp := fmt.Sprintf("%s.tmp.%d", s.path, time.Now().UnixMilli())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write conversations temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace conversations file: %w", err)
	}
	return nil
}
