package zimserve

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const historyMaxEvents = 500

// HistoryEvent is one persisted ring-buffer entry: event, timestamp, filename, plus
// event-specific fields (only Error is populated, for download_failed).
type HistoryEvent struct {
	Event    string    `json:"event"`
	TS       time.Time `json:"ts"`
	Filename string    `json:"filename,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// HistoryLog is a persisted, mutex-protected, newest-first ring buffer of HistoryEvents,
// capped at historyMaxEvents.
type HistoryLog struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	events []HistoryEvent
}

func NewHistoryLog(dataDir string, logger *slog.Logger) *HistoryLog {
	return &HistoryLog{
		path:   filepath.Join(dataDir, "history.json"),
		logger: logger,
	}
}

// Load reads the persisted event log, tolerating absence or corruption by starting empty.
func (h *HistoryLog) Load() {
	data, err := os.ReadFile(h.path)
	if err != nil {
		return
	}
	var events []HistoryEvent
	if err := json.Unmarshal(data, &events); err != nil {
		h.logger.Warn("history log corrupt, starting fresh", "error", err)
		return
	}
	h.mu.Lock()
	h.events = events
	h.mu.Unlock()
}

// Append prepends event to the log (newest first), trims to historyMaxEvents, and
// persists atomically.
func (h *HistoryLog) Append(event HistoryEvent) {
	event.TS = time.Now()

	h.mu.Lock()
	h.events = append([]HistoryEvent{event}, h.events...)
	if len(h.events) > historyMaxEvents {
		h.events = h.events[:historyMaxEvents]
	}
	snapshot := append([]HistoryEvent(nil), h.events...)
	h.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := writeFileAtomic(h.path, data); err != nil {
		h.logger.Warn("failed to persist history log", "error", err)
	}
}

// All returns a snapshot of the event log, newest first.
func (h *HistoryLog) All() []HistoryEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HistoryEvent(nil), h.events...)
}
