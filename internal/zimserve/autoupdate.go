package zimserve

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const autoUpdateTick = 60 * time.Second

// AutoUpdateLoop periodically checks the catalog for updates to installed archives and
// enqueues downloads for any that are not already in flight. It respects an env-var lock
// captured once at construction: if ZIMI_AUTO_UPDATE was set at startup, later runtime
// toggling through the management API is rejected, since the lock exists precisely to let
// an operator pin the setting regardless of what the UI later tries to do.
type AutoUpdateLoop struct {
	locked bool

	mu        sync.Mutex
	enabled   bool
	frequency string

	catalog    *CatalogBuilder
	registry   *ArchiveRegistry
	downloads  *DownloadManager
	logger     *slog.Logger

	isDownloading func(filename string) bool
}

func NewAutoUpdateLoop(envLocked bool, enabled bool, frequency string, catalog *CatalogBuilder, registry *ArchiveRegistry, downloads *DownloadManager, isDownloading func(string) bool, logger *slog.Logger) *AutoUpdateLoop {
	return &AutoUpdateLoop{
		locked:        envLocked,
		enabled:       enabled,
		frequency:     frequency,
		catalog:       catalog,
		registry:      registry,
		downloads:     downloads,
		isDownloading: isDownloading,
		logger:        logger,
	}
}

// SetEnabled updates the runtime enabled flag, unless the env-var lock was set at
// construction.
func (l *AutoUpdateLoop) SetEnabled(enabled bool) error {
	if l.locked {
		return fmt.Errorf("%w: auto-update is locked by ZIMI_AUTO_UPDATE", ErrClientError)
	}
	l.mu.Lock()
	l.enabled = enabled
	l.mu.Unlock()
	return nil
}

// SetFrequency updates the check frequency, unless locked.
func (l *AutoUpdateLoop) SetFrequency(freq string) error {
	if l.locked {
		return fmt.Errorf("%w: auto-update is locked by ZIMI_AUTO_UPDATE", ErrClientError)
	}
	if err := validateUpdateFreq(freq); err != nil {
		return fmt.Errorf("%w: %v", ErrClientError, err)
	}
	l.mu.Lock()
	l.frequency = freq
	l.mu.Unlock()
	return nil
}

// Status reports the current enabled flag, frequency, and whether they are locked.
func (l *AutoUpdateLoop) Status() (enabled bool, frequency string, locked bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled, l.frequency, l.locked
}

// Start runs the check loop until ctx is cancelled. It sleeps in 60-second chunks so a
// runtime disable takes effect promptly rather than after a full day/week/month interval.
func (l *AutoUpdateLoop) Start(ctx context.Context) {
	ticker := time.NewTicker(autoUpdateTick)
	defer ticker.Stop()

	var lastCheck time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			enabled, freq := l.enabled, l.frequency
			l.mu.Unlock()

			if !enabled {
				continue
			}
			if time.Since(lastCheck) < updateFreqInterval(freq) {
				continue
			}
			lastCheck = time.Now()
			l.runCheck()
		}
	}
}

func (l *AutoUpdateLoop) runCheck() {
	installed := l.registry.All()
	bases := make(map[string]bool, len(installed))
	for _, a := range installed {
		bases[dateStrippedBase(a.FileName)] = true
	}

	if err := l.catalog.Refresh(bases); err != nil {
		l.logger.Warn("auto-update catalog refresh failed", "error", err)
		return
	}

	candidates := CheckUpdates(installed, l.catalog.Snapshot())
	for _, c := range candidates {
		if l.isDownloading(c.Name) {
			continue
		}
		if _, err := l.downloads.Start(c.DownloadURL, false); err != nil {
			l.logger.Warn("auto-update download failed to start", "archive", c.Name, "error", err)
		}
	}
}
