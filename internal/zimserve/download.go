package zimserve

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const downloadChunkSize = 64 * 1024

var validZimFilename = regexp.MustCompile(`^[\w.\-]+\.zim$`)

// DownloadRecord is the in-memory state of one transfer. DownloadedBytes is updated via
// atomic so a concurrent List() can read it without blocking the transfer goroutine; every
// other mutable field (Done, Error, Cancelled, completedAt) is written only while holding
// the manager's mutex, the same lock List()/ClearCompleted()/Cancel() take to read them.
type DownloadRecord struct {
	ID              int64
	URL             string
	Filename        string
	Destination     string
	StartedAt       time.Time
	TotalBytes      int64
	DownloadedBytes int64
	Done            bool
	Error           string
	Cancelled       bool
	IsUpdate        bool
	completedAt     time.Time
}

// DownloadManager runs resumable HTTP downloads with atomic replace, matching the
// fetch-then-resume/rename transfer pattern: download to "<dest>.tmp", issue a ranged
// resume request when a partial .tmp already exists, and atomically rename into place on
// success.
type DownloadManager struct {
	archiveDir  string
	trustedHost string
	client      *retryablehttp.Client
	logger      *slog.Logger
	metrics     *Metrics
	onComplete  func(filename string, isUpdate bool)
	history     *HistoryLog

	mu      sync.Mutex
	records map[int64]*DownloadRecord
	nextID  int64
}

func NewDownloadManager(archiveDir, trustedHost string, logger *slog.Logger, metrics *Metrics, history *HistoryLog, onComplete func(string, bool)) *DownloadManager {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil

	return &DownloadManager{
		archiveDir:  archiveDir,
		trustedHost: trustedHost,
		client:      client,
		logger:      logger,
		metrics:     metrics,
		history:     history,
		onComplete:  onComplete,
		records:     make(map[int64]*DownloadRecord),
	}
}

// Start validates rawURL and launches its transfer goroutine, returning the assigned id.
// allowAnyHTTPSHost permits any HTTPS host (used for "import"); when false, only
// trustedHost is accepted (used for catalog "download").
func (m *DownloadManager) Start(rawURL string, allowAnyHTTPSHost bool) (int64, error) {
	filename, err := validateDownloadURL(rawURL, m.trustedHost, allowAnyHTTPSHost)
	if err != nil {
		return 0, err
	}

	dest := filepath.Join(m.archiveDir, filename)
	isUpdate := fileExists(dest) || m.replacesExistingBase(filename)

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	rec := &DownloadRecord{
		ID:          id,
		URL:         rawURL,
		Filename:    filename,
		Destination: dest,
		StartedAt:   time.Now(),
		IsUpdate:    isUpdate,
	}
	m.records[id] = rec
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetDownloadsActive(len(m.records))
	}

	go m.transfer(rec)
	return id, nil
}

func (m *DownloadManager) replacesExistingBase(filename string) bool {
	base := dateStrippedBase(filename)
	entries, err := os.ReadDir(m.archiveDir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if dateStrippedBase(e.Name()) == base {
			return true
		}
	}
	return false
}

func validateDownloadURL(rawURL, trustedHost string, allowAnyHTTPSHost bool) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: invalid URL: %v", ErrClientError, err)
	}

	if !allowAnyHTTPSHost {
		if u.Scheme != "https" || u.Host != trustedHost {
			return "", fmt.Errorf("%w: downloads are only permitted from %s", ErrClientError, trustedHost)
		}
	} else if u.Scheme != "https" {
		return "", fmt.Errorf("%w: imports require https", ErrClientError)
	}

	last := u.Path
	if idx := strings.LastIndex(last, "/"); idx >= 0 {
		last = last[idx+1:]
	}
	last = strings.TrimSuffix(last, ".meta4")

	if !validZimFilename.MatchString(last) || strings.Contains(last, "..") {
		return "", fmt.Errorf("%w: invalid archive filename in URL", ErrClientError)
	}
	return last, nil
}

// transfer runs the download to completion (or cancellation/failure) for rec.
func (m *DownloadManager) transfer(rec *DownloadRecord) {
	tmpPath := rec.Destination + ".tmp"

	var startOffset int64
	if info, err := os.Stat(tmpPath); err == nil {
		startOffset = info.Size()
	}

	downloadURL := strings.TrimSuffix(rec.URL, ".meta4")
	req, err := retryablehttp.NewRequest(http.MethodGet, downloadURL, nil)
	if err != nil {
		m.fail(rec, err, true)
		return
	}
	if startOffset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", startOffset))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.fail(rec, err, false)
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusRequestedRangeNotSatisfiable:
		m.finishFromExistingTmp(rec, tmpPath)
		return
	case http.StatusPartialContent:
		rec.TotalBytes = parseContentRangeTotal(resp.Header.Get("Content-Range"), startOffset)
	case http.StatusOK:
		startOffset = 0
		rec.TotalBytes = resp.ContentLength
	default:
		m.fail(rec, fmt.Errorf("unexpected status %d", resp.StatusCode), true)
		return
	}

	flags := os.O_CREATE | os.O_WRONLY
	if startOffset > 0 && resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(tmpPath, flags, 0o644)
	if err != nil {
		m.fail(rec, err, true)
		return
	}
	defer f.Close()

	atomic.StoreInt64(&rec.DownloadedBytes, startOffset)
	buf := make([]byte, downloadChunkSize)
	for {
		if m.isCancelled(rec) {
			m.mu.Lock()
			rec.Cancelled = true
			m.mu.Unlock()
			m.removeAfterDelay(rec)
			return
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				m.fail(rec, werr, true)
				return
			}
			atomic.AddInt64(&rec.DownloadedBytes, int64(n))
			if m.metrics != nil {
				m.metrics.AddDownloadBytes(int64(n))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			m.fail(rec, readErr, false)
			return
		}
	}
	f.Close()

	if rec.TotalBytes > 0 && atomic.LoadInt64(&rec.DownloadedBytes) != rec.TotalBytes {
		os.Remove(tmpPath)
		m.fail(rec, fmt.Errorf("size mismatch: got %d want %d", rec.DownloadedBytes, rec.TotalBytes), true)
		return
	}

	m.completeDownload(rec, tmpPath)
}

func (m *DownloadManager) finishFromExistingTmp(rec *DownloadRecord, tmpPath string) {
	if info, err := os.Stat(tmpPath); err == nil {
		rec.TotalBytes = info.Size()
		atomic.StoreInt64(&rec.DownloadedBytes, info.Size())
	}
	m.completeDownload(rec, tmpPath)
}

func (m *DownloadManager) completeDownload(rec *DownloadRecord, tmpPath string) {
	if err := os.Rename(tmpPath, rec.Destination); err != nil {
		m.fail(rec, err, true)
		return
	}

	m.removeOlderVersions(rec)

	m.markDone(rec, "")
	if m.onComplete != nil {
		m.onComplete(rec.Filename, rec.IsUpdate)
	}
	if m.history != nil {
		m.history.Append(HistoryEvent{Event: "download", Filename: rec.Filename})
	}
	if m.metrics != nil {
		m.metrics.IncDownloadCompleted("ok")
	}
	m.scheduleRetention(rec)
}

func (m *DownloadManager) removeOlderVersions(rec *DownloadRecord) {
	base := dateStrippedBase(rec.Filename)
	entries, err := os.ReadDir(m.archiveDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.Name() == rec.Filename {
			continue
		}
		if dateStrippedBase(e.Name()) == base {
			os.Remove(filepath.Join(m.archiveDir, e.Name()))
		}
	}
}

// fail marks rec failed. permanent failures (size mismatch, malformed request) delete the
// .tmp; transient failures (network, timeout) leave it for a future resume.
func (m *DownloadManager) fail(rec *DownloadRecord, err error, permanent bool) {
	m.markDone(rec, err.Error())
	if permanent {
		os.Remove(rec.Destination + ".tmp")
	}
	if m.history != nil {
		m.history.Append(HistoryEvent{Event: "download_failed", Filename: rec.Filename, Error: rec.Error})
	}
	if m.metrics != nil {
		m.metrics.IncDownloadCompleted("error")
	}
	m.scheduleRetention(rec)
}

// markDone sets rec's terminal state under the manager's mutex, the same lock List() and
// ClearCompleted() take to read Done/Error/completedAt. errMsg is empty on success.
func (m *DownloadManager) markDone(rec *DownloadRecord, errMsg string) {
	m.mu.Lock()
	rec.Done = true
	rec.Error = errMsg
	rec.completedAt = time.Now()
	m.mu.Unlock()
}

func (m *DownloadManager) isCancelled(rec *DownloadRecord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return rec.Cancelled
}

// Cancel marks id's download cancelled; the transfer goroutine observes the flag after its
// current chunk and leaves the .tmp in place for a future resume.
func (m *DownloadManager) Cancel(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: download id %d", ErrNotFound, id)
	}
	rec.Cancelled = true
	return nil
}

func (m *DownloadManager) removeAfterDelay(rec *DownloadRecord) {
	if m.metrics != nil {
		m.metrics.IncDownloadCompleted("cancelled")
	}
	m.scheduleRetention(rec)
}

// scheduleRetention keeps a completed/failed/cancelled record visible for one hour so the
// UI can display its final state, then lets a future Status/List call garbage-collect it.
// completeDownload/fail already stamp completedAt via markDone; this also covers the
// cancellation path, which has no other terminal-state write.
func (m *DownloadManager) scheduleRetention(rec *DownloadRecord) {
	m.mu.Lock()
	if rec.completedAt.IsZero() {
		rec.completedAt = time.Now()
	}
	n := len(m.records)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SetDownloadsActive(n)
	}
}

// List returns a snapshot of all downloads, lazily garbage-collecting any that finished
// more than an hour ago.
func (m *DownloadManager) List() []DownloadRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]DownloadRecord, 0, len(m.records))
	for id, rec := range m.records {
		if (rec.Done || rec.Cancelled) && !rec.completedAt.IsZero() && time.Since(rec.completedAt) > time.Hour {
			delete(m.records, id)
			continue
		}
		out = append(out, DownloadRecord{
			ID: rec.ID, URL: rec.URL, Filename: rec.Filename, Destination: rec.Destination,
			StartedAt: rec.StartedAt, TotalBytes: rec.TotalBytes,
			DownloadedBytes: atomic.LoadInt64(&rec.DownloadedBytes),
			Done: rec.Done, Error: rec.Error, Cancelled: rec.Cancelled, IsUpdate: rec.IsUpdate,
			completedAt: rec.completedAt,
		})
	}
	return out
}

// ClearCompleted removes every finished download record immediately.
func (m *DownloadManager) ClearCompleted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rec := range m.records {
		if rec.Done {
			delete(m.records, id)
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func parseContentRangeTotal(contentRange string, fallbackOffset int64) int64 {
	// Format: "bytes start-end/total"
	idx := strings.LastIndex(contentRange, "/")
	if idx < 0 {
		return 0
	}
	total, err := strconv.ParseInt(contentRange[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return total
}

