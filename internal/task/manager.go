package task

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"sget/internal/client"
	fileutil "sget/internal/file"
	"sget/internal/notify"
	"sget/internal/throttle"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	defaultMaxDownloads  = 5
	defaultBufferSize    = 1024
	defaultCacheSize     = 1024 * 1024
	defaultBuffersPerMsg = 64
	defaultTempSuffix    = ".tmp"
	defaultDownloadDir   = "downloads"
)

// Options configures a Manager.
type Options struct {
	DownloadDir string
	TempSuffix  string
	// MaxDownloads is the number of concurrently active downloads.
	MaxDownloads int
	// SpeedLimit is the aggregate bandwidth in bytes per second; <= 0 is unlimited.
	SpeedLimit int64
	// CacheSize is the number of bytes buffered in memory before a write.
	CacheSize  int
	BufferSize int
	// BuffersPerNotification is the number of reads between progress events.
	BuffersPerNotification int
	// StartOnLoad starts every resumable paused download after Load.
	StartOnLoad bool
	// KeepStrayTempFiles disables removing temp files from DownloadDir when
	// Load finds nothing saved.
	KeepStrayTempFiles bool
	DefaultProxy       *client.Proxy

	Client *client.Client
	Store  Store
	Bus    *notify.Bus
	Opener Opener
}

// Manager owns the download registry and schedules transfers under a
// concurrency limit and an aggregate bandwidth limit.
type Manager struct {
	mu           sync.Mutex
	tasks        map[string]*task
	order        []string
	maxDownloads int
	speedLimit   int64
	closing      bool

	downloadDir  string
	tempSuffix   string
	cacheSize    int
	bufferSize   int
	perNotify    int
	startOnLoad  bool
	keepStray    bool
	defaultProxy *client.Proxy

	client    *client.Client
	store     Store
	bus       *notify.Bus
	opener    Opener
	locks     *fileutil.Locks
	workersWG sync.WaitGroup
}

// NewManager creates a manager with default options suitable for tests
func NewManager() *Manager {
	return NewManagerWithOptions(Options{
		DownloadDir:  defaultDownloadDir,
		MaxDownloads: defaultMaxDownloads,
	})
}

// NewManagerWithOptions creates a manager with provided configuration
func NewManagerWithOptions(opts Options) *Manager { //nolint:cyclop
	if opts.MaxDownloads <= 0 {
		opts.MaxDownloads = 1
	}
	if opts.SpeedLimit < 0 {
		opts.SpeedLimit = throttle.Unlimited
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.CacheSize < opts.BufferSize {
		opts.CacheSize = opts.BufferSize
	}
	if opts.BuffersPerNotification <= 0 {
		opts.BuffersPerNotification = defaultBuffersPerMsg
	}
	if opts.TempSuffix == "" {
		opts.TempSuffix = defaultTempSuffix
	}
	if opts.DownloadDir == "" {
		opts.DownloadDir = defaultDownloadDir
	}
	if opts.Client == nil {
		opts.Client = client.NewClient(client.DefaultOptions())
	}
	if opts.Bus == nil {
		opts.Bus = notify.NewBus()
	}
	return &Manager{
		tasks:        make(map[string]*task),
		maxDownloads: opts.MaxDownloads,
		speedLimit:   opts.SpeedLimit,
		downloadDir:  opts.DownloadDir,
		tempSuffix:   opts.TempSuffix,
		cacheSize:    opts.CacheSize,
		bufferSize:   opts.BufferSize,
		perNotify:    opts.BuffersPerNotification,
		startOnLoad:  opts.StartOnLoad,
		keepStray:    opts.KeepStrayTempFiles,
		defaultProxy: opts.DefaultProxy,
		client:       opts.Client,
		store:        opts.Store,
		bus:          opts.Bus,
		opener:       opts.Opener,
		locks:        fileutil.NewLocks(),
	}
}

// Bus returns the bus the manager publishes task events on.
func (m *Manager) Bus() *notify.Bus { return m.bus }

// AddTask registers a new download and returns its ID.
func (m *Manager) AddTask(req AddRequest) (string, error) {
	dest, err := m.resolve(req)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(req, dest)
}

// AddOrResume continues a registered, unfinished download of the same URL
// into the same destination, or adds a new one. The returned flag reports
// whether an existing download was resumed. The download is started either
// way.
func (m *Manager) AddOrResume(req AddRequest) (string, bool, error) {
	dest, err := m.resolve(req)
	if err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return "", false, ErrClosed
	}
	for _, id := range m.order {
		t := m.tasks[id]
		if t.FinalPath != dest.finalPath || t.URL != dest.url.String() || t.Status == StatusCompleted {
			continue
		}
		if t.Status == StatusDeleting {
			return "", false, fmt.Errorf("%w: %s", ErrPathInUse, dest.finalPath)
		}
		if t.TempFileCreated && !fileutil.Exists(t.TempPath) {
			log.Warn().Str("task_id", id).Str("temp", t.TempPath).Msg("temp file gone, downloading again")
			resetProgressLocked(t)
		}
		log.Info().Str("task_id", id).Int64("offset", t.DownloadedSize).Msg("resuming saved download")
		if err := m.startLocked(t); err != nil {
			return id, true, err
		}
		m.reconcileLocked()
		return id, true, nil
	}
	req.StartImmediately = true
	id, err := m.addLocked(req, dest)
	return id, false, err
}

type destination struct {
	url       *url.URL
	name      string
	folder    string
	finalPath string
	tempPath  string
}

func (m *Manager) resolve(req AddRequest) (destination, error) {
	u, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return destination{}, fmt.Errorf("%w: %q", ErrInvalidURL, req.URL)
	}
	name := req.FileName
	if name == "" {
		name = path.Base(u.Path)
	}
	if name == "" || name == "." || name == "/" || name == ".." || filepath.Base(name) != name {
		return destination{}, fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	folder := req.Folder
	if folder == "" {
		folder = m.downloadDir
	}
	finalPath := filepath.Join(folder, name)
	return destination{url: u, name: name, folder: folder, finalPath: finalPath, tempPath: finalPath + m.tempSuffix}, nil
}

func (m *Manager) addLocked(req AddRequest, dest destination) (string, error) { //nolint:cyclop
	if m.closing {
		return "", ErrClosed
	}
	finalPath, tempPath := dest.finalPath, dest.tempPath
	for _, other := range m.tasks {
		if other.FinalPath == finalPath {
			return "", fmt.Errorf("%w: %s", ErrPathInUse, finalPath)
		}
	}
	if fileutil.Exists(tempPath) {
		return "", fmt.Errorf("%w: %s", ErrPathInUse, tempPath)
	}
	if fileutil.Exists(finalPath) {
		if !req.Overwrite {
			return "", fmt.Errorf("%w: %s", ErrFileExists, finalPath)
		}
		if err := fileutil.RemoveIfExists(finalPath); err != nil {
			return "", fmt.Errorf("%w: %w", ErrFilesystemFailed, err)
		}
	}
	if err := fileutil.EnsureDir(dest.folder); err != nil {
		return "", fmt.Errorf("%w: %w", ErrFilesystemFailed, err)
	}

	proxy := req.Proxy
	if proxy == nil && m.defaultProxy != nil {
		p := *m.defaultProxy
		proxy = &p
	}
	newTask := &task{Snapshot: Snapshot{
		ID:               uuid.NewString(),
		URL:              dest.url.String(),
		FileName:         dest.name,
		Folder:           dest.folder,
		TempPath:         tempPath,
		FinalPath:        finalPath,
		OpenOnCompletion: req.OpenOnCompletion,
		Status:           StatusInitialized,
		AddedAt:          time.Now(),
		Credentials:      req.Credentials,
		Proxy:            proxy,
	}}
	m.tasks[newTask.ID] = newTask
	m.order = append(m.order, newTask.ID)
	log.Info().Str("task_id", newTask.ID).Str("url", newTask.URL).Str("path", finalPath).Msg("download added")
	m.bus.StatusChanged(newTask.ID, string(newTask.Status))

	if req.StartImmediately {
		if err := m.startLocked(newTask); err != nil {
			return newTask.ID, err
		}
		m.reconcileLocked()
	}
	return newTask.ID, nil
}

// GetTask returns a snapshot of a task by ID
func (m *Manager) GetTask(taskID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshot(time.Now()), true
}

// List returns snapshots of all tasks in insertion order.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := make([]Snapshot, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.tasks[id].snapshot(now))
	}
	return out
}

// Totals reports registry counts.
func (m *Manager) Totals() Totals {
	m.mu.Lock()
	defer m.mu.Unlock()
	totals := Totals{Total: len(m.order), Active: m.activeLocked()}
	for _, t := range m.tasks {
		if t.Status == StatusCompleted {
			totals.Completed++
		}
	}
	return totals
}

// Start begins or resumes a download. A task over the concurrency limit is
// queued instead.
func (m *Manager) Start(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if err := m.startLocked(t); err != nil {
		return err
	}
	m.reconcileLocked()
	return nil
}

// Pause asks an active download to stop at the next read boundary.
func (m *Manager) Pause(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if err := m.pauseLocked(t); err != nil {
		return err
	}
	m.reconcileLocked()
	return nil
}

// Restart discards everything received so far and downloads the file again.
func (m *Manager) Restart(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if t.run != nil {
		return ErrTaskActive
	}
	if t.Status != StatusError && t.Status != StatusCompleted {
		return fmt.Errorf("%w: restart from %s", ErrInvalidState, t.Status)
	}
	for _, p := range []string{t.TempPath, t.FinalPath} {
		unlock := m.locks.Lock(p)
		err := fileutil.RemoveIfExists(p)
		unlock()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrFilesystemFailed, err)
		}
	}
	resetProgressLocked(t)
	log.Info().Str("task_id", t.ID).Msg("download restarted")

	if err := m.startLocked(t); err != nil {
		return err
	}
	m.reconcileLocked()
	return nil
}

// Delete stops a download, waits for its worker to exit and removes the
// temp file, plus the final file when removeFile is set.
func (m *Manager) Delete(ctx context.Context, taskID string, removeFile bool) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	t.Status = StatusDeleting
	r := t.run
	if r != nil {
		r.cancel()
	}
	m.reconcileLocked()
	tempPath, finalPath := t.TempPath, t.FinalPath
	m.mu.Unlock()

	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return fmt.Errorf("wait for worker: %w", ctx.Err())
		}
	}

	paths := []string{tempPath}
	if removeFile {
		paths = append(paths, finalPath)
	}
	for _, p := range paths {
		unlock := m.locks.Lock(p)
		err := fileutil.RemoveIfExists(p)
		unlock()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrFilesystemFailed, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		return nil
	}
	m.setStatusLocked(t, StatusDeleted)
	delete(m.tasks, taskID)
	for i, id := range m.order {
		if id == taskID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.reconcileLocked()
	log.Info().Str("task_id", taskID).Bool("remove_file", removeFile).Msg("download deleted")
	return nil
}

// SetConcurrencyLimit changes the number of simultaneously active downloads.
// Lowering it re-queues the most recently added active downloads.
func (m *Manager) SetConcurrencyLimit(n int) error {
	if n < 1 {
		return ErrInvalidLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxDownloads = n
	excess := m.activeLocked() - n
	for i := len(m.order) - 1; i >= 0 && excess > 0; i-- {
		t := m.tasks[m.order[i]]
		if !t.Status.active() {
			continue
		}
		m.setStatusLocked(t, StatusQueued)
		t.run.cancel()
		excess--
	}
	m.reconcileLocked()
	log.Info().Int("max_downloads", n).Msg("concurrency limit changed")
	return nil
}

// ConcurrencyLimit returns the current number of allowed active downloads.
func (m *Manager) ConcurrencyLimit() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxDownloads
}

// SetAggregateSpeedLimit sets the total bandwidth in bytes per second shared
// by all active downloads. Values <= 0 disable the limit.
func (m *Manager) SetAggregateSpeedLimit(bytesPerSecond int64) {
	if bytesPerSecond < 0 {
		bytesPerSecond = throttle.Unlimited
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.speedLimit = bytesPerSecond
	m.rebalanceLocked()
	log.Info().Int64("bytes_per_second", bytesPerSecond).Msg("speed limit changed")
}

// AggregateSpeedLimit returns the total bandwidth limit; 0 means unlimited.
func (m *Manager) AggregateSpeedLimit() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speedLimit
}

// WaitAll blocks until all in-flight task workers finish or the context is done.
// Returns true if all workers finished, false if timed out.
func (m *Manager) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Shutdown pauses every download, waits for the workers and saves the
// registry. No download can be started afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	for _, id := range m.order {
		t := m.tasks[id]
		if t.Status == StatusQueued || t.Status.active() {
			_ = m.pauseLocked(t)
		}
	}
	m.mu.Unlock()

	if !m.WaitAll(ctx) {
		log.Warn().Msg("shutdown timed out waiting for downloads")
	}
	return m.Save(ctx)
}

func (m *Manager) startLocked(t *task) error {
	if m.closing {
		return ErrClosed
	}
	if t.run != nil || t.Status.active() {
		return ErrTaskActive
	}
	if !t.Status.startable() {
		return fmt.Errorf("%w: start from %s", ErrInvalidState, t.Status)
	}
	if t.DownloadedSize > 0 && !t.SupportsRange {
		t.HasError = true
		t.StatusMessage = ErrResumeUnsupported.Error()
		m.setStatusLocked(t, StatusError)
		m.bus.Completed(t.ID, false)
		log.Warn().Str("task_id", t.ID).Msg("cannot resume download")
		return ErrResumeUnsupported
	}

	t.HasError = false
	t.StatusMessage = ""
	m.setStatusLocked(t, StatusWaiting)
	if m.activeLocked() > m.maxDownloads {
		m.setStatusLocked(t, StatusQueued)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{ctx: ctx, cancel: cancel, done: make(chan struct{}), limit: m.shareLocked()}
	t.run = r
	m.workersWG.Add(1)
	go m.transfer(t, r)
	return nil
}

func (m *Manager) pauseLocked(t *task) error {
	switch t.Status {
	case StatusWaiting, StatusDownloading:
		m.setStatusLocked(t, StatusPausing)
		t.run.cancel()
	case StatusQueued:
		// A re-queued task may still be winding down its previous run.
		if t.run != nil {
			m.setStatusLocked(t, StatusPausing)
		} else {
			m.setStatusLocked(t, StatusPaused)
		}
	case StatusPausing, StatusPaused:
	default:
		return fmt.Errorf("%w: pause from %s", ErrInvalidState, t.Status)
	}
	return nil
}

// resetProgressLocked forgets everything received for t.
func resetProgressLocked(t *task) {
	t.DownloadedSize = 0
	t.CachedSize = 0
	t.TempFileCreated = false
	t.HasError = false
	t.StatusMessage = ""
	t.CompletedAt = time.Time{}
	t.ElapsedActive = 0
	t.Speed, t.SmoothedSpeed, t.ETA = 0, 0, 0
	t.meter.reset(time.Now(), 0)
}

func (m *Manager) setStatusLocked(t *task, status Status) {
	t.Status = status
	log.Debug().Str("task_id", t.ID).Str("status", string(status)).Msg("status changed")
	m.bus.StatusChanged(t.ID, string(status))
}

func (m *Manager) failLocked(t *task, err error) {
	t.HasError = true
	t.StatusMessage = err.Error()
	m.setStatusLocked(t, StatusError)
	m.bus.Completed(t.ID, false)
	log.Warn().Str("task_id", t.ID).Err(err).Msg("download failed")
}

func (m *Manager) activeLocked() int {
	n := 0
	for _, t := range m.tasks {
		if t.Status.active() {
			n++
		}
	}
	return n
}

// shareLocked is the per-download bandwidth allowance.
func (m *Manager) shareLocked() int64 {
	if m.speedLimit <= 0 {
		return throttle.Unlimited
	}
	n := int64(m.activeLocked())
	if n == 0 {
		return m.speedLimit
	}
	share := m.speedLimit / n
	if share < 1 {
		share = 1
	}
	return share
}

func (m *Manager) rebalanceLocked() {
	share := m.shareLocked()
	for _, t := range m.tasks {
		if t.run != nil && t.Status.active() {
			t.run.setLimit(share)
		}
	}
}

// reconcileLocked fills free slots with queued tasks in insertion order and
// redistributes bandwidth.
func (m *Manager) reconcileLocked() {
	for _, id := range m.order {
		if m.activeLocked() >= m.maxDownloads {
			break
		}
		t := m.tasks[id]
		if t.Status != StatusQueued || t.run != nil {
			continue
		}
		if err := m.startLocked(t); err != nil {
			log.Warn().Str("task_id", t.ID).Err(err).Msg("start queued download failed")
		}
	}
	m.rebalanceLocked()
}
