package task

import (
	"context"
	"time"

	"sget/internal/client"
	"sget/internal/throttle"
)

type Status string

const (
	StatusInitialized Status = "initialized"
	StatusWaiting     Status = "waiting"
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusPausing     Status = "pausing"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	StatusDeleting    Status = "deleting"
	StatusDeleted     Status = "deleted"
)

// active statuses occupy a concurrency slot.
func (s Status) active() bool {
	return s == StatusWaiting || s == StatusDownloading
}

func (s Status) startable() bool {
	switch s {
	case StatusInitialized, StatusPaused, StatusQueued, StatusError:
		return true
	}
	return false
}

// Snapshot is the persisted and observable state of one download.
// CompletedAt is the zero time until the download completes.
type Snapshot struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	FileName  string `json:"file_name"`
	Folder    string `json:"folder"`
	TempPath  string `json:"temp_path"`
	FinalPath string `json:"final_path"`

	FileSize       int64 `json:"file_size"`
	DownloadedSize int64 `json:"downloaded_size"`
	CachedSize     int64 `json:"cached_size"`

	SupportsRange    bool `json:"supports_range"`
	Probed           bool `json:"probed"`
	TempFileCreated  bool `json:"temp_file_created"`
	HasError         bool `json:"has_error"`
	OpenOnCompletion bool `json:"open_on_completion"`

	Status        Status `json:"status"`
	StatusMessage string `json:"status_message,omitempty"`

	AddedAt       time.Time     `json:"added_at"`
	CompletedAt   time.Time     `json:"completed_at"`
	ElapsedActive time.Duration `json:"elapsed_active"`
	LastResumedAt time.Time     `json:"last_resumed_at"`

	Credentials *client.Credentials `json:"credentials,omitempty"`
	Proxy       *client.Proxy       `json:"proxy,omitempty"`

	Speed         int64         `json:"speed"`
	SmoothedSpeed int64         `json:"smoothed_speed"`
	ETA           time.Duration `json:"eta"`
	RateLimit     int64         `json:"rate_limit"`
}

// Percent of the file received so far, including unflushed bytes.
func (s Snapshot) Percent() float64 {
	if s.FileSize <= 0 {
		return 0
	}
	p := float64(s.DownloadedSize+s.CachedSize) / float64(s.FileSize) * 100
	if p > 100 {
		return 100
	}
	return p
}

// AverageSpeed over the time the download was actually active.
func (s Snapshot) AverageSpeed() int64 {
	secs := s.ElapsedActive.Seconds()
	if secs <= 0 {
		return 0
	}
	return int64(float64(s.DownloadedSize+s.CachedSize) / secs)
}

// AddRequest describes a new download.
// Folder defaults to the manager's download dir and FileName to the last
// segment of the URL path.
type AddRequest struct {
	URL              string
	Folder           string
	FileName         string
	Credentials      *client.Credentials
	Proxy            *client.Proxy
	StartImmediately bool
	OpenOnCompletion bool
	Overwrite        bool
}

// Totals counts the registry.
type Totals struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
}

// Store persists the registry across process restarts.
type Store interface {
	LoadAll(ctx context.Context) ([]Snapshot, error)
	SaveAll(ctx context.Context, tasks []Snapshot) error
}

// Opener opens a completed file with the system's default application.
type Opener interface {
	Open(path string) error
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(path string) error

func (f OpenerFunc) Open(path string) error { return f(path) }

// task is the manager's record: the snapshot fields plus runtime state.
// Every field is guarded by Manager.mu.
type task struct {
	Snapshot

	run   *run
	meter speedMeter
}

// run is one execution of the transfer loop.
type run struct {
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	limit     int64
	limiter   *throttle.Reader
	startedAt time.Time
}

func (r *run) setLimit(limit int64) {
	r.limit = limit
	if r.limiter != nil {
		r.limiter.SetLimit(limit)
	}
}

func (t *task) snapshot(now time.Time) Snapshot {
	s := t.Snapshot
	if t.run != nil {
		s.RateLimit = t.run.limit
		if !t.run.startedAt.IsZero() {
			s.ElapsedActive += now.Sub(t.run.startedAt)
		}
	}
	if t.Credentials != nil {
		c := *t.Credentials
		s.Credentials = &c
	}
	if t.Proxy != nil {
		p := *t.Proxy
		s.Proxy = &p
	}
	return s
}
