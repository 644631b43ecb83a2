package task

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"sget/internal/client"
	fileutil "sget/internal/file"
	"sget/internal/throttle"

	"github.com/rs/zerolog/log"
)

// transfer runs one execution of a download from its current offset
// until completion, failure or a stop request.
func (m *Manager) transfer(t *task, r *run) {
	defer m.workersWG.Done()
	defer close(r.done)

	completed, err := m.download(t, r)
	m.finish(t, r, completed, err)
}

func (m *Manager) download(t *task, r *run) (bool, error) { //nolint:cyclop
	m.mu.Lock()
	req := client.Request{URL: t.URL, Credentials: t.Credentials, Proxy: t.Proxy}
	probed, tempCreated := t.Probed, t.TempFileCreated
	tempPath := t.TempPath
	m.mu.Unlock()

	if !probed {
		info, err := m.client.Head(r.ctx, req)
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrProbeFailed, err)
		}
		if info.Size <= 0 {
			return false, fmt.Errorf("%w: server did not report a content length", ErrProbeFailed)
		}
		m.mu.Lock()
		t.FileSize = info.Size
		t.SupportsRange = info.AcceptsRanges
		t.Probed = true
		m.mu.Unlock()
		log.Debug().Str("task_id", t.ID).Int64("size", info.Size).Bool("ranges", info.AcceptsRanges).Msg("probed")
	}

	if !tempCreated {
		m.mu.Lock()
		size := t.FileSize
		m.mu.Unlock()
		unlock := m.locks.Lock(tempPath)
		err := fileutil.Preallocate(r.ctx, tempPath, size)
		unlock()
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrFilesystemFailed, err)
		}
		m.mu.Lock()
		t.TempFileCreated = true
		m.mu.Unlock()
	}

	m.mu.Lock()
	if t.Status != StatusWaiting {
		m.mu.Unlock()
		return false, nil
	}
	now := time.Now()
	r.startedAt = now
	t.LastResumedAt = now
	offset, size := t.DownloadedSize, t.FileSize
	t.meter.reset(now, offset)
	m.setStatusLocked(t, StatusDownloading)
	m.mu.Unlock()

	if offset >= size {
		return true, nil
	}

	out, err := fileutil.OpenForWrite(tempPath)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrFilesystemFailed, err)
	}
	defer out.Close()

	resp, err := m.client.GetFrom(r.ctx, req, offset)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	defer resp.Body.Close()

	m.mu.Lock()
	reader := throttle.NewReader(r.ctx, io.LimitReader(resp.Body, size-offset), r.limit)
	r.limiter = reader
	m.mu.Unlock()

	return m.stream(t, reader, out, offset, size)
}

// stream copies src into out at offset through the in-memory cache. The
// cache is flushed when full, when the stream ends and when a stop is
// requested.
func (m *Manager) stream(t *task, src io.Reader, out *os.File, offset, size int64) (bool, error) { //nolint:cyclop
	buf := make([]byte, m.bufferSize)
	cache := make([]byte, 0, m.cacheSize)
	reads := 0

	flush := func() error {
		if len(cache) == 0 {
			return nil
		}
		unlock := m.locks.Lock(out.Name())
		_, err := out.WriteAt(cache, offset)
		unlock()
		if err != nil {
			return fmt.Errorf("%w: write temp file: %w", ErrFilesystemFailed, err)
		}
		offset += int64(len(cache))
		cache = cache[:0]
		m.mu.Lock()
		t.DownloadedSize = offset
		t.CachedSize = 0
		m.mu.Unlock()
		return nil
	}
	finalize := func() error {
		if err := flush(); err != nil {
			return err
		}
		if err := out.Sync(); err != nil {
			return fmt.Errorf("%w: sync temp file: %w", ErrFilesystemFailed, err)
		}
		return nil
	}

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if len(cache)+n > cap(cache) {
				if err := flush(); err != nil {
					return false, err
				}
			}
			cache = append(cache, buf[:n]...)
			reads++
		}

		m.mu.Lock()
		t.CachedSize = int64(len(cache))
		downloading := t.Status == StatusDownloading
		progress := n > 0 && reads%m.perNotify == 0
		if progress {
			m.sampleLocked(t, time.Now())
		}
		m.mu.Unlock()
		if progress {
			m.bus.Progress(t.ID)
		}

		switch {
		case errors.Is(readErr, io.EOF):
			if err := finalize(); err != nil {
				return false, err
			}
			if offset < size {
				return false, fmt.Errorf("%w: stream ended at %d of %d bytes", ErrTransferFailed, offset, size)
			}
			return true, nil
		case readErr != nil:
			if err := finalize(); err != nil {
				return false, err
			}
			return false, fmt.Errorf("%w: %w", ErrTransferFailed, readErr)
		case !downloading:
			return false, finalize()
		}
	}
}

func (m *Manager) sampleLocked(t *task, now time.Time) {
	received := t.DownloadedSize + t.CachedSize
	t.meter.sample(now, received)
	t.Speed = t.meter.speed
	t.SmoothedSpeed = t.meter.smoothed
	t.ETA = t.meter.eta(t.FileSize - received)
}

// finish applies the outcome of a run. A pending stop request wins over a
// transfer error; a completed transfer wins over a pause or re-queue.
func (m *Manager) finish(t *task, r *run, completed bool, err error) { //nolint:cyclop
	m.mu.Lock()
	now := time.Now()
	if !r.startedAt.IsZero() {
		t.ElapsedActive += now.Sub(r.startedAt)
	}
	r.limiter = nil
	t.Speed, t.ETA = 0, 0

	status := t.Status
	promote := false
	switch {
	case status == StatusDeleting:
	case completed && (status == StatusDownloading || status == StatusPausing || status == StatusQueued):
		promote = true
	case status == StatusPausing:
		m.setStatusLocked(t, StatusPaused)
	case status == StatusQueued:
	case err != nil:
		m.failLocked(t, err)
	default:
		m.setStatusLocked(t, StatusPaused)
	}
	if !promote {
		t.run = nil
		final := t.Status
		m.reconcileLocked()
		m.mu.Unlock()
		log.Debug().Str("task_id", t.ID).Str("status", string(final)).Msg("worker exited")
		return
	}
	tempPath, finalPath := t.TempPath, t.FinalPath
	m.mu.Unlock()

	perr := m.promote(tempPath, finalPath)

	m.mu.Lock()
	t.run = nil
	open := false
	switch {
	case t.Status == StatusDeleting:
	case perr != nil:
		m.failLocked(t, fmt.Errorf("%w: %w", ErrFilesystemFailed, perr))
	default:
		t.CachedSize = 0
		t.CompletedAt = now
		m.setStatusLocked(t, StatusCompleted)
		m.bus.Completed(t.ID, true)
		open = t.OpenOnCompletion
		log.Info().Str("task_id", t.ID).Str("path", finalPath).Msg("download completed")
	}
	m.reconcileLocked()
	m.mu.Unlock()

	if open && m.opener != nil {
		if err := m.opener.Open(finalPath); err != nil {
			log.Warn().Str("task_id", t.ID).Err(err).Msg("open completed file failed")
		}
	}
}

func (m *Manager) promote(tempPath, finalPath string) error {
	unlockTemp := m.locks.Lock(tempPath)
	defer unlockTemp()
	unlockFinal := m.locks.Lock(finalPath)
	defer unlockFinal()
	return fileutil.Promote(tempPath, finalPath) //nolint:wrapcheck
}
