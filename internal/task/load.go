package task

import (
	"context"
	"fmt"
	"path/filepath"

	fileutil "sget/internal/file"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Load restores the registry from the store.
// Completed downloads stay completed, failed ones keep their error and
// everything else comes back paused. Downloads saved mid-delete have their
// temp file removed and are dropped. When nothing was saved, stray temp
// files in the download dir are removed.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	loaded, err := m.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	m.mu.Lock()
	var pending []Snapshot
	for _, snap := range loaded {
		if snap.Status == StatusDeleting {
			pending = append(pending, snap)
			continue
		}
		if snap.ID == "" {
			snap.ID = uuid.NewString()
		}
		if _, exists := m.tasks[snap.ID]; exists {
			continue
		}
		restored := &task{Snapshot: snap}
		restored.CachedSize = 0
		restored.Speed, restored.SmoothedSpeed, restored.ETA, restored.RateLimit = 0, 0, 0, 0
		if restored.FinalPath == "" {
			restored.FinalPath = filepath.Join(restored.Folder, restored.FileName)
		}
		if restored.TempPath == "" {
			restored.TempPath = restored.FinalPath + m.tempSuffix
		}
		switch {
		case restored.Status == StatusCompleted:
		case restored.HasError:
			restored.Status = StatusError
		default:
			restored.Status = StatusPaused
		}
		m.tasks[restored.ID] = restored
		m.order = append(m.order, restored.ID)
	}
	empty := len(m.order) == 0 && len(pending) == 0

	if m.startOnLoad {
		for _, id := range m.order {
			t := m.tasks[id]
			if t.Status != StatusPaused || t.HasError {
				continue
			}
			if err := m.startLocked(t); err != nil {
				log.Warn().Str("task_id", id).Err(err).Msg("start on load failed")
			}
		}
		m.reconcileLocked()
	}
	m.mu.Unlock()
	log.Info().Int("tasks", len(loaded)).Msg("downloads loaded")

	for _, snap := range pending {
		m.finishDelete(snap)
	}
	if empty && !m.keepStray {
		removed, err := fileutil.RemoveWithSuffix(m.downloadDir, m.tempSuffix)
		if err != nil {
			log.Warn().Err(err).Msg("remove orphaned temp files failed")
		} else if removed > 0 {
			log.Info().Int("removed", removed).Msg("removed orphaned temp files")
		}
	}
	return nil
}

// finishDelete removes the temp file of a download whose delete did not
// complete before the registry was saved.
func (m *Manager) finishDelete(snap Snapshot) {
	tempPath := snap.TempPath
	if tempPath == "" {
		tempPath = filepath.Join(snap.Folder, snap.FileName) + m.tempSuffix
	}
	unlock := m.locks.Lock(tempPath)
	err := fileutil.RemoveIfExists(tempPath)
	unlock()
	if err != nil {
		log.Warn().Str("task_id", snap.ID).Err(err).Msg("finish pending delete failed")
		return
	}
	log.Info().Str("task_id", snap.ID).Str("temp", tempPath).Msg("finished pending delete")
}

// Save writes the registry to the store. Downloads being deleted are saved
// too so the next Load can remove their temp files.
func (m *Manager) Save(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	all := m.List()
	keep := all[:0]
	for _, snap := range all {
		if snap.Status == StatusDeleted {
			continue
		}
		snap.CachedSize = 0
		keep = append(keep, snap)
	}
	if err := m.store.SaveAll(ctx, keep); err != nil {
		return fmt.Errorf("save tasks: %w", err)
	}
	return nil
}
