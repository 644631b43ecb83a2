package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"sget/internal/client"
	"sget/internal/notify"
	"sget/internal/store"
	"sget/internal/task"
)

// getStoreKey names the registry get keeps next to the one serve uses.
const getStoreKey = "get.json"

// get runs a single download in the foreground. Interrupting it pauses the
// download and saves it, so running get again for the same URL and
// destination resumes from the temp file.
func get(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("expected exactly one URL")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	dir := c.String("dir")
	if dir == "" {
		dir = cfg.DownloadDir
	}
	speedLimit := cfg.SpeedLimit()
	if c.IsSet("limit") {
		speedLimit = c.Int64("limit") * 1024
	}

	bus := notify.NewBus()
	defer bus.Close()
	tm := task.NewManagerWithOptions(task.Options{
		DownloadDir:            dir,
		TempSuffix:             cfg.TempSuffix,
		MaxDownloads:           1,
		SpeedLimit:             speedLimit,
		CacheSize:              cfg.CacheSize(),
		BufferSize:             cfg.BufferSize,
		BuffersPerNotification: cfg.BuffersPerNotification,
		KeepStrayTempFiles:     true,
		DefaultProxy:           cfg.DefaultProxy(),
		Client:                 client.NewClient(cfg.ClientOptions()),
		Store:                  store.NewFileStoreWithKey(cfg.DataDir, getStoreKey),
		Bus:                    bus,
	})
	if err := tm.Load(c.Context); err != nil {
		return fmt.Errorf("load saved downloads: %w", err)
	}

	sub := bus.Subscribe(0)
	defer sub.Close()
	id, resumed, err := tm.AddOrResume(task.AddRequest{
		URL:       c.Args().First(),
		FileName:  c.String("output"),
		Overwrite: c.Bool("overwrite"),
	})
	if errors.Is(err, task.ErrResumeUnsupported) {
		log.Warn().Str("task_id", id).Msg("server cannot resume, downloading again")
		err = tm.Restart(id)
	}
	if err != nil {
		return fmt.Errorf("add download: %w", err)
	}
	if resumed {
		snap, _ := tm.GetTask(id)
		log.Info().Str("temp", snap.TempPath).Float64("percent", snap.Percent()).Msg("resuming download")
	}

	reporter := &progressReporter{tm: tm, id: id, done: make(chan bool, 1)}
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	go notify.Forward(ctx, sub, reporter)

	// The subscription drops events when full, so the outcome is also polled.
	poll := time.NewTicker(time.Second)
	defer poll.Stop()
	for {
		select {
		case ok := <-reporter.done:
			return finishGet(c.Context, tm, id, ok)
		case <-poll.C:
			if snap, _ := tm.GetTask(id); snap.Status == task.StatusCompleted || snap.Status == task.StatusError {
				return finishGet(c.Context, tm, id, snap.Status == task.StatusCompleted)
			}
		case <-c.Context.Done():
			shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stop()
			if err := tm.Shutdown(shutdownCtx); err != nil {
				return err //nolint:wrapcheck
			}
			snap, _ := tm.GetTask(id)
			log.Warn().Str("temp", snap.TempPath).Float64("percent", snap.Percent()).Msg("download interrupted")
			return c.Context.Err()
		}
	}
}

// finishGet reports the outcome. A failed download stays saved for the next
// run; a finished one is forgotten.
func finishGet(ctx context.Context, tm *task.Manager, id string, ok bool) error {
	snap, _ := tm.GetTask(id)
	if !ok {
		if err := tm.Save(ctx); err != nil {
			log.Warn().Err(err).Msg("save failed download")
		}
		return fmt.Errorf("download failed: %s", snap.StatusMessage)
	}
	if err := tm.Delete(ctx, id, false); err != nil {
		log.Warn().Err(err).Msg("forget finished download")
	}
	if err := tm.Save(ctx); err != nil {
		log.Warn().Err(err).Msg("save downloads")
	}
	log.Info().Str("path", snap.FinalPath).Int64("bytes", snap.FileSize).
		Dur("elapsed", snap.ElapsedActive).Int64("avg_speed", snap.AverageSpeed()).Msg("download finished")
	return nil
}

// progressReporter logs progress of one download and reports its outcome.
type progressReporter struct {
	tm   *task.Manager
	id   string
	done chan bool
}

func (r *progressReporter) OnProgress(taskID string) {
	if taskID != r.id {
		return
	}
	snap, ok := r.tm.GetTask(taskID)
	if !ok {
		return
	}
	log.Info().
		Str("file", snap.FileName).
		Str("percent", fmt.Sprintf("%.1f", snap.Percent())).
		Int64("speed", snap.SmoothedSpeed).
		Dur("eta", snap.ETA).
		Msg("downloading")
}

func (r *progressReporter) OnStatusChanged(taskID string) {
	if taskID != r.id {
		return
	}
	if snap, ok := r.tm.GetTask(taskID); ok {
		log.Debug().Str("status", string(snap.Status)).Msg("status changed")
	}
}

func (r *progressReporter) OnCompleted(taskID string, success bool) {
	if taskID != r.id {
		return
	}
	select {
	case r.done <- success:
	default:
	}
}
