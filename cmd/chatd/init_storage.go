package main

import (
	"context"
	"log/slog"

	"monadic-chat/internal/adapter/store"
	"monadic-chat/internal/domain"
	"monadic-chat/internal/infra/config"
	"monadic-chat/internal/usecase/scheduling"
)

// StorageComponents holds session persistence and its reaper.
type StorageComponents struct {
	Sessions  domain.SessionStore
	Blobs     domain.BlobStore
	scheduler *scheduling.Scheduler
	log       *slog.Logger
}

// Close stops the reaper and closes the session store.
func (s *StorageComponents) Close() {
	if s.scheduler != nil {
		if err := s.scheduler.Stop(); err != nil {
			s.log.Warn("scheduler stop failed", "error", err)
		}
	}
	if err := s.Sessions.Close(); err != nil {
		s.log.Warn("session store close failed", "error", err)
	}
}

// initStorage opens the session and blob stores and schedules the reaper.
func initStorage(ctx context.Context, cfg *config.Config, log *slog.Logger) (*StorageComponents, error) {
	sessions, err := store.New(cfg.Store, log)
	if err != nil {
		return nil, err
	}
	sc := &StorageComponents{Sessions: sessions, log: log}

	if cfg.Store.BlobDir != "" {
		blobs, err := store.NewFileBlobStore(cfg.Store.BlobDir)
		if err != nil {
			sessions.Close()
			return nil, err
		}
		sc.Blobs = blobs
	}

	if cfg.Store.ReapAfter > 0 && cfg.Store.ReapSchedule != "" {
		sched := scheduling.NewScheduler(log)
		sched.RegisterAction(scheduling.ActionSessionReap, scheduling.SessionReaper(sessions, cfg.Store.ReapAfter, log))
		if err := sched.AddTask(scheduling.ScheduledTask{
			Name:     "session-reaper",
			Schedule: cfg.Store.ReapSchedule,
			Action:   scheduling.ActionSessionReap,
		}); err != nil {
			sessions.Close()
			return nil, err
		}
		if err := sched.Start(ctx); err != nil {
			sessions.Close()
			return nil, err
		}
		sc.scheduler = sched
	}
	return sc, nil
}
