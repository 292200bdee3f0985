package server

import (
	"context"
	"time"
)

type stateCleaner interface {
	Cleanup(now time.Time) int
}

type expiredTokenDeleter interface {
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// RunJanitor removes abandoned logins and dead tokens every interval until
// ctx is cancelled. Stores that cannot be swept are skipped.
func (s *Server) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(ctx, now)
		}
	}
}

func (s *Server) sweep(ctx context.Context, now time.Time) {
	if cleaner, ok := s.states.(stateCleaner); ok {
		if n := cleaner.Cleanup(now); n > 0 {
			s.logger.Debug().Int("removed", n).Msg("expired login states removed")
		}
	}
	if deleter, ok := s.tokens.(expiredTokenDeleter); ok {
		n, err := deleter.DeleteExpired(ctx, now)
		if err != nil {
			s.logger.Err(err).Msg("Failed to delete expired tokens")
			return
		}
		if n > 0 {
			s.logger.Debug().Int64("removed", n).Msg("expired tokens removed")
		}
	}
}
