package service

import (
	"context"

	"github.com/zlnvch/boardsync/models"
)

func (s *Service) EvictIdle(ctx context.Context, participant models.ActiveParticipant) {
	s.evictIdle(ctx, participant)
}
