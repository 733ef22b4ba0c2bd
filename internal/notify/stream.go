package notify

import (
	"context"
	"time"

	"taskpilot/internal/domain"
	"taskpilot/internal/repo"
)

const defaultStreamInterval = time.Second

// Stream polls the inbox and hands new notifications to a subscriber in
// delivery order. The worker and the API may run in separate processes, so
// the table is the broadcast channel.
type Stream struct {
	Repo     repo.Repo
	Interval time.Duration
	Batch    int
}

// Follow calls send for every notification of org (and user when set) newer
// than afterSeq until ctx ends or send fails. heartbeat, when non-nil, runs on
// idle polls.
func (s Stream) Follow(ctx context.Context, orgID, userID string, afterSeq int64, send func(domain.Notification) error, heartbeat func() error) error {
	interval := s.Interval
	if interval <= 0 {
		interval = defaultStreamInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	cursor := afterSeq
	for {
		batch, err := s.Repo.ListNotifications(ctx, repo.NotificationFilters{
			OrganizationID: orgID,
			UserID:         userID,
			AfterSeq:       cursor,
			Limit:          s.Batch,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		for _, n := range batch {
			if err := send(n); err != nil {
				return err
			}
			cursor = n.Seq
		}
		if len(batch) == 0 && heartbeat != nil {
			if err := heartbeat(); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// LatestSeq returns the newest notification sequence of an organization.
func (s Stream) LatestSeq(ctx context.Context, orgID string) (int64, error) {
	return s.Repo.LatestNotificationSeq(ctx, orgID)
}
