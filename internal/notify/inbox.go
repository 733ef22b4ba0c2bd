// Package notify delivers automation output to people and systems: the
// in-app inbox, outbound webhooks, a polling stream for realtime clients and
// operator alerts built from the activity log.
package notify

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/domain"
	"taskpilot/internal/repo"
)

// Inbox stores notifications in the notifications table.
type Inbox struct {
	Repo   repo.Repo
	Now    func() time.Time
	Logger *log.Logger
}

// Notify stores n. It reports false when a notification with the same
// dedupe key was already delivered.
func (b Inbox) Notify(ctx context.Context, n domain.Notification) (bool, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt == "" {
		now := time.Now
		if b.Now != nil {
			now = b.Now
		}
		n.CreatedAt = now().UTC().Format(time.RFC3339)
	}
	inserted, err := b.Repo.InsertNotification(ctx, n)
	if err != nil {
		return false, err
	}
	if !inserted {
		b.logf("notification %s for %s already delivered", n.DedupeKey, n.UserID)
	}
	return inserted, nil
}

func (b Inbox) logf(format string, args ...any) {
	if b.Logger != nil {
		b.Logger.Printf("notify: "+format, args...)
		return
	}
	log.Printf("notify: "+format, args...)
}
