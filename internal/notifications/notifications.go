// Package notifications sends the failure notice for a run that ended in the Failed state.  The job runs from
// cron, so a failed push has no terminal to complain to; the admin email is how a human finds out before the
// metrics go stale.
package notifications

import (
	"context"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SendMessager wraps the sendMessage method.  Anything that can deliver a failure notice to an admin satisfies it.
type SendMessager interface {
	sendMessage(ctx context.Context, message string) error
}

// SendFailureNotifications delivers message through every configured messenger concurrently and returns the first
// error, if any.  Callers treat errors here as log-worthy, never fatal: a run that already failed should not fail
// harder because the email did.
func SendFailureNotifications(ctx context.Context, message string, messengers ...SendMessager) error {
	if len(messengers) == 0 {
		log.Debug("No notification messengers configured.  Skipping failure notifications")
		return nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, messenger := range messengers {
		messenger := messenger
		g.Go(func() error {
			return messenger.sendMessage(gCtx, message)
		})
	}
	if err := g.Wait(); err != nil {
		log.Errorf("Error sending failure notifications: %s", err)
		return err
	}
	return nil
}
