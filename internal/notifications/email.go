package notifications

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"
	gomail "gopkg.in/gomail.v2"
)

// email is an email message configuration
type email struct {
	from     string
	to       []string
	subject  string
	smtpHost string
	smtpPort int
}

// NewEmail returns an *email that can be used to send a message with SendFailureNotifications
func NewEmail(from string, to []string, subject, smtpHost string, smtpPort int) *email {
	return &email{
		from:     from,
		to:       to,
		subject:  subject,
		smtpHost: smtpHost,
		smtpPort: smtpPort,
	}
}

// sendMessage sends message as an email based on the email object configuration.  The gomail dial-and-send has no
// context support of its own, so it runs in a goroutine raced against ctx.
func (e *email) sendMessage(ctx context.Context, message string) error {
	emailDialer := gomail.Dialer{
		Host: e.smtpHost,
		Port: e.smtpPort,
	}
	funcLogger := log.WithField("recipient", strings.Join(e.to, ", "))

	m := gomail.NewMessage()
	m.SetHeader("From", e.from)
	m.SetHeader("To", e.to...)
	m.SetHeader("Subject", e.subject)
	m.SetBody("text/plain", message)

	c := make(chan error)
	go func() {
		defer close(c)
		c <- emailDialer.DialAndSend(m)
	}()

	select {
	case err := <-c:
		if err != nil {
			funcLogger.Errorf("Error sending email: %s", err)
		} else {
			funcLogger.Debug("Sent email")
		}
		return err
	case <-ctx.Done():
		err := ctx.Err()
		funcLogger.Errorf("Error sending email: %s", err)
		return err
	}
}
