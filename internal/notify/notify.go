// Package notify abstracts desktop notification delivery. The session
// engine emits notification intents; how (and whether) they are presented
// is up to the Notifier implementation.
package notify

import (
	"github.com/gen2brain/beeep"

	"github.com/palaverchat/palaver/internal/logger"
)

// Notification is one notification intent
type Notification struct {
	Title string
	Body  string
}

// Notifier presents notifications to the user
type Notifier interface {
	// Granted reports whether the user has allowed notifications
	Granted() bool
	// Notify presents n; delivery is best effort
	Notify(n Notification) error
}

// Desktop delivers notifications through the OS notification service
type Desktop struct{}

// NewDesktop creates a desktop notifier
func NewDesktop() *Desktop {
	return &Desktop{}
}

func (d *Desktop) Granted() bool {
	return true
}

func (d *Desktop) Notify(n Notification) error {
	if err := beeep.Notify(n.Title, n.Body, ""); err != nil {
		logger.Log.Warn().Err(err).Str("title", n.Title).Msg("Failed to deliver notification")
		return err
	}
	return nil
}

// Disabled swallows every notification; used when the user has not granted
// notification permission
type Disabled struct{}

func (Disabled) Granted() bool { return false }

func (Disabled) Notify(n Notification) error { return nil }
