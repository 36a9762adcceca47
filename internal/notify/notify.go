// Package notify delivers operator-facing notifications. Every call
// site treats delivery as best-effort: a failed send is logged by the
// caller and never fails the operation it is attached to.
package notify

import "errors"

// NotificationType classifies a notification for display
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification is one message about a fleet task
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	TaskID  string // optional task reference
	Branch  string // optional branch reference
	PRURL   string // optional PR link
}

// Notifier sends a notification to one destination
type Notifier interface {
	Send(n Notification) error
}

// Multi fans a notification out to several notifiers. All destinations
// are attempted; errors are joined.
type Multi struct {
	notifiers []Notifier
}

// NewMulti creates a notifier that sends to every destination
func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

// Send delivers the notification to all destinations
func (m *Multi) Send(n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier discards notifications, for disabled setups and tests
type NoopNotifier struct{}

func (NoopNotifier) Send(Notification) error { return nil }
