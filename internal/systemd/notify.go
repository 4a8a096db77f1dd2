// Package systemd reports service state to the systemd supervisor through
// the sd_notify protocol. Outside a Type=notify unit every call is a no-op.
package systemd

import (
	"fmt"
	"log/slog"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages and logs delivery failures.
type Notifier struct {
	logger *slog.Logger
}

// NewNotifier creates a notifier.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{logger: logger}
}

// Ready tells systemd that startup finished.
func (n *Notifier) Ready() bool {
	return n.send(daemon.SdNotifyReady)
}

// Stopping tells systemd that shutdown began.
func (n *Notifier) Stopping() bool {
	return n.send(daemon.SdNotifyStopping)
}

// Status publishes a free-form status line shown by systemctl status.
func (n *Notifier) Status(format string, args ...any) bool {
	return n.send("STATUS=" + fmt.Sprintf(format, args...))
}

// send reports whether the message was delivered.
func (n *Notifier) send(state string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.logger.Warn("Failed to notify systemd", "state", state, "error", err)
		return false
	}
	return sent
}
