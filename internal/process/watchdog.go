package process

import (
	"sync"
	"time"
)

// watchdog calls fire when Arm has not been called for window. Both drain
// loops share one watchdog, so output on either stream keeps it quiet.
// A zero window disables it.
type watchdog struct {
	window time.Duration
	fire   func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func newWatchdog(window time.Duration, fire func()) *watchdog {
	w := &watchdog{window: window}
	w.fire = func() {
		w.mu.Lock()
		stopped := w.stopped
		w.mu.Unlock()
		if !stopped {
			fire()
		}
	}
	return w
}

// Arm (re)starts the quiescence window.
func (w *watchdog) Arm() {
	if w.window <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.window, w.fire)
		return
	}
	w.timer.Reset(w.window)
}

// Stop disarms the watchdog permanently.
func (w *watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}
