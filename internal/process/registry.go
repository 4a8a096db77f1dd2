package process

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
)

// Registry tracks live managed processes so a shutdown handler can
// terminate every outstanding child. Processes register at construction
// and are removed when their result is memoized.
type Registry struct {
	mu        sync.RWMutex
	processes map[string]*ManagedProcess
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		processes: make(map[string]*ManagedProcess),
		logger:    logger,
	}
}

// Register adds m to the registry.
func (r *Registry) Register(m *ManagedProcess) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processes[m.ID()] = m
}

// Remove drops the process with id. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.processes, id)
}

// Get returns the registered process with id.
func (r *Registry) Get(id string) (*ManagedProcess, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.processes[id]
	return m, ok
}

// Len returns the number of registered processes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.processes)
}

// List returns info for every registered process, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	procs := make([]*ManagedProcess, 0, len(r.processes))
	for _, m := range r.processes {
		procs = append(procs, m)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(procs))
	for _, m := range procs {
		infos = append(infos, m.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// TerminateAll terminates every running process concurrently and waits for
// them to finish or ctx to expire.
func (r *Registry) TerminateAll(ctx context.Context) error {
	r.mu.RLock()
	running := make([]*ManagedProcess, 0, len(r.processes))
	for _, m := range r.processes {
		if m.State() == StateRunning {
			running = append(running, m)
		}
	}
	r.mu.RUnlock()

	if len(running) == 0 {
		return nil
	}
	r.logger.Info("Terminating all processes", "count", len(running))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, m := range running {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Terminate(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	r.logger.Info("All processes terminated")
	return errors.Join(errs...)
}

// HandleSignals calls onSignal (which may be nil) when SIGINT or SIGTERM
// arrives, then terminates whatever is still registered. onSignal should
// cancel the contexts that own running processes, so those runs end through
// cancellation; TerminateAll only catches the rest. The returned function
// stops signal handling.
func (r *Registry) HandleSignals(ctx context.Context, onSignal func(os.Signal)) func() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigChan:
			r.logger.Info("Received shutdown signal", "signal", sig.String())
			if onSignal != nil {
				onSignal(sig)
			}
			if err := r.TerminateAll(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn("Failed to terminate some processes", "error", err)
			}
		}
	}()

	return func() {
		signal.Stop(sigChan)
		cancel()
	}
}
