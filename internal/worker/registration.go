package worker

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// ControllerChange is emitted when a newly activated worker claims the
// clients.
type ControllerChange struct {
	PreviousID string
	CurrentID  string
	Version    int
}

// Registration holds the active (controlling) worker and at most one waiting
// worker, and routes host messages to them.
type Registration struct {
	log zerolog.Logger

	// lifecycle serializes install/activate so a reload and a skipWaiting
	// message cannot interleave.
	lifecycle sync.Mutex

	mu        sync.Mutex
	active    *Worker
	waiting   *Worker
	retired   []*Worker
	listeners map[int]func(ControllerChange)
	nextID    int
}

func NewRegistration(logger zerolog.Logger) *Registration {
	return &Registration{
		log:       logger.With().Str("component", "registration").Logger(),
		listeners: map[int]func(ControllerChange){},
	}
}

// Controller returns the worker currently handling requests, or nil.
func (r *Registration) Controller() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// OnControllerChange registers fn and returns a function that removes it.
func (r *Registration) OnControllerChange(fn func(ControllerChange)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Register installs w and makes it the waiting worker. It activates at once
// when nothing is active yet or when the install asked to skip waiting. The
// install error, if any, is returned after the worker has been parked.
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	installErr := w.Install(ctx)
	if installErr != nil {
		r.log.Error().Err(installErr).Str("worker_id", w.ID()).Msg("Cache installation failed")
	}

	r.mu.Lock()
	if prev := r.waiting; prev != nil && prev != w {
		prev.retire()
		r.retired = append(r.retired, prev)
	}
	r.waiting = w
	noActive := r.active == nil
	r.mu.Unlock()

	if noActive || w.SkipsWaiting() {
		r.activateWaiting(ctx)
	} else {
		r.log.Info().Str("worker_id", w.ID()).Msg("New worker installed and waiting to activate")
	}
	return installErr
}

// activateWaiting must be called with r.lifecycle held.
func (r *Registration) activateWaiting(ctx context.Context) {
	r.mu.Lock()
	w := r.waiting
	r.waiting = nil
	r.mu.Unlock()
	if w == nil {
		return
	}

	// The old controller keeps serving until the claim below, but must not
	// write into a generation that Activate is about to delete.
	if prev := r.Controller(); prev != nil {
		prev.closeWrites()
	}
	if err := w.Activate(ctx); err != nil {
		r.log.Error().Err(err).Str("worker_id", w.ID()).Msg("Error during activation")
	}

	// claim
	r.mu.Lock()
	prev := r.active
	r.active = w
	if prev != nil {
		r.retired = append(r.retired, prev)
	}
	listeners := make([]func(ControllerChange), 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	r.mu.Unlock()

	ev := ControllerChange{CurrentID: w.ID(), Version: w.Version()}
	if prev != nil {
		prev.retire()
		ev.PreviousID = prev.ID()
	}
	r.log.Info().Str("worker_id", w.ID()).Int("version", w.Version()).Msg("Claimed clients")
	for _, fn := range listeners {
		fn(ev)
	}
}

// PostMessage delivers msg without any acknowledgement to the sender.
// skipWaiting goes to the waiting worker and promotes it; every other message
// goes to the controller.
func (r *Registration) PostMessage(ctx context.Context, msg Message) error {
	if msg.Type == MsgSkipWaiting {
		r.lifecycle.Lock()
		defer r.lifecycle.Unlock()

		w := r.Waiting()
		if w == nil {
			r.log.Debug().Msg("skipWaiting with no waiting worker")
			return nil
		}
		if err := w.HandleMessage(ctx, msg); err != nil {
			return err
		}
		r.activateWaiting(ctx)
		return nil
	}

	c := r.Controller()
	if c == nil {
		return ErrNoController
	}
	return c.HandleMessage(ctx, msg)
}

// Close waits for background work of every worker this registration has seen.
func (r *Registration) Close() {
	r.mu.Lock()
	all := append([]*Worker(nil), r.retired...)
	if r.active != nil {
		all = append(all, r.active)
	}
	if r.waiting != nil {
		all = append(all, r.waiting)
	}
	r.mu.Unlock()
	for _, w := range all {
		w.Wait()
	}
}
