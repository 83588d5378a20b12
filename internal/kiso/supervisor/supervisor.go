// Package supervisor owns the set of live per-session workers: it spawns
// one on first message, routes later messages and cancel requests to the
// right one, and re-spawns workers for messages left unprocessed by an
// unclean shutdown.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kiso-run/kiso/internal/kiso/store"
	"github.com/kiso-run/kiso/internal/kiso/worker"
)

// Supervisor manages a set of session workers.
type Supervisor struct {
	mu      sync.Mutex
	workers map[string]*worker.Worker

	store   *store.Store
	newDeps func(session string) worker.Deps

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Supervisor. newDeps is called once per spawned worker to
// build its Deps (each worker owns its own gateway/brain instance, so Deps
// cannot simply be copied from a shared value).
func New(st *store.Store, newDeps func(session string) worker.Deps) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		workers: make(map[string]*worker.Worker),
		store:   st,
		newDeps: newDeps,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnMessage enqueues msg on the named session's worker, spawning one first
// if none is currently running. Re-entry after a worker has idled out
// transparently spawns a fresh one, per spec.md §4.7.
func (s *Supervisor) OnMessage(session string, msg worker.Message) {
	w := s.getOrSpawnLocked(session)
	if !w.Enqueue(msg) {
		slog.Warn("session queue full, message stays unprocessed until drained", "session", session)
	}
}

// OnCancel requests cooperative cancellation of the session's in-flight
// plan, if a worker is currently running for it. A session with no live
// worker has nothing in flight to cancel.
func (s *Supervisor) OnCancel(session string) {
	s.mu.Lock()
	w, ok := s.workers[session]
	s.mu.Unlock()
	if ok {
		w.RequestCancel()
	}
}

// WorkerStatus reports whether a worker is currently live for session, and
// if so its queue depth and the task id it is presently executing (0 if
// between tasks). Used by GET /status/{session}.
func (s *Supervisor) WorkerStatus(session string) (running bool, queueLength int, activeTask int64) {
	s.mu.Lock()
	w, ok := s.workers[session]
	s.mu.Unlock()
	if !ok {
		return false, 0, 0
	}
	return true, w.QueueLength(), w.ActiveTask()
}

// Names returns every session with a currently live worker.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.workers))
	for name := range s.workers {
		out = append(out, name)
	}
	return out
}

func (s *Supervisor) getOrSpawnLocked(session string) *worker.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.workers[session]; ok {
		return w
	}

	w := worker.New(session, s.newDeps(session))
	s.workers[session] = w
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.Run(s.ctx)
		s.reap(session, w)
	}()
	return w
}

// reap drops the worker from the registry once it idles out, so the next
// OnMessage for that session spawns a fresh one rather than writing into a
// channel nobody drains anymore.
func (s *Supervisor) reap(session string, w *worker.Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.workers[session]; ok && current == w {
		delete(s.workers, session)
	}
}

// OnStartup recovers plans/tasks left running by an unclean shutdown and
// re-enqueues every message the recovery swept up as unprocessed, spawning
// a worker per affected session.
func (s *Supervisor) OnStartup() error {
	unprocessed, err := s.store.RecoverRunningOnStartup()
	if err != nil {
		return err
	}
	for _, u := range unprocessed {
		msg, err := s.store.GetMessage(u.MessageID)
		if err != nil {
			slog.Error("startup recovery: could not load message", "message_id", u.MessageID, "err", err)
			continue
		}
		s.OnMessage(u.Session, worker.Message{
			ID:      msg.ID,
			User:    msg.User.String,
			Content: msg.Content,
			Trusted: msg.Trusted,
		})
	}
	return nil
}

// Shutdown cancels every running worker's context and waits up to grace
// for them to finish their current message before returning.
func (s *Supervisor) Shutdown(grace time.Duration) {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("shutdown grace period elapsed with workers still running")
	}
}
