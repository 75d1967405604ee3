// Package coordinator implements the daemon's session state machine, file
// system event classification, and finalizer work queue: the orchestration
// layer MediaArchiverDaemon occupies in the original implementation.
package coordinator

import (
	"context"
	"log"
	"sync"
	"time"

	"mediarchiver/internal/catalog"
	"mediarchiver/internal/daemonerr"
)

// Coordinator owns the session table (keyed by RPC connection id), the
// finalizer work queue, and the stop/idle bookkeeping that ties worker
// sessions, the finalizer goroutine, and shutdown together. A single
// instance is shared by the RPC server's handler goroutines, the FS watcher
// listener, and the finalizer goroutine.
type Coordinator struct {
	cfg    Config
	cat    *catalog.Catalog
	logger *log.Logger

	mu            sync.Mutex
	cond          *sync.Cond
	sessions      map[uint64]*session
	queue         []FileToMove
	stopRequested bool
}

// New creates a Coordinator. cfg supplies the encode/naming tunables; cat is
// the already-initialized catalog; logger receives diagnostics.
func New(cfg Config, cat *catalog.Catalog, logger *log.Logger) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		cat:      cat,
		logger:   logger,
		sessions: make(map[uint64]*session),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// isIdleLocked reports whether no session has an open stream and the
// finalizer queue is empty. Caller must hold c.mu.
func (c *Coordinator) isIdleLocked() bool {
	for _, s := range c.sessions {
		if s.hasOpenStreams() {
			return false
		}
	}
	return len(c.queue) == 0
}

// IsIdle reports whether the coordinator has no open streams and an empty
// finalizer queue.
func (c *Coordinator) IsIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isIdleLocked()
}

// StopRequested reports whether Stop has been called.
func (c *Coordinator) StopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRequested
}

// Stop requests shutdown. A plain stop lets in-flight sessions finish
// normally; forced additionally abandons every session's open streams and
// resets their reserved jobs back to Queued, matching the two-stage SIGINT
// handling in §6.6. Either way the finalizer loop (RunFinalizer) is the
// component that actually observes stopRequested && isIdle and returns.
func (c *Coordinator) Stop(forced bool) {
	c.mu.Lock()
	c.stopRequested = true
	var toReset []int64
	if forced {
		for _, s := range c.sessions {
			if id := c.abandonLocked(s); id != 0 {
				toReset = append(toReset, id)
			}
		}
	}
	c.mu.Unlock()
	c.cond.Broadcast()

	for _, sourceID := range toReset {
		if err := c.cat.Reset(context.Background(), sourceID); err != nil {
			c.logger.Printf("coordinator: forced abandon reset source %d: %v", sourceID, err)
		}
	}
}

// abandonLocked closes a session's open streams and clears its reserved
// job, returning the source id that needs a Catalog.Reset (0 if none).
// Caller must hold c.mu; the catalog write itself happens after Stop
// releases the lock.
func (c *Coordinator) abandonLocked(s *session) int64 {
	if s.dlFile != nil {
		s.dlFile.Close()
		s.dlFile = nil
	}
	if s.ulFile != nil {
		s.ulFile.Close()
		s.ulFile = nil
	}
	sourceID := s.reservedSourceID
	s.reservedSourceID = 0
	s.state = StateIdle
	return sourceID
}

// session looks up the session for connID, returning NotAuthenticated if
// there is none yet.
func (c *Coordinator) session(connID uint64) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[connID]
	if !ok {
		return nil, daemonerr.NotAuthenticated("no session for this connection")
	}
	return s, nil
}

// Authenticate binds connID to token. If another connection already holds a
// session under the same token, that session's state is adopted onto
// connID and the old connection's entry is dropped — this is how a worker
// reclaims its reserved job after a transport drop (spec §4.5.1, §7
// TransportError). Authenticate always succeeds.
func (c *Coordinator) Authenticate(connID uint64, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, s := range c.sessions {
		if s.token == token && id != connID {
			delete(c.sessions, id)
			s.connID = connID
			s.lastActivity = time.Now()
			c.sessions[connID] = s
			return
		}
	}

	if s, ok := c.sessions[connID]; ok {
		s.token = token
		s.lastActivity = time.Now()
		return
	}

	c.sessions[connID] = &session{
		connID:       connID,
		token:        token,
		state:        StateIdle,
		lastActivity: time.Now(),
	}
}
