package registry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/itskum47/SwitchForge/observability"
	"github.com/itskum47/SwitchForge/store"
)

// saveTimeout bounds one port write so a stuck backend cannot wedge the
// save worker forever.
const saveTimeout = 10 * time.Second

type saveReq struct {
	snap *store.Snapshot
	ack  chan error // non-nil for synchronous saves
}

// saver serializes all persistence writes through a single FIFO worker.
// Running both asynchronous and synchronous saves through the same queue is
// what preserves per-id save ordering: a synchronous save simply waits for
// its request to drain.
type saver struct {
	port store.Port
	ch   chan saveReq

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func newSaver(port store.Port, queueSize int) *saver {
	s := &saver{
		port: port,
		ch:   make(chan saveReq, queueSize),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *saver) run() {
	defer close(s.done)
	for req := range s.ch {
		observability.SaveQueueDepth.Set(float64(len(s.ch)))
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		err := s.port.Save(ctx, req.snap)
		cancel()
		if err != nil {
			observability.SaveFailures.WithLabelValues("save").Inc()
			log.Printf("registry: save for machine %s failed: %v", req.snap.ID, err)
		}
		if req.ack != nil {
			req.ack <- err
		}
	}
}

// enqueue queues an asynchronous save. Blocks if the queue is full rather
// than dropping, so ordering and durability are preserved under backlog.
// Saves arriving after drain are dropped with a log line.
func (s *saver) enqueue(snap *store.Snapshot) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		log.Printf("registry: save queue closed, dropping save for machine %s", snap.ID)
		return
	}
	s.ch <- saveReq{snap: snap}
	observability.SaveQueueDepth.Set(float64(len(s.ch)))
}

// saveSync queues the save and waits until the worker has written it, which
// also flushes every earlier save for the same id.
func (s *saver) saveSync(snap *store.Snapshot) error {
	ack := make(chan error, 1)
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		log.Printf("registry: save queue closed, dropping save for machine %s", snap.ID)
		return nil
	}
	s.ch <- saveReq{snap: snap, ack: ack}
	s.mu.RUnlock()
	return <-ack
}

// drain stops accepting saves and waits up to timeout for the queue to
// flush. Returns false if the deadline passed with saves still pending.
func (s *saver) drain(timeout time.Duration) bool {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
