package redis

import (
	"sync"

	"classmesh/internal/core/ports"
)

const (
	opAdded   = "added"
	opChanged = "changed"
	opRemoved = "removed"
	opValue   = "value"
)

// subscription filters events for one handler and delivers them in order.
// Live events are held back until the initial state has been released.
type subscription struct {
	owner   *Channel
	channel string
	path    string
	op      string
	handler ports.SnapshotHandler

	mu        sync.Mutex
	held      []ports.Snapshot
	heldOps   []string
	releasing bool
	seen      map[string]bool
	last      []byte
	queue     []ports.Snapshot
	running   bool
	cancelled bool
	once      sync.Once
}

func newSubscription(owner *Channel, channel, path, op string, h ports.SnapshotHandler) *subscription {
	return &subscription{
		owner:     owner,
		channel:   channel,
		path:      path,
		op:        op,
		handler:   h,
		releasing: true,
		seen:      make(map[string]bool),
	}
}

func (s *subscription) snapshot(key string, data []byte) ports.Snapshot {
	p := s.path
	if s.op != opValue {
		p = s.path + "/" + key
	}
	return ports.NewSnapshot(p, data, s.owner.codec)
}

func (s *subscription) deliver(op, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	snap := s.snapshot(key, data)
	if s.releasing {
		s.held = append(s.held, snap)
		s.heldOps = append(s.heldOps, op)
		return
	}
	s.accept(op, snap)
}

// accept applies the op filter; s.mu must be held.
func (s *subscription) accept(op string, snap ports.Snapshot) {
	switch s.op {
	case opAdded:
		switch op {
		case opAdded:
			if s.seen[snap.Key] {
				return
			}
			s.seen[snap.Key] = true
			s.enqueue(snap)
		case opRemoved:
			delete(s.seen, snap.Key)
		}
	case opValue:
		if op != opValue || string(snap.Raw()) == string(s.last) {
			return
		}
		s.last = snap.Raw()
		s.enqueue(snap)
	default:
		if op == s.op {
			s.enqueue(snap)
		}
	}
}

// release delivers the initial state, then the events held meanwhile.
func (s *subscription) release(initial []ports.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	for _, snap := range initial {
		switch s.op {
		case opAdded:
			s.seen[snap.Key] = true
		case opValue:
			s.last = snap.Raw()
		}
		s.enqueue(snap)
	}
	for i, snap := range s.held {
		s.accept(s.heldOps[i], snap)
	}
	s.held, s.heldOps = nil, nil
	s.releasing = false
}

func (s *subscription) enqueue(snap ports.Snapshot) {
	s.queue = append(s.queue, snap)
	if !s.running {
		s.running = true
		go s.drain()
	}
}

func (s *subscription) drain() {
	for {
		s.mu.Lock()
		if s.cancelled || len(s.queue) == 0 {
			s.running = false
			s.queue = nil
			s.mu.Unlock()
			return
		}
		snap := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.handler(snap)
	}
}

func (s *subscription) Cancel() {
	s.once.Do(func() {
		s.mu.Lock()
		s.cancelled = true
		s.queue = nil
		s.held = nil
		s.mu.Unlock()
		s.owner.unroute(s)
	})
}
