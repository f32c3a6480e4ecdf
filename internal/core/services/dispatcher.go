package services

import (
	"sync"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"

	"github.com/pion/webrtc/v4"
)

// Events posted to a peer's mailbox. Events carrying a generation belong to
// one session object and are dropped once that session has been replaced.
type (
	evPeerJoined struct{ peer domain.Participant }
	evPeerLeft   struct{}
	evSignal     struct{ msg domain.SignalMessage }

	evCreate struct {
		initiator bool
		done      chan struct{}
	}
	evClose struct{ done chan struct{} }

	evLocalCandidate struct {
		gen       uint64
		candidate webrtc.ICECandidateInit
	}
	evRemoteTrack struct {
		gen   uint64
		track ports.RemoteTrack
	}
	evConnState struct {
		gen   uint64
		state webrtc.PeerConnectionState
	}
	evNegotiate struct{ gen uint64 }
	evRestart   struct{ gen uint64 }

	// evSyncMedia attaches the current outgoing tracks. gen 0 targets
	// whatever session is live.
	evSyncMedia struct {
		gen  uint64
		done chan error
	}
)

type mailbox struct {
	queue   []any
	running bool
}

// dispatcher serializes events per peer. Each peer with queued events has
// one goroutine draining its mailbox; the goroutine exits once it is empty.
type dispatcher struct {
	mu      sync.Mutex
	boxes   map[domain.ParticipantID]*mailbox
	handle  func(domain.ParticipantID, any)
	stopped bool
	wg      sync.WaitGroup
}

func newDispatcher(handle func(domain.ParticipantID, any)) *dispatcher {
	return &dispatcher{
		boxes:  make(map[domain.ParticipantID]*mailbox),
		handle: handle,
	}
}

// post reports false when the dispatcher has been stopped.
func (d *dispatcher) post(peer domain.ParticipantID, ev any) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return false
	}
	box, ok := d.boxes[peer]
	if !ok {
		box = &mailbox{}
		d.boxes[peer] = box
	}
	box.queue = append(box.queue, ev)
	if !box.running {
		box.running = true
		d.wg.Add(1)
		go d.run(peer, box)
	}
	return true
}

func (d *dispatcher) run(peer domain.ParticipantID, box *mailbox) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(box.queue) == 0 {
			box.running = false
			delete(d.boxes, peer)
			d.mu.Unlock()
			return
		}
		ev := box.queue[0]
		box.queue[0] = nil
		box.queue = box.queue[1:]
		d.mu.Unlock()

		d.handle(peer, ev)
	}
}

// stop rejects further posts and waits for in-flight mailboxes to drain.
func (d *dispatcher) stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.wg.Wait()
}
