package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"
	"classmesh/pkg/cache"
	"classmesh/pkg/tracing"
	"classmesh/pkg/utils"

	"go.uber.org/zap"
)

type RelayConfig struct {
	// SignalTTL bounds how long an unconsumed record stays in the channel.
	SignalTTL time.Duration
	// DedupTTL is how long a consumed message key is remembered.
	DedupTTL time.Duration
}

// SignalRelay carries negotiation messages over the signaling channel. Each
// participant reads only its own list under rooms/{room}/signals/{id}.
type SignalRelay struct {
	channel ports.SignalingChannel
	room    domain.RoomID
	self    domain.ParticipantID
	cfg     RelayConfig
	dedup   *cache.Cache[struct{}]
	metrics ports.SessionMetrics
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	lastTS  int64
	sub     ports.Subscription
	cleanup map[string]*time.Timer
	closed  bool
}

func NewSignalRelay(channel ports.SignalingChannel, room domain.RoomID, self domain.ParticipantID, cfg RelayConfig, metrics ports.SessionMetrics, logger *zap.SugaredLogger) *SignalRelay {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &SignalRelay{
		channel: channel,
		room:    room,
		self:    self,
		cfg:     cfg,
		dedup:   cache.New[struct{}](cfg.DedupTTL),
		metrics: metrics,
		logger:  logger,
		cleanup: make(map[string]*time.Timer),
	}
}

// nextTimestamp is strictly increasing so that two messages of the same type
// sent within one millisecond keep distinct dedup keys.
func (r *SignalRelay) nextTimestamp() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := utils.NowMillis()
	if ts <= r.lastTS {
		ts = r.lastTS + 1
	}
	r.lastTS = ts
	return ts
}

// Send stamps msg with sender and timestamp, appends it to the recipient's
// list and schedules its deletion after the signal TTL.
func (r *SignalRelay) Send(ctx context.Context, to domain.ParticipantID, msg domain.SignalMessage) error {
	ctx, span := tracing.TraceSignal(ctx, "send", string(msg.Type), string(to))
	defer span.End()

	msg.From = r.self
	msg.To = to
	msg.Timestamp = r.nextTimestamp()

	base := SignalsPath(r.room, to)
	key, err := r.channel.Push(ctx, base, &msg)
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("push %s to %s: %w", msg.Type, to, err)
	}
	r.metrics.SignalSent(msg.Type)
	r.scheduleCleanup(base + "/" + key)
	return nil
}

func (r *SignalRelay) scheduleCleanup(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.cleanup[path] = time.AfterFunc(r.cfg.SignalTTL, func() {
		r.mu.Lock()
		delete(r.cleanup, path)
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.channel.Remove(ctx, path); err != nil {
			r.logger.Debugw("signal cleanup failed", "path", path, "error", err)
		}
	})
}

// Listen subscribes to this participant's signal list. Every record is
// deleted on receipt; self-originated, malformed and duplicate messages are
// dropped before handler runs.
func (r *SignalRelay) Listen(handler func(domain.SignalMessage)) error {
	sub, err := r.channel.OnChildAdded(SignalsPath(r.room, r.self), func(snap ports.Snapshot) {
		r.receive(snap, handler)
	})
	if err != nil {
		return fmt.Errorf("subscribe to signals: %w", err)
	}

	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
	return nil
}

func (r *SignalRelay) receive(snap ports.Snapshot, handler func(domain.SignalMessage)) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.channel.Remove(ctx, snap.Path); err != nil {
		r.logger.Debugw("failed to delete consumed signal", "path", snap.Path, "error", err)
	}

	var msg domain.SignalMessage
	if err := snap.Decode(&msg); err != nil {
		r.metrics.SignalDropped("malformed")
		r.logger.Warnw("undecodable signal record", "key", snap.Key, "error", err)
		return
	}
	msg.Key = snap.Key

	if msg.From == r.self {
		return
	}
	if err := msg.Validate(); err != nil {
		r.metrics.SignalDropped("malformed")
		r.logger.Warnw("malformed signal", "key", snap.Key, "error", err)
		return
	}
	if !r.dedup.Add(msg.DedupKey(), struct{}{}) {
		r.metrics.SignalDropped("duplicate")
		r.logger.Debugw("duplicate signal", "key", msg.DedupKey())
		return
	}

	_, span := tracing.TraceSignal(ctx, "receive", string(msg.Type), string(msg.From))
	handler(msg)
	span.End()
}

// Close cancels the subscription and forgets the dedup set. Pending
// cleanup deletes are run immediately.
func (r *SignalRelay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sub := r.sub
	r.sub = nil
	pending := make([]string, 0, len(r.cleanup))
	for path, t := range r.cleanup {
		t.Stop()
		pending = append(pending, path)
	}
	r.cleanup = make(map[string]*time.Timer)
	r.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	r.dedup.Clear()
	r.dedup.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, path := range pending {
		_ = r.channel.Remove(ctx, path)
	}
}
