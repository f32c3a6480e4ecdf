package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"
	"classmesh/pkg/cache"

	"go.uber.org/zap"
)

// RosterListener receives participant changes other than the local one.
type RosterListener interface {
	ParticipantJoined(p domain.Participant)
	ParticipantUpdated(p domain.Participant)
	ParticipantLeft(p domain.Participant)
}

// Roster mirrors the room's participant records and tracks the current
// teacher. Records that do not decode as participants are skipped.
type Roster struct {
	channel ports.SignalingChannel
	room    domain.RoomID
	self    domain.ParticipantID
	fetched *cache.Cache[domain.Participant]
	logger  *zap.SugaredLogger

	mu           sync.RWMutex
	participants map[domain.ParticipantID]domain.Participant
	teacher      domain.ParticipantID
	subs         []ports.Subscription
}

func NewRoster(channel ports.SignalingChannel, room domain.RoomID, self domain.ParticipantID, logger *zap.SugaredLogger) *Roster {
	return &Roster{
		channel:      channel,
		room:         room,
		self:         self,
		fetched:      cache.New[domain.Participant](5 * time.Second),
		logger:       logger,
		participants: make(map[domain.ParticipantID]domain.Participant),
	}
}

// Start subscribes to participant additions, changes and removals.
func (r *Roster) Start(listener RosterListener) error {
	path := ParticipantsPath(r.room)

	added, err := r.channel.OnChildAdded(path, func(snap ports.Snapshot) {
		p, ok := r.decode(snap)
		if !ok {
			return
		}
		r.put(p)
		if p.ID != r.self {
			listener.ParticipantJoined(p)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to participant additions: %w", err)
	}
	changed, err := r.channel.OnChildChanged(path, func(snap ports.Snapshot) {
		p, ok := r.decode(snap)
		if !ok {
			return
		}
		r.put(p)
		if p.ID != r.self {
			listener.ParticipantUpdated(p)
		}
	})
	if err != nil {
		added.Cancel()
		return fmt.Errorf("subscribe to participant changes: %w", err)
	}
	removed, err := r.channel.OnChildRemoved(path, func(snap ports.Snapshot) {
		id := domain.ParticipantID(snap.Key)
		p, _ := r.decode(snap)
		p.ID = id
		r.remove(id)
		if id != r.self {
			listener.ParticipantLeft(p)
		}
	})
	if err != nil {
		added.Cancel()
		changed.Cancel()
		return fmt.Errorf("subscribe to participant removals: %w", err)
	}

	r.mu.Lock()
	r.subs = append(r.subs, added, changed, removed)
	r.mu.Unlock()
	return nil
}

func (r *Roster) decode(snap ports.Snapshot) (domain.Participant, bool) {
	var p domain.Participant
	if !snap.Exists() {
		return p, false
	}
	if err := snap.Decode(&p); err != nil {
		r.logger.Debugw("skipping undecodable participant record", "key", snap.Key, "error", err)
		return p, false
	}
	if !p.Role.Valid() {
		r.logger.Debugw("skipping record without a classroom role", "key", snap.Key)
		return p, false
	}
	p.ID = domain.ParticipantID(snap.Key)
	return p, true
}

func (r *Roster) put(p domain.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants[p.ID] = p
	if p.IsTeacher() && (r.teacher == "" || joinedBefore(p, r.participants[r.teacher])) {
		r.teacher = p.ID
	}
	r.fetched.Delete(string(p.ID))
}

// remove drops id and, when it was the current teacher, rescans for another.
func (r *Roster) remove(id domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.participants, id)
	r.fetched.Delete(string(id))
	if r.teacher != id {
		return
	}
	r.teacher = ""
	var next *domain.Participant
	for _, p := range r.participants {
		if !p.IsTeacher() {
			continue
		}
		if next == nil || joinedBefore(p, *next) {
			cp := p
			next = &cp
		}
	}
	if next != nil {
		r.teacher = next.ID
	}
}

func joinedBefore(a, b domain.Participant) bool {
	if a.JoinedAt != b.JoinedAt {
		return a.JoinedAt < b.JoinedAt
	}
	return a.ID < b.ID
}

func (r *Roster) Get(id domain.ParticipantID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[id]
	return p, ok
}

// Lookup returns the roster copy, or reads the record from the channel when
// the subscription has not reported it yet.
func (r *Roster) Lookup(ctx context.Context, id domain.ParticipantID) (domain.Participant, error) {
	if p, ok := r.Get(id); ok {
		return p, nil
	}
	return r.fetched.GetOrSet(ctx, string(id), func(ctx context.Context) (domain.Participant, error) {
		return r.read(ctx, id)
	})
}

// Refresh always reads the record from the channel.
func (r *Roster) Refresh(ctx context.Context, id domain.ParticipantID) (domain.Participant, error) {
	p, err := r.read(ctx, id)
	if err != nil {
		return p, err
	}
	r.mu.Lock()
	if _, known := r.participants[id]; known {
		r.participants[id] = p
	}
	r.mu.Unlock()
	return p, nil
}

func (r *Roster) read(ctx context.Context, id domain.ParticipantID) (domain.Participant, error) {
	snap, err := r.channel.ReadOnce(ctx, ParticipantPath(r.room, id))
	if err != nil {
		return domain.Participant{}, fmt.Errorf("read participant %s: %w", id, err)
	}
	p, ok := r.decode(snap)
	if !ok {
		return domain.Participant{}, fmt.Errorf("%w: %s", domain.ErrParticipantNotFound, id)
	}
	return p, nil
}

// List returns participants ordered by join time.
func (r *Roster) List() []domain.Participant {
	r.mu.RLock()
	out := make([]domain.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt != out[j].JoinedAt {
			return out[i].JoinedAt < out[j].JoinedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Roster) CurrentTeacher() (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.teacher == "" {
		return domain.Participant{}, false
	}
	p, ok := r.participants[r.teacher]
	return p, ok
}

// Stop cancels the subscriptions and empties the roster.
func (r *Roster) Stop() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.participants = make(map[domain.ParticipantID]domain.Participant)
	r.teacher = ""
	r.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	r.fetched.Stop()
}

// ReadRoster reads the room's participant records once, without
// subscribing, ordered by join time.
func ReadRoster(ctx context.Context, channel ports.SignalingChannel, room domain.RoomID, logger *zap.SugaredLogger) ([]domain.Participant, error) {
	snaps, err := channel.Children(ctx, ParticipantsPath(room))
	if err != nil {
		return nil, fmt.Errorf("read participants: %w", err)
	}

	r := &Roster{logger: logger}
	out := make([]domain.Participant, 0, len(snaps))
	for _, snap := range snaps {
		if p, ok := r.decode(snap); ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return joinedBefore(out[i], out[j]) })
	return out, nil
}
