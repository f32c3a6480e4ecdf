package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"classmesh/internal/core/ports"
	"classmesh/pkg/codec"
	"classmesh/pkg/utils"
)

var ErrChannelClosed = errors.New("signaling channel closed")

type eventKind int

const (
	childAdded eventKind = iota
	childChanged
	childRemoved
	valueChanged
)

// Hub is a process-local signaling store shared by every Channel connected
// to it. Each Channel plays the role of one client connection.
type Hub struct {
	mu      sync.Mutex
	codec   codec.Codec
	records map[string][]byte
	subs    map[string][]*subscription
}

func NewHub(c codec.Codec) *Hub {
	if c == nil {
		c = codec.JSON()
	}
	return &Hub{
		codec:   c,
		records: make(map[string][]byte),
		subs:    make(map[string][]*subscription),
	}
}

// Connect opens a new client connection on the hub.
func (h *Hub) Connect() *Channel {
	return &Channel{
		hub:   h,
		hooks: make(map[string]disconnectOp),
		subs:  make(map[*subscription]struct{}),
	}
}

// Len returns the number of stored records.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

// Paths lists stored record paths under prefix, sorted.
func (h *Hub) Paths(prefix string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for p := range h.records {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (h *Hub) snapshot(p string, data []byte) ports.Snapshot {
	return ports.NewSnapshot(p, data, h.codec)
}

// emit must be called with h.mu held so per-subscription order follows the
// order of mutations.
func (h *Hub) emit(watched string, kind eventKind, snap ports.Snapshot) {
	for _, s := range h.subs[watched] {
		if s.kind == kind {
			s.enqueue(snap)
		}
	}
}

func (h *Hub) write(p string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writeLocked(p, data)
}

func (h *Hub) writeLocked(p string, data []byte) {
	prev, existed := h.records[p]
	h.records[p] = data
	snap := h.snapshot(p, data)

	switch {
	case !existed:
		h.emit(path.Dir(p), childAdded, snap)
	case !bytes.Equal(prev, data):
		h.emit(path.Dir(p), childChanged, snap)
	default:
		return
	}
	h.emit(p, valueChanged, snap)
}

// remove deletes p and every record below it.
func (h *Hub) remove(p string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prefix := p + "/"
	var doomed []string
	for k := range h.records {
		if k == p || strings.HasPrefix(k, prefix) {
			doomed = append(doomed, k)
		}
	}
	sort.Strings(doomed)
	for _, k := range doomed {
		last := h.records[k]
		delete(h.records, k)
		h.emit(path.Dir(k), childRemoved, h.snapshot(k, last))
		h.emit(k, valueChanged, h.snapshot(k, nil))
	}
}

func (h *Hub) children(p string) []ports.Snapshot {
	var out []ports.Snapshot
	for k, v := range h.records {
		if path.Dir(k) == p {
			out = append(out, h.snapshot(k, v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

type disconnectOp struct {
	remove bool
	data   []byte
}

// Channel is one connection to a Hub. Close behaves like a dropped client:
// registered disconnect operations run and subscriptions end.
type Channel struct {
	hub *Hub

	mu     sync.Mutex
	hooks  map[string]disconnectOp
	subs   map[*subscription]struct{}
	closed bool
}

var _ ports.SignalingChannel = (*Channel)(nil)

func (c *Channel) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	return nil
}

func (c *Channel) Write(ctx context.Context, p string, value any) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	data, err := c.hub.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p, err)
	}
	c.hub.write(p, data)
	return nil
}

func (c *Channel) Update(ctx context.Context, p string, fields map[string]any) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	merged, err := codec.Merge(h.codec, h.records[p], fields)
	if err != nil {
		return fmt.Errorf("update %s: %w", p, err)
	}
	h.writeLocked(p, merged)
	return nil
}

func (c *Channel) Push(ctx context.Context, p string, value any) (string, error) {
	key := utils.GeneratePushKey()
	if err := c.Write(ctx, p+"/"+key, value); err != nil {
		return "", err
	}
	return key, nil
}

func (c *Channel) Remove(ctx context.Context, p string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.hub.remove(p)
	return nil
}

func (c *Channel) ReadOnce(ctx context.Context, p string) (ports.Snapshot, error) {
	if err := c.check(ctx); err != nil {
		return ports.Snapshot{}, err
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.hub.snapshot(p, c.hub.records[p]), nil
}

func (c *Channel) Children(ctx context.Context, p string) ([]ports.Snapshot, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.hub.children(p), nil
}

func (c *Channel) OnChildAdded(p string, h ports.SnapshotHandler) (ports.Subscription, error) {
	return c.subscribe(p, childAdded, h)
}

func (c *Channel) OnChildChanged(p string, h ports.SnapshotHandler) (ports.Subscription, error) {
	return c.subscribe(p, childChanged, h)
}

func (c *Channel) OnChildRemoved(p string, h ports.SnapshotHandler) (ports.Subscription, error) {
	return c.subscribe(p, childRemoved, h)
}

func (c *Channel) OnValueChanged(p string, h ports.SnapshotHandler) (ports.Subscription, error) {
	return c.subscribe(p, valueChanged, h)
}

func (c *Channel) subscribe(p string, kind eventKind, handler ports.SnapshotHandler) (ports.Subscription, error) {
	if err := c.check(context.Background()); err != nil {
		return nil, err
	}
	s := &subscription{kind: kind, path: p, handler: handler, owner: c}

	hub := c.hub
	hub.mu.Lock()
	switch kind {
	case childAdded:
		for _, snap := range hub.children(p) {
			s.enqueue(snap)
		}
	case valueChanged:
		s.enqueue(hub.snapshot(p, hub.records[p]))
	}
	hub.subs[p] = append(hub.subs[p], s)
	hub.mu.Unlock()

	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()
	return s, nil
}

func (c *Channel) unsubscribe(s *subscription) {
	hub := c.hub
	hub.mu.Lock()
	list := hub.subs[s.path]
	for i, cur := range list {
		if cur == s {
			hub.subs[s.path] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(hub.subs[s.path]) == 0 {
		delete(hub.subs, s.path)
	}
	hub.mu.Unlock()

	c.mu.Lock()
	delete(c.subs, s)
	c.mu.Unlock()
}

func (c *Channel) OnDisconnectRemove(ctx context.Context, p string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[p] = disconnectOp{remove: true}
	return nil
}

func (c *Channel) OnDisconnectSet(ctx context.Context, p string, value any) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	data, err := c.hub.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode disconnect value for %s: %w", p, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[p] = disconnectOp{data: data}
	return nil
}

func (c *Channel) CancelOnDisconnect(ctx context.Context, p string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.hooks, p)
	return nil
}

// Close runs the disconnect operations in path order and cancels every
// subscription of this connection. Closing twice is a no-op.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	hooks := c.hooks
	c.hooks = nil
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}

	paths := make([]string, 0, len(hooks))
	for p := range hooks {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if op := hooks[p]; op.remove {
			c.hub.remove(p)
		} else {
			c.hub.write(p, op.data)
		}
	}
	return nil
}

// subscription delivers events to its handler one at a time, in order, on
// a goroutine that exists only while events are pending.
type subscription struct {
	kind    eventKind
	path    string
	handler ports.SnapshotHandler
	owner   *Channel

	mu        sync.Mutex
	queue     []ports.Snapshot
	running   bool
	cancelled bool
	once      sync.Once
}

func (s *subscription) enqueue(snap ports.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
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
		s.mu.Unlock()
		s.owner.unsubscribe(s)
	})
}
