package redis

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"classmesh/internal/core/ports"
	"classmesh/pkg/circuitbreaker"
	"classmesh/pkg/codec"
	"classmesh/pkg/distributed"
	"classmesh/pkg/retry"
	"classmesh/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrChannelClosed = errors.New("signaling channel closed")

// Key layout, all under the configured prefix:
//
//	rec:{path}     record value
//	idx:{path}     set of child keys below path
//	ev:{path}      pub/sub channel for child events below path
//	val:{path}     pub/sub channel for value events of path
//	lease:{conn}   connection liveness, expires without heartbeat
//	leases         zset of connection -> lease expiry (ms)
//	ondc:{conn}    hash of path -> disconnect operation
//
// Events are published as "op\nkey\ndata" so binary codecs pass through.

var writeScript = redis.NewScript(`
local prev = redis.call("GET", KEYS[1])
if prev == ARGV[1] then return 0 end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("SADD", KEYS[2], ARGV[2])
local op = "changed"
if not prev then op = "added" end
redis.call("PUBLISH", ARGV[3], op .. "\n" .. ARGV[2] .. "\n" .. ARGV[1])
redis.call("PUBLISH", ARGV[4], "value\n" .. ARGV[2] .. "\n" .. ARGV[1])
return 1
`)

// KEYS[1] record, KEYS[2] parent index, KEYS[3] own child index.
// ARGV: key, parent event channel, own value channel, prefix, path.
var removeScript = redis.NewScript(`
local removed = 0
local kids = redis.call("SMEMBERS", KEYS[3])
for _, k in ipairs(kids) do
	local rk = ARGV[4] .. "rec:" .. ARGV[5] .. "/" .. k
	local v = redis.call("GET", rk)
	if v then
		redis.call("DEL", rk)
		redis.call("PUBLISH", ARGV[4] .. "ev:" .. ARGV[5], "removed\n" .. k .. "\n" .. v)
		redis.call("PUBLISH", ARGV[4] .. "val:" .. ARGV[5] .. "/" .. k, "value\n" .. k .. "\n")
		removed = removed + 1
	end
end
redis.call("DEL", KEYS[3])
local prev = redis.call("GET", KEYS[1])
if prev then
	redis.call("DEL", KEYS[1])
	redis.call("SREM", KEYS[2], ARGV[1])
	redis.call("PUBLISH", ARGV[2], "removed\n" .. ARGV[1] .. "\n" .. prev)
	redis.call("PUBLISH", ARGV[3], "value\n" .. ARGV[1] .. "\n")
	removed = removed + 1
end
return removed
`)

type Options struct {
	Prefix            string
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
}

func (o *Options) defaults() {
	if o.Prefix == "" {
		o.Prefix = "cm:"
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 15 * time.Second
	}
	if o.HeartbeatInterval <= 0 || o.HeartbeatInterval >= o.LeaseTTL {
		o.HeartbeatInterval = o.LeaseTTL / 3
	}
}

// Channel is one client connection to the Redis-backed signaling store.
// Disconnect operations are kept server-side and run either by Close or,
// after a crash, by whichever connection reaps the expired lease.
type Channel struct {
	client redis.UniversalClient
	codec  codec.Codec
	opts   Options
	connID string
	logger *zap.SugaredLogger

	// breaker pauses lease renewal and reaping while the store is down
	breaker *circuitbreaker.Breaker

	mu       sync.Mutex
	pubsub   *redis.PubSub
	routes   map[string][]*subscription
	confirms map[string]chan struct{}
	closed   bool

	stop chan struct{}
	done chan struct{}
}

var _ ports.SignalingChannel = (*Channel)(nil)

// NewChannel registers a connection lease and starts its heartbeat.
func NewChannel(ctx context.Context, client redis.UniversalClient, c codec.Codec, opts Options, logger *zap.SugaredLogger) (*Channel, error) {
	opts.defaults()
	ch := &Channel{
		client:   client,
		codec:    c,
		opts:     opts,
		connID:   uuid.NewString(),
		logger:   logger,
		routes:   make(map[string][]*subscription),
		confirms: make(map[string]chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		breaker: circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: 3,
			Cooldown:         opts.LeaseTTL,
		}),
	}
	ch.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("signaling store breaker changed state", "conn_id", ch.connID, "from", from.String(), "to", to.String())
	})
	if err := ch.renewLease(ctx); err != nil {
		return nil, fmt.Errorf("register connection lease: %w", err)
	}
	go ch.heartbeat()
	return ch, nil
}

// StoreState reports whether lease renewal is currently being attempted.
func (c *Channel) StoreState() circuitbreaker.State {
	return c.breaker.State()
}

func (c *Channel) ConnectionID() string {
	return c.connID
}

func (c *Channel) recKey(p string) string  { return c.opts.Prefix + "rec:" + p }
func (c *Channel) idxKey(p string) string  { return c.opts.Prefix + "idx:" + p }
func (c *Channel) evChan(p string) string  { return c.opts.Prefix + "ev:" + p }
func (c *Channel) valChan(p string) string { return c.opts.Prefix + "val:" + p }
func (c *Channel) leaseKey(id string) string {
	return c.opts.Prefix + "lease:" + id
}
func (c *Channel) leasesKey() string { return c.opts.Prefix + "leases" }
func (c *Channel) hooksKey(id string) string {
	return c.opts.Prefix + "ondc:" + id
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) Write(ctx context.Context, p string, value any) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	data, err := c.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p, err)
	}
	return c.writeRaw(ctx, c.client, p, data)
}

func (c *Channel) writeRaw(ctx context.Context, s redis.Scripter, p string, data []byte) error {
	parent := path.Dir(p)
	keys := []string{c.recKey(p), c.idxKey(parent)}
	err := writeScript.Run(ctx, s, keys, data, path.Base(p), c.evChan(parent), c.valChan(p)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

// Update merges fields into the stored record under optimistic locking.
func (c *Channel) Update(ctx context.Context, p string, fields map[string]any) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	key := c.recKey(p)
	parent := path.Dir(p)

	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		merged, err := codec.Merge(c.codec, current, fields)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			writeScript.Eval(ctx, pipe, []string{key, c.idxKey(parent)},
				merged, path.Base(p), c.evChan(parent), c.valChan(p))
			return nil
		})
		return err
	}

	cfg := retry.Fixed(5, 10*time.Millisecond)
	cfg.NonRetryableErrors = []error{context.Canceled, context.DeadlineExceeded}
	err := retry.Retry(ctx, cfg, func() error {
		return c.client.Watch(ctx, txn, key)
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", p, err)
	}
	return nil
}

func (c *Channel) Push(ctx context.Context, p string, value any) (string, error) {
	key := utils.GeneratePushKey()
	if err := c.Write(ctx, p+"/"+key, value); err != nil {
		return "", err
	}
	return key, nil
}

// Remove deletes the record at p and its direct children.
func (c *Channel) Remove(ctx context.Context, p string) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	return c.removeRaw(ctx, p)
}

func (c *Channel) removeRaw(ctx context.Context, p string) error {
	parent := path.Dir(p)
	keys := []string{c.recKey(p), c.idxKey(parent), c.idxKey(p)}
	args := []any{path.Base(p), c.evChan(parent), c.valChan(p), c.opts.Prefix, p}
	if err := removeScript.Run(ctx, c.client, keys, args...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	return nil
}

func (c *Channel) ReadOnce(ctx context.Context, p string) (ports.Snapshot, error) {
	if c.isClosed() {
		return ports.Snapshot{}, ErrChannelClosed
	}
	data, err := c.client.Get(ctx, c.recKey(p)).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return ports.Snapshot{}, fmt.Errorf("read %s: %w", p, err)
	}
	return ports.NewSnapshot(p, data, c.codec), nil
}

func (c *Channel) Children(ctx context.Context, p string) ([]ports.Snapshot, error) {
	if c.isClosed() {
		return nil, ErrChannelClosed
	}
	keys, err := c.client.SMembers(ctx, c.idxKey(p)).Result()
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", p, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	recKeys := make([]string, len(keys))
	for i, k := range keys {
		recKeys[i] = c.recKey(p + "/" + k)
	}
	values, err := c.client.MGet(ctx, recKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read children of %s: %w", p, err)
	}

	out := make([]ports.Snapshot, 0, len(keys))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		out = append(out, ports.NewSnapshot(p+"/"+keys[i], []byte(s), c.codec))
	}
	return out, nil
}

func (c *Channel) OnChildAdded(p string, h ports.SnapshotHandler) (ports.Subscription, error) {
	return c.subscribe(p, opAdded, h)
}

func (c *Channel) OnChildChanged(p string, h ports.SnapshotHandler) (ports.Subscription, error) {
	return c.subscribe(p, opChanged, h)
}

func (c *Channel) OnChildRemoved(p string, h ports.SnapshotHandler) (ports.Subscription, error) {
	return c.subscribe(p, opRemoved, h)
}

func (c *Channel) OnValueChanged(p string, h ports.SnapshotHandler) (ports.Subscription, error) {
	return c.subscribe(p, opValue, h)
}

// subscribe waits for the pub/sub confirmation before reading the initial
// state, so no event between the two is lost. Events that overlap the
// initial read are filtered by the subscription.
func (c *Channel) subscribe(p string, op string, h ports.SnapshotHandler) (ports.Subscription, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	name := c.evChan(p)
	if op == opValue {
		name = c.valChan(p)
	}
	s := newSubscription(c, name, p, op, h)

	confirmed, err := c.route(ctx, s)
	if err != nil {
		return nil, err
	}
	select {
	case <-confirmed:
	case <-ctx.Done():
		s.Cancel()
		return nil, fmt.Errorf("subscribe %s: %w", name, ctx.Err())
	}

	switch op {
	case opAdded:
		children, err := c.Children(ctx, p)
		if err != nil {
			s.Cancel()
			return nil, err
		}
		s.release(children)
	case opValue:
		snap, err := c.ReadOnce(ctx, p)
		if err != nil {
			s.Cancel()
			return nil, err
		}
		s.release([]ports.Snapshot{snap})
	default:
		s.release(nil)
	}
	return s, nil
}

func (c *Channel) route(ctx context.Context, s *subscription) (<-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrChannelClosed
	}

	existing := c.routes[s.channel]
	c.routes[s.channel] = append(existing, s)
	if len(existing) > 0 {
		if confirm, pending := c.confirms[s.channel]; pending {
			return confirm, nil
		}
		done := make(chan struct{})
		close(done)
		return done, nil
	}

	confirm := make(chan struct{})
	c.confirms[s.channel] = confirm
	if c.pubsub == nil {
		c.pubsub = c.client.Subscribe(ctx, s.channel)
		go c.receive(c.pubsub.ChannelWithSubscriptions())
		return confirm, nil
	}
	if err := c.pubsub.Subscribe(ctx, s.channel); err != nil {
		delete(c.confirms, s.channel)
		c.routes[s.channel] = existing
		return nil, fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	return confirm, nil
}

func (c *Channel) unroute(s *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.routes[s.channel]
	for i, cur := range list {
		if cur == s {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) > 0 {
		c.routes[s.channel] = list
		return
	}
	delete(c.routes, s.channel)
	if c.pubsub != nil && !c.closed {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.pubsub.Unsubscribe(ctx, s.channel)
	}
}

func (c *Channel) receive(msgs <-chan interface{}) {
	for m := range msgs {
		switch msg := m.(type) {
		case *redis.Subscription:
			if msg.Kind != "subscribe" {
				continue
			}
			c.mu.Lock()
			if confirm, ok := c.confirms[msg.Channel]; ok {
				close(confirm)
				delete(c.confirms, msg.Channel)
			}
			c.mu.Unlock()
		case *redis.Message:
			op, key, data, ok := parseEvent(msg.Payload)
			if !ok {
				continue
			}
			c.mu.Lock()
			subs := append([]*subscription(nil), c.routes[msg.Channel]...)
			c.mu.Unlock()
			for _, s := range subs {
				s.deliver(op, key, data)
			}
		}
	}
}

func parseEvent(payload string) (op, key string, data []byte, ok bool) {
	parts := strings.SplitN(payload, "\n", 3)
	if len(parts) != 3 {
		return "", "", nil, false
	}
	return parts[0], parts[1], []byte(parts[2]), true
}

func (c *Channel) OnDisconnectRemove(ctx context.Context, p string) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	return c.client.HSet(ctx, c.hooksKey(c.connID), p, "r").Err()
}

func (c *Channel) OnDisconnectSet(ctx context.Context, p string, value any) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	data, err := c.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode disconnect value for %s: %w", p, err)
	}
	return c.client.HSet(ctx, c.hooksKey(c.connID), p, append([]byte("s"), data...)).Err()
}

func (c *Channel) CancelOnDisconnect(ctx context.Context, p string) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	return c.client.HDel(ctx, c.hooksKey(c.connID), p).Err()
}

// runHooks applies and deletes the disconnect operations of conn.
func (c *Channel) runHooks(ctx context.Context, conn string) error {
	hooks, err := c.client.HGetAll(ctx, c.hooksKey(conn)).Result()
	if err != nil {
		return fmt.Errorf("read disconnect hooks: %w", err)
	}
	paths := make([]string, 0, len(hooks))
	for p := range hooks {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var errs []error
	for _, p := range paths {
		op := hooks[p]
		switch {
		case op == "r":
			errs = append(errs, c.removeRaw(ctx, p))
		case strings.HasPrefix(op, "s"):
			errs = append(errs, c.writeRaw(ctx, c.client, p, []byte(op[1:])))
		}
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, c.hooksKey(conn), c.leaseKey(conn))
	pipe.ZRem(ctx, c.leasesKey(), conn)
	if _, err := pipe.Exec(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Channel) renewLease(ctx context.Context) error {
	expiry := time.Now().Add(c.opts.LeaseTTL).UnixMilli()
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.leaseKey(c.connID), strconv.FormatInt(expiry, 10), c.opts.LeaseTTL)
	pipe.ZAdd(ctx, c.leasesKey(), redis.Z{Score: float64(expiry), Member: c.connID})
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Channel) heartbeat() {
	defer close(c.done)
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.HeartbeatInterval)
			err := c.breaker.Do(func() error { return c.renewLease(ctx) })
			switch {
			case errors.Is(err, circuitbreaker.ErrOpen):
			case err != nil:
				c.logger.Warnw("failed to renew connection lease", "conn_id", c.connID, "error", err)
			default:
				if err := c.reap(ctx); err != nil {
					c.logger.Warnw("failed to reap expired connections", "error", err)
				}
			}
			cancel()
		}
	}
}

// reap runs the disconnect operations of connections whose lease expired.
// One connection at a time does this, guarded by a lock.
func (c *Channel) reap(ctx context.Context) error {
	lock := distributed.NewDistributedLock(c.client, c.opts.Prefix+"reaper", c.opts.LeaseTTL)
	ok, err := lock.TryLock(ctx)
	if err != nil || !ok {
		return err
	}
	defer lock.Unlock(context.Background())

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	expired, err := c.client.ZRangeByScore(ctx, c.leasesKey(), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return err
	}
	for _, conn := range expired {
		if conn == c.connID {
			continue
		}
		c.logger.Infow("running disconnect hooks for expired connection", "conn_id", conn)
		if err := c.runHooks(ctx, conn); err != nil {
			c.logger.Warnw("disconnect hooks failed", "conn_id", conn, "error", err)
		}
	}
	return nil
}

// Close runs this connection's disconnect operations and ends every
// subscription. Closing twice is a no-op.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var subs []*subscription
	for _, list := range c.routes {
		subs = append(subs, list...)
	}
	c.routes = make(map[string][]*subscription)
	pubsub := c.pubsub
	c.pubsub = nil
	c.mu.Unlock()

	close(c.stop)
	<-c.done
	for _, s := range subs {
		s.Cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.runHooks(ctx, c.connID)
	if pubsub != nil {
		err = errors.Join(err, pubsub.Close())
	}
	return err
}

// abandon stops the heartbeat without running disconnect operations, as a
// crashed process would.
func (c *Channel) abandon() {
	c.mu.Lock()
	c.closed = true
	pubsub := c.pubsub
	c.pubsub = nil
	c.mu.Unlock()
	close(c.stop)
	<-c.done
	if pubsub != nil {
		pubsub.Close()
	}
}
