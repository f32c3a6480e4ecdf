package ports

import (
	"context"
	"path"

	"classmesh/pkg/codec"
)

// Snapshot is one record read from the signaling channel. A snapshot of a
// missing record has Exists() == false.
type Snapshot struct {
	Key  string
	Path string

	data  []byte
	codec codec.Codec
}

func NewSnapshot(p string, data []byte, c codec.Codec) Snapshot {
	return Snapshot{Key: path.Base(p), Path: p, data: data, codec: c}
}

func (s Snapshot) Exists() bool {
	return len(s.data) > 0
}

// Decode unmarshals the record with the channel codec.
func (s Snapshot) Decode(v any) error {
	return s.codec.Unmarshal(s.data, v)
}

func (s Snapshot) Raw() []byte {
	return s.data
}

// Subscription is returned by every On* registration.
type Subscription interface {
	Cancel()
}

type SnapshotHandler func(Snapshot)

// SignalingChannel is the shared key-value/pub-sub store used for presence
// and negotiation records. Paths are slash separated; children are the
// records exactly one level below a path.
//
// Handlers of a single subscription are invoked sequentially in event
// order, never concurrently with each other.
type SignalingChannel interface {
	Write(ctx context.Context, path string, value any) error
	// Update merges fields into the record, creating it when absent.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Push appends value under a generated, time-ordered child key.
	Push(ctx context.Context, path string, value any) (string, error)
	Remove(ctx context.Context, path string) error
	ReadOnce(ctx context.Context, path string) (Snapshot, error)
	Children(ctx context.Context, path string) ([]Snapshot, error)

	// OnChildAdded replays existing children, then reports new ones.
	OnChildAdded(path string, h SnapshotHandler) (Subscription, error)
	OnChildChanged(path string, h SnapshotHandler) (Subscription, error)
	// OnChildRemoved receives the last value of the removed child.
	OnChildRemoved(path string, h SnapshotHandler) (Subscription, error)
	// OnValueChanged delivers the current value, then every change.
	OnValueChanged(path string, h SnapshotHandler) (Subscription, error)

	// OnDisconnectRemove deletes path when this connection goes away.
	OnDisconnectRemove(ctx context.Context, path string) error
	// OnDisconnectSet writes value at path when this connection goes away.
	OnDisconnectSet(ctx context.Context, path string, value any) error
	CancelOnDisconnect(ctx context.Context, path string) error

	// Close disconnects, running the registered disconnect operations.
	Close() error
}
