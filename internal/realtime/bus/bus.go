package bus

import "context"

// Bus is the transport for change-stream and notification fan-out. Topics are
// opaque strings; payloads are pre-encoded JSON. Implementations must treat a
// slow subscriber as droppable rather than blocking publishers.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns a receive channel and a cancel func. The channel is
	// closed after cancel or when the bus shuts down.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error)
	Close() error
}
