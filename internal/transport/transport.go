// Package transport is the thin pub/sub layer the broadcast core runs on.
// A transport delivers opaque payloads to every current subscriber of a
// topic, best effort. Delivery guarantees, retries and backoff belong to
// the underlying broker client, not here.
package transport

// Message is the wire unit handed to subscribers.
type Message struct {
	Topic   string
	Payload []byte
}

// PubSub is the minimal broker contract used by the broadcast core.
//
// Publish fails with an error when the broker is unreachable; callers decide
// how to degrade. Subscribe returns a channel that stays open for the life
// of the subscription and a cancel func that releases it. The channel is
// closed when the subscription ends, whether by cancel or by transport loss.
type PubSub interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string) (<-chan Message, func(), error)
}
