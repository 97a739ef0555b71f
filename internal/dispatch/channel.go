package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/khanyo/imbizo/internal/model"
)

// Channel delivers one notification over a concrete transport. Send returns
// nil once the gateway has accepted the message; any error means the attempt
// failed and the notification goes back on the retry schedule.
type Channel interface {
	Send(ctx context.Context, n *model.Notification) error
}

// ChannelFunc adapts a function to the Channel interface.
type ChannelFunc func(ctx context.Context, n *model.Notification) error

func (f ChannelFunc) Send(ctx context.Context, n *model.Notification) error {
	return f(ctx, n)
}

// Registry maps delivery routes to their channels.
type Registry struct {
	channels map[model.DeliveryRoute]Channel
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[model.DeliveryRoute]Channel)}
}

func (r *Registry) Register(route model.DeliveryRoute, ch Channel) {
	r.channels[route] = ch
}

// Resolve returns the channel for a route. An unregistered route is a
// permanent configuration error, not a retryable send failure; callers should
// treat it accordingly.
func (r *Registry) Resolve(route model.DeliveryRoute) (Channel, error) {
	ch, ok := r.channels[route]
	if !ok {
		return nil, fmt.Errorf("no channel registered for route %q", route)
	}
	return ch, nil
}

// NewLogChannel returns a channel that records the message instead of sending
// it. Used when a gateway is not configured and in local runs.
func NewLogChannel(logger *log.Logger, route model.DeliveryRoute) Channel {
	return ChannelFunc(func(_ context.Context, n *model.Notification) error {
		logger.Printf("%s INFO channel_%s: deliver uid=%s target=%s message=%q",
			time.Now().Format(time.RFC3339), route, n.UID, n.TargetUID, n.Message)
		return nil
	})
}
