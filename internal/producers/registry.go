package producers

import (
	"context"

	logx "notibot/pkg/logx"
)

// Registry bundles the configured producers in priority order. Combined
// report messages concatenate sections in this order.
type Registry struct {
	clients []*Client
}

func NewRegistry(cfgs []Config, log logx.Logger) (*Registry, error) {
	clients := make([]*Client, 0, len(cfgs))
	for _, cfg := range cfgs {
		c, err := NewClient(cfg, log)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return &Registry{clients: clients}, nil
}

func (r *Registry) Clients() []*Client {
	out := make([]*Client, len(r.clients))
	copy(out, r.clients)
	return out
}

func (r *Registry) Len() int { return len(r.clients) }

// Healthy probes every producer and returns the names of those that failed.
func (r *Registry) Healthy(ctx context.Context) []string {
	var down []string
	for _, c := range r.clients {
		if err := c.Health(ctx); err != nil {
			down = append(down, c.Name())
		}
	}
	return down
}
