package channel

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/xigadee/microservice/internal/runtime/collector"
	errs "github.com/xigadee/microservice/internal/runtime/errors"
	"github.com/xigadee/microservice/internal/runtime/messaging"
)

type channelKey struct {
	id  string
	dir Direction
}

func keyFor(id string, dir Direction) channelKey {
	return channelKey{id: strings.ToLower(id), dir: dir}
}

// Container holds every channel a service has registered. Channel ids are
// unique per direction.
type Container struct {
	mu        sync.RWMutex
	channels  map[channelKey]*Channel
	collector collector.Collector
}

// NewContainer returns an empty container reporting redirects to col.
func NewContainer(col collector.Collector) *Container {
	return &Container{channels: make(map[channelKey]*Channel), collector: collector.Or(col)}
}

// Add registers a channel. Registering the same id twice for a direction
// fails with ErrDuplicateChannel.
func (c *Container) Add(id string, dir Direction, opts ...Option) (*Channel, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errs.ErrChannelIDRequired
	}
	ch := New(id, dir, append([]Option{WithCollector(c.collector)}, opts...)...)

	c.mu.Lock()
	defer c.mu.Unlock()
	key := keyFor(id, dir)
	if _, exists := c.channels[key]; exists {
		return nil, fmt.Errorf("%w: %s (%s)", errs.ErrDuplicateChannel, id, dir)
	}
	c.channels[key] = ch
	return ch, nil
}

// Get returns the channel registered for id and direction.
func (c *Container) Get(id string, dir Direction) (*Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.channels[keyFor(id, dir)]
	return ch, ok
}

// Exists reports whether a channel is registered.
func (c *Container) Exists(id string, dir Direction) bool {
	_, ok := c.Get(id, dir)
	return ok
}

// List returns the channels for dir sorted by id.
func (c *Container) List(dir Direction) []*Channel {
	c.mu.RLock()
	out := make([]*Channel, 0, len(c.channels))
	for k, ch := range c.channels {
		if k.dir == dir {
			out = append(out, ch)
		}
	}
	c.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Channel) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Redirect applies the redirect rules of the channel the payload is
// currently addressed to. Unknown channels are left untouched.
func (c *Container) Redirect(dir Direction, p *messaging.TransmissionPayload) bool {
	if p == nil || p.Message == nil {
		return false
	}
	ch, ok := c.Get(p.Message.ChannelID, dir)
	if !ok {
		return false
	}
	return ch.Redirect(p)
}
