package controller

import (
	"fmt"
	"sync"
)

// Consumer is a client driver that must be attached after the
// controller is Initialized and detached before it is torn down, so
// that the wider device lifecycle never outlives the controller it
// depends on.
type Consumer interface {
	Attach(c *Controller) error
	Detach(c *Controller) error
}

// ConsumerAdd attaches consumer, calling its Attach hook immediately.
// If Attach fails, consumer is not added to the registry.
func (c *Controller) ConsumerAdd(consumer Consumer) error {
	if err := consumer.Attach(c); err != nil {
		return err
	}
	c.consumersMu.Lock()
	c.consumers = append(c.consumers, consumer)
	c.consumersMu.Unlock()
	return nil
}

// ConsumerRemove detaches consumer and removes it from the registry.
func (c *Controller) ConsumerRemove(consumer Consumer) error {
	c.consumersMu.Lock()
	idx := -1
	for i, existing := range c.consumers {
		if existing == consumer {
			idx = i
			break
		}
	}
	if idx >= 0 {
		c.consumers = append(c.consumers[:idx], c.consumers[idx+1:]...)
	}
	c.consumersMu.Unlock()
	return consumer.Detach(c)
}

// detachAllConsumers detaches every consumer still registered, in
// registration order, continuing past a failing Detach so one
// misbehaving consumer cannot block the others from tearing down.
func (c *Controller) detachAllConsumers() {
	c.consumersMu.Lock()
	consumers := c.consumers
	c.consumers = nil
	c.consumersMu.Unlock()

	for _, consumer := range consumers {
		if err := consumer.Detach(c); err != nil {
			c.log.Warnf("consumer detach failed during remove: %v", err)
		}
	}
}

// Registry is an optional name-addressable lookup for Controller
// instances, for callers — e.g. a CLI juggling several device paths —
// that want to look a controller up by name instead of threading a
// *Controller through their own call graph.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Controller
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Controller)}
}

// Register adds c under id. It returns an error if id is already in use.
func (r *Registry) Register(id string, c *Controller) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[id]; exists {
		return fmt.Errorf("controller: id %q already registered", id)
	}
	r.byID[id] = c
	return nil
}

// Unregister removes id, if present.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// Get returns the controller registered under id, if any.
func (r *Registry) Get(id string) (*Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}
