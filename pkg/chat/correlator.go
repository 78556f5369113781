package chat

import "sync"

// Correlator maps a tool call key to the id of the placeholder tool message
// created when the call started.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]string
}

// NewCorrelator creates an empty correlator
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]string)}
}

// Register records that key's result belongs to messageID. An existing
// mapping for the same key is overwritten.
func (c *Correlator) Register(key, messageID string) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[key] = messageID
}

// Resolve looks up the pending message for a result, trying the exact call id
// before the tool name. It returns the matched key so the caller can release it.
func (c *Correlator) Resolve(callID, toolName string) (messageID, key string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, k := range []string{callID, toolName} {
		if k == "" {
			continue
		}
		if id, found := c.pending[k]; found {
			return id, k, true
		}
	}
	return "", "", false
}

// Release forgets key so a later, unrelated result cannot resolve to it
func (c *Correlator) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, key)
}

// Len returns the number of pending calls
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Reset drops every pending mapping
func (c *Correlator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = make(map[string]string)
}
