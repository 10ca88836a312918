package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// callKey identifies a tool call by name and canonical arguments.
// encoding/json sorts map keys, so equal argument maps hash equally.
func callKey(name string, args map[string]interface{}) string {
	data, err := json.Marshal(args)
	if err != nil {
		data = []byte("!")
	}
	sum := sha256.Sum256(append([]byte(name+"\x00"), data...))
	return hex.EncodeToString(sum[:])
}

// readCache holds read-only tool output for the lifetime of one run.
type readCache struct {
	entries map[string]string
}

func newReadCache() *readCache {
	return &readCache{entries: make(map[string]string)}
}

func (c *readCache) get(key string) (string, bool) {
	out, ok := c.entries[key]
	return out, ok
}

func (c *readCache) put(key, output string) {
	c.entries[key] = output
}

// invalidate drops everything; called after any tool that may have
// changed the workspace.
func (c *readCache) invalidate() {
	if len(c.entries) > 0 {
		c.entries = make(map[string]string)
	}
}
