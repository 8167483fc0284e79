package transport

import (
	"sync"
	"time"
)

// ConnRecord describes one live connection.
type ConnRecord struct {
	ConnID       string    `json:"conn_id"`
	Transport    string    `json:"transport"`
	RemoteAddr   string    `json:"remote_addr"`
	Principal    string    `json:"principal,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// ConnTracker accounts for live connections across transports so the
// max_connections cap and the idle reaper have one source of truth.
type ConnTracker struct {
	mu    sync.Mutex
	max   int
	conns map[string]*trackedConn
}

type trackedConn struct {
	record  ConnRecord
	onClose func()
}

// NewConnTracker creates a tracker capping at max connections.
func NewConnTracker(max int) *ConnTracker {
	return &ConnTracker{max: max, conns: make(map[string]*trackedConn)}
}

// Add registers a connection. It returns false when the cap is
// reached; onClose is invoked if the idle reaper evicts the entry.
func (t *ConnTracker) Add(record ConnRecord, onClose func()) bool {
	now := time.Now().UTC()
	record.CreatedAt = now
	record.LastActivity = now

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.max > 0 && len(t.conns) >= t.max {
		return false
	}
	t.conns[record.ConnID] = &trackedConn{record: record, onClose: onClose}
	return true
}

// Touch refreshes a connection's activity timestamp.
func (t *ConnTracker) Touch(connID string) {
	t.mu.Lock()
	if c, ok := t.conns[connID]; ok {
		c.record.LastActivity = time.Now().UTC()
	}
	t.mu.Unlock()
}

// Remove drops a connection from accounting.
func (t *ConnTracker) Remove(connID string) {
	t.mu.Lock()
	delete(t.conns, connID)
	t.mu.Unlock()
}

// Count reports the number of live connections.
func (t *ConnTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Records returns a snapshot of the live connections.
func (t *ConnTracker) Records() []ConnRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ConnRecord, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c.record)
	}
	return out
}

// ReapIdle evicts connections idle longer than maxIdle, invoking each
// one's close hook, and returns the evicted ids.
func (t *ConnTracker) ReapIdle(maxIdle time.Duration) []string {
	cutoff := time.Now().UTC().Add(-maxIdle)

	t.mu.Lock()
	var reaped []*trackedConn
	var ids []string
	for id, c := range t.conns {
		if c.record.LastActivity.Before(cutoff) {
			reaped = append(reaped, c)
			ids = append(ids, id)
			delete(t.conns, id)
		}
	}
	t.mu.Unlock()

	for _, c := range reaped {
		if c.onClose != nil {
			c.onClose()
		}
	}
	return ids
}
