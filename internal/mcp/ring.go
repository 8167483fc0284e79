package mcp

import (
	"sync"
	"time"
)

const invocationRingSize = 1000

// Invocation statuses.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusTimeout  = "timeout"
	StatusCanceled = "canceled"
)

// Invocation is one recorded tool call.
type Invocation struct {
	InvocationID string         `json:"invocation_id"`
	ToolName     string         `json:"tool_name"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	Principal    string         `json:"principal"`
	Start        time.Time      `json:"start"`
	End          time.Time      `json:"end"`
	Status       string         `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// invocationRing retains the last invocationRingSize invocations.
type invocationRing struct {
	mu     sync.Mutex
	ring   [invocationRingSize]Invocation
	next   int
	filled int
}

func (r *invocationRing) add(inv Invocation) {
	r.mu.Lock()
	r.ring[r.next] = inv
	r.next = (r.next + 1) % invocationRingSize
	if r.filled < invocationRingSize {
		r.filled++
	}
	r.mu.Unlock()
}

// last returns up to n invocations, newest first.
func (r *invocationRing) last(n int) []Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > r.filled {
		n = r.filled
	}
	out := make([]Invocation, 0, n)
	idx := r.next - 1
	for len(out) < n {
		if idx < 0 {
			idx += invocationRingSize
		}
		out = append(out, r.ring[idx])
		idx--
	}
	return out
}
