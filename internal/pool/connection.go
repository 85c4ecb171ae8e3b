package pool

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/mcpgw/internal/transport"
)

// Health is the health of a pooled connection.
type Health int32

// Health values.
const (
	Healthy Health = iota
	// Suspect connections are pinged before they are handed out again.
	Suspect
	// Failed connections are closed on release.
	Failed
)

// String returns the string representation of the health.
func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Suspect:
		return "suspect"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Connection is a pooled transport. The pool owns it while idle; the
// caller of Acquire owns it until Release.
type Connection struct {
	ID        string
	TargetID  string
	Transport transport.Transport
	CreatedAt time.Time

	health        atomic.Int32
	lastUsedAt    atomic.Int64
	lastCheckedAt atomic.Int64
	checkedOut    atomic.Bool
	pool          *Pool
}

func newConnection(p *Pool, tr transport.Transport, now time.Time) *Connection {
	c := &Connection{
		ID:        uuid.NewString(),
		TargetID:  p.target,
		Transport: tr,
		CreatedAt: now,
		pool:      p,
	}
	c.lastUsedAt.Store(now.UnixNano())
	return c
}

// Health returns the current health.
func (c *Connection) Health() Health {
	return Health(c.health.Load())
}

// MarkFailed marks the connection so it is closed on release.
func (c *Connection) MarkFailed() {
	c.health.Store(int32(Failed))
}

// MarkSuspect marks the connection for a probe before reuse. A failed
// connection stays failed.
func (c *Connection) MarkSuspect() {
	c.health.CompareAndSwap(int32(Healthy), int32(Suspect))
}

func (c *Connection) markHealthy() {
	c.health.CompareAndSwap(int32(Suspect), int32(Healthy))
}

// LastUsedAt returns when the connection was last released.
func (c *Connection) LastUsedAt() time.Time {
	return time.Unix(0, c.lastUsedAt.Load())
}

// lastActivity is the later of the last use and the last probe.
func (c *Connection) lastActivity() time.Time {
	used, checked := c.lastUsedAt.Load(), c.lastCheckedAt.Load()
	if checked > used {
		return time.Unix(0, checked)
	}
	return time.Unix(0, used)
}

func (c *Connection) touch(now time.Time) {
	c.lastUsedAt.Store(now.UnixNano())
}

// Release returns the connection to its pool.
func (c *Connection) Release() {
	c.pool.Release(c)
}
