package notify

import (
	"fmt"
	"sync"
	"time"
)

// throttleCacheLimit triggers a cleanup sweep when the cache grows past it.
const throttleCacheLimit = 1000

// Throttle suppresses duplicate notifications within a TTL window, keyed by
// fingerprint (adminAgentId, type, severity, botId|"system", title).
type Throttle struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

func NewThrottle(ttl time.Duration) *Throttle {
	return &Throttle{
		ttl:  ttl,
		now:  time.Now,
		sent: make(map[string]time.Time),
	}
}

// Fingerprint builds the throttle key for a notification.
func Fingerprint(adminAgentID, alertType string, severity string, botID *string, title string) string {
	bot := "system"
	if botID != nil && *botID != "" {
		bot = *botID
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s", adminAgentID, alertType, severity, bot, title)
}

// ShouldThrottle reports whether a send with this fingerprint happened
// within the TTL.
func (t *Throttle) ShouldThrottle(fingerprint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.sent[fingerprint]
	if !ok {
		return false
	}
	return t.now().Sub(last) < t.ttl
}

// MarkSent records a successful dispatch and sweeps expired entries when the
// cache grows too large.
func (t *Throttle) MarkSent(fingerprint string) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent[fingerprint] = now

	if len(t.sent) > throttleCacheLimit {
		for key, at := range t.sent {
			if now.Sub(at) >= t.ttl {
				delete(t.sent, key)
			}
		}
	}
}

// Len reports the cache size.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}
