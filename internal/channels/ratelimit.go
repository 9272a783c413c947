package channels

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedChats bounds the limiter table so rotating chat ids cannot
// exhaust memory.
const maxTrackedChats = 4096

// ChatLimiter paces outbound sends per chat using a token bucket.
type ChatLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewChatLimiter allows perMinute sends per chat with a small burst.
// perMinute <= 0 disables limiting.
func NewChatLimiter(perMinute int) *ChatLimiter {
	l := &ChatLimiter{limiters: make(map[string]*rate.Limiter)}
	if perMinute > 0 {
		l.limit = rate.Limit(float64(perMinute) / 60.0)
		l.burst = max(perMinute/4, 1)
	}
	return l
}

// Allow reports whether a send to chatID may proceed now.
func (l *ChatLimiter) Allow(chatID string) bool {
	if l.limit == 0 {
		return true
	}

	l.mu.Lock()
	lim, ok := l.limiters[chatID]
	if !ok {
		if len(l.limiters) >= maxTrackedChats {
			for k := range l.limiters {
				delete(l.limiters, k)
				break
			}
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[chatID] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}
