package relay

import (
	"sync"
	"time"
)

// typingKey identifies one typing indicator: a connection typing in a
// conversation. Timers are per connection, not per participant, so two tabs
// of the same user debounce independently.
type typingKey struct {
	conn         Conn
	conversation string
}

// typingTimers tracks auto-stop timers for typing indicators. When a client
// signals typing and then goes silent without sending a stop, the timer
// fires exactly one synthetic stop. Each fresh typing signal resets the
// timer; an explicit stop or a disconnect cancels it.
type typingTimers struct {
	mu     sync.Mutex
	timers map[typingKey]*time.Timer
}

func newTypingTimers() *typingTimers {
	return &typingTimers{timers: make(map[typingKey]*time.Timer)}
}

// reset arms (or re-arms) the auto-stop timer for key. The fire callback
// runs at most once per armed timer and never after cancel: the callback
// re-checks under the lock that it is still the current timer for the key,
// so a racing reset or cancel wins.
func (t *typingTimers) reset(key typingKey, d time.Duration, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.timers[key]; ok {
		prev.Stop()
	}

	var tm *time.Timer
	tm = time.AfterFunc(d, func() {
		t.mu.Lock()
		cur, ok := t.timers[key]
		if !ok || cur != tm {
			t.mu.Unlock()
			return
		}
		delete(t.timers, key)
		t.mu.Unlock()
		fire()
	})
	t.timers[key] = tm
}

// cancel disarms the timer for key, if armed.
func (t *typingTimers) cancel(key typingKey) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tm, ok := t.timers[key]; ok {
		tm.Stop()
		delete(t.timers, key)
	}
}

// cancelConn disarms every timer owned by conn. Called on disconnect.
func (t *typingTimers) cancelConn(conn Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, tm := range t.timers {
		if key.conn == conn {
			tm.Stop()
			delete(t.timers, key)
		}
	}
}
