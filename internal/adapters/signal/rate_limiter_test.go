package signal

import (
	"testing"
	"time"

	"github.com/huddlehq/huddle/internal/domain"
)

func TestRateLimiterWindow(t *testing.T) {
	rl := NewMessageRateLimiter(3, 50*time.Millisecond)
	uid := domain.UserID("u1")

	for i := 0; i < 3; i++ {
		if !rl.Allow(uid) {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	if rl.Allow(uid) {
		t.Error("fourth attempt inside the window should be blocked")
	}
	if !rl.Allow("someone-else") {
		t.Error("limit must be per user")
	}

	time.Sleep(60 * time.Millisecond)
	if !rl.Allow(uid) {
		t.Error("attempt after the window should be allowed again")
	}
}
