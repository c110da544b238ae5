package gate

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func baseContext() Context {
	return Context{
		ChannelUserAllowed: true,
		SessionBound:       true,
		State:              StateAwaitingInput,
		HasActivePrompt:    true,
		PromptExpiresAt:    time.Now().Add(time.Minute),
		InteractionClass:   "binary_choice",
		Now:                time.Now(),
	}
}

func TestDecisionTable(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Context)
		want   ReasonCode
	}{
		{"happy path reply", func(c *Context) {}, AcceptReply},
		{"identity first", func(c *Context) {
			c.ChannelUserAllowed = false
			c.SessionBound = false // identity must win over session checks
		}, RejectIdentityNotAllowlisted},
		{"no session", func(c *Context) { c.SessionBound = false }, RejectNoActiveSession},
		{"stopped treated as no session", func(c *Context) { c.State = StateStopped }, RejectNoActiveSession},
		{"streaming busy", func(c *Context) { c.State = StateStreaming }, RejectBusyStreaming},
		{"running busy", func(c *Context) { c.State = StateRunning }, RejectBusyRunning},
		{"running with interrupts", func(c *Context) {
			c.State = StateRunning
			c.PolicyAllowsInterrupts = true
		}, AcceptInterrupt},
		{"awaiting without prompt", func(c *Context) { c.HasActivePrompt = false }, RejectNotAwaitingInput},
		{"expired prompt", func(c *Context) {
			c.PromptExpiresAt = c.Now.Add(-time.Second)
		}, RejectTTLExpired},
		{"password must stay local", func(c *Context) {
			c.InteractionClass = "password_input"
		}, RejectUnsafeInputType},
		{"idle chat turn allowed", func(c *Context) {
			c.State = StateIdle
			c.PolicyAllowsChatTurns = true
		}, AcceptChatTurn},
		{"idle chat turn disabled", func(c *Context) { c.State = StateIdle }, RejectDefault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := baseContext()
			tt.mutate(&ctx)
			d := Decide(ctx)
			assert.Equal(t, tt.want, d.ReasonCode)
			assert.Equal(t, strings.HasPrefix(string(tt.want), "accept"), d.Accepted)
			assert.NotEmpty(t, d.Message)
		})
	}
}

func TestDecideIsPure(t *testing.T) {
	ctx := baseContext()
	assert.Equal(t, Decide(ctx), Decide(ctx))
}

func TestRateLimiterBurstAndRefill(t *testing.T) {
	rl := NewRateLimiter(10, 3)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("telegram", "u1"), "burst token %d", i)
	}
	assert.False(t, rl.Allow("telegram", "u1"), "burst exhausted")

	// Another user has an independent bucket.
	assert.True(t, rl.Allow("telegram", "u2"))

	// 10/min refills one token every 6 seconds.
	now = now.Add(6 * time.Second)
	assert.True(t, rl.Allow("telegram", "u1"))
	assert.False(t, rl.Allow("telegram", "u1"))
}

func TestRateLimiterClampsToAtLeastOne(t *testing.T) {
	rl := NewRateLimiter(-5, 0)
	assert.True(t, rl.Allow("slack", "u1"))
}

func TestRateLimiterPrunesIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(10, 3)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	rl.Allow("telegram", "idle-user")
	now = now.Add(11 * time.Minute)
	rl.Allow("telegram", "active-user")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	_, exists := rl.buckets["telegram:idle-user"]
	assert.False(t, exists, "idle bucket must be pruned")
}
