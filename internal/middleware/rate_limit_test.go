package middleware

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"duka-service/internal/pkg/ratelimit"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRateLimit_FailsOpen(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// nothing listens on port 1
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	tests := []struct {
		name    string
		limiter *ratelimit.RateLimiter
	}{
		{"no limiter", nil},
		{"redis down", ratelimit.NewRateLimiter(client)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(RateLimit(tt.limiter, "webhook", 1, time.Minute, zap.NewNop()))
			r.GET("/hook", func(c *gin.Context) { c.Status(http.StatusNoContent) })

			for range 3 {
				assert.Equal(t, http.StatusNoContent, get(r, "/hook", "").Code)
			}
		})
	}
}

// incrHook answers the limiter's INCR/EXPIRE pipeline from memory.
type incrHook struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (h *incrHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *incrHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook { return next }

func (h *incrHook) ProcessPipelineHook(redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(_ context.Context, cmds []redis.Cmder) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, cmd := range cmds {
			switch c := cmd.(type) {
			case *redis.IntCmd:
				key := c.Args()[1].(string)
				h.counts[key]++
				c.SetVal(h.counts[key])
			case *redis.BoolCmd:
				c.SetVal(true)
			}
		}
		return nil
	}
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	client.AddHook(&incrHook{counts: map[string]int64{}})
	t.Cleanup(func() { _ = client.Close() })

	r := gin.New()
	r.Use(RateLimit(ratelimit.NewRateLimiter(client), "webhook", 2, time.Minute, zap.NewNop()))
	r.GET("/hook", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	tests := []struct {
		status    int
		remaining string
	}{
		{http.StatusNoContent, "1"},
		{http.StatusNoContent, "0"},
		{http.StatusTooManyRequests, "0"},
	}
	for i, tt := range tests {
		w := get(r, "/hook", "")
		require.Equal(t, tt.status, w.Code, "request %d", i+1)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, tt.remaining, w.Header().Get("X-RateLimit-Remaining"))
	}
	assert.Contains(t, get(r, "/hook", "").Body.String(), "too many requests")
}
