// internal/pkg/httpclient/client.go
package httpclient

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// New builds a retrying client for outbound provider and gateway calls. Retries
// back off exponentially and stop on a 4xx other than 429.
func New(logger *zap.Logger, maxRetries int, timeout time.Duration) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = maxRetries
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 5 * time.Second
	c.HTTPClient = &http.Client{Timeout: timeout}
	c.Logger = zapLeveled{logger.Sugar()}
	return c
}

// zapLeveled adapts zap to retryablehttp.LeveledLogger.
type zapLeveled struct {
	s *zap.SugaredLogger
}

func (l zapLeveled) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l zapLeveled) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l zapLeveled) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l zapLeveled) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
