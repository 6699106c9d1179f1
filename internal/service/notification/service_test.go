package notification_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"duka-service/internal/domain/reminder"
	xerrors "duka-service/internal/pkg/errors"
	"duka-service/internal/pkg/httpclient"
	"duka-service/internal/service/notification"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type pushRecorder struct {
	mu      sync.Mutex
	notices []*reminder.Notice
}

func (p *pushRecorder) PushReminder(n *reminder.Notice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, n)
}

func notice(typ reminder.ReminderType, days int) *reminder.Notice {
	return &reminder.Notice{
		StoreID:      "s1",
		StoreName:    "Mama Mboga",
		Phone:        "254712345678",
		AccessCode:   "DUKA-0001",
		Type:         typ,
		DaysToExpiry: days,
		ExpiresAt:    time.Date(2025, 6, 12, 0, 0, 0, 0, time.UTC),
	}
}

func TestHeadline(t *testing.T) {
	subject, line := notification.Headline(notice(reminder.TypeTrialEnding, 2))
	assert.Equal(t, "Your free trial is ending", subject)
	assert.Equal(t, "Your free trial ends in 2 days.", line)

	_, line = notification.Headline(notice(reminder.TypePaymentDue, 1))
	assert.Equal(t, "Your subscription renews in 1 day.", line)

	_, line = notification.Headline(notice(reminder.TypePaymentDue, 0))
	assert.Equal(t, "Your subscription renews in less than a day.", line)

	_, line = notification.Headline(notice(reminder.TypeOverdue, -3))
	assert.Equal(t, "Your subscription lapsed 3 days ago.", line)

	subject, _ = notification.Headline(notice(reminder.TypeSuspended, -10))
	assert.Equal(t, "Your store is suspended", subject)
}

func TestNotifyReminder_PushesAndPostsToGateway(t *testing.T) {
	var got notification.GatewayMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	pusher := &pushRecorder{}
	svc := notification.NewService(pusher, nil, httpclient.New(zap.NewNop(), 0, time.Second), srv.URL, zap.NewNop())

	err := svc.NotifyReminder(context.Background(), notice(reminder.TypeTrialEnding, 2))
	require.NoError(t, err)

	assert.Len(t, pusher.notices, 1)
	assert.Equal(t, "254712345678", got.To)
	assert.Equal(t, reminder.TypeTrialEnding, got.Type)
	assert.Contains(t, got.Message, "DUKA-0001")
}

func TestNotifyReminder_GatewayFailureIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	pusher := &pushRecorder{}
	svc := notification.NewService(pusher, nil, httpclient.New(zap.NewNop(), 0, time.Second), srv.URL, zap.NewNop())

	err := svc.NotifyReminder(context.Background(), notice(reminder.TypeOverdue, -1))
	assert.ErrorIs(t, err, xerrors.ErrTransientProvider)
	assert.Len(t, pusher.notices, 1, "the websocket leg is not held back by the gateway")
}

func TestNotifyReminder_NoLegsConfigured(t *testing.T) {
	svc := notification.NewService(nil, nil, nil, "", zap.NewNop())
	assert.NoError(t, svc.NotifyReminder(context.Background(), notice(reminder.TypePaymentDue, 1)))
}
