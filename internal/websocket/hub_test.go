package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"duka-service/internal/domain/entitlement"
	"duka-service/internal/domain/reminder"
	wstypes "duka-service/internal/domain/websocket"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type received struct {
	Type wstypes.EventType `json:"type"`
	Data struct {
		StoreID string `json:"store_id"`
	} `json:"data"`
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

// connect registers a client without a socket; messages land in its send buffer.
func connect(t *testing.T, hub *Hub, auth ClientAuth) *Client {
	t.Helper()
	c := NewClient(hub, nil, &auth)
	hub.Register <- c
	assert.Equal(t, wstypes.EventTypeConnected, next(t, c).Type)
	return c
}

func next(t *testing.T, c *Client) received {
	t.Helper()
	select {
	case data := <-c.send:
		var msg received
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return received{}
	}
}

func TestHub_DeliversToOwningStoreAndAdmins(t *testing.T) {
	hub := startHub(t)
	s1 := connect(t, hub, ClientAuth{Subject: "store:S1", StoreID: "S1"})
	s2 := connect(t, hub, ClientAuth{Subject: "store:S2", StoreID: "S2"})
	admin := connect(t, hub, ClientAuth{Subject: "ops", Admin: true})

	hub.PublishEntitlement(context.Background(), &entitlement.EntitlementResponse{StoreID: "S1", Tier: entitlement.TierBasic})
	hub.PublishEntitlement(context.Background(), &entitlement.EntitlementResponse{StoreID: "S2", Tier: entitlement.TierBasic})

	got := next(t, s1)
	assert.Equal(t, wstypes.EventTypeEntitlementUpdated, got.Type)
	assert.Equal(t, "S1", got.Data.StoreID)

	// the hub delivers in order, so S2's first message proves it never saw S1's
	assert.Equal(t, "S2", next(t, s2).Data.StoreID)

	assert.Equal(t, "S1", next(t, admin).Data.StoreID)
	assert.Equal(t, "S2", next(t, admin).Data.StoreID)

	assert.Equal(t, 1, hub.ConnectedClients("S1"))
	assert.Equal(t, 3, hub.TotalClients())
}

func TestHub_RespectsChannelSubscriptions(t *testing.T) {
	hub := startHub(t)
	s1 := connect(t, hub, ClientAuth{StoreID: "S1"})
	s1.Unsubscribe(wstypes.ChannelReminders)

	hub.PushReminder(&reminder.Notice{StoreID: "S1", DaysToExpiry: 3})
	hub.PublishEntitlement(context.Background(), &entitlement.EntitlementResponse{StoreID: "S1"})

	assert.Equal(t, wstypes.EventTypeEntitlementUpdated, next(t, s1).Type)

	assert.True(t, s1.Subscribe(wstypes.ChannelReminders))
	assert.False(t, s1.Subscribe("payments"))
	hub.PushReminder(&reminder.Notice{StoreID: "S1", DaysToExpiry: 1})
	assert.Equal(t, wstypes.EventTypeReminder, next(t, s1).Type)
}

func TestHub_UnregisterStopsDelivery(t *testing.T) {
	hub := startHub(t)
	s1 := connect(t, hub, ClientAuth{StoreID: "S1"})
	other := connect(t, hub, ClientAuth{StoreID: "S1"})

	hub.unregister <- s1
	require.Eventually(t, func() bool { return hub.ConnectedClients("S1") == 1 }, time.Second, 5*time.Millisecond)
	hub.PublishEntitlement(context.Background(), &entitlement.EntitlementResponse{StoreID: "S1"})

	assert.Equal(t, wstypes.EventTypeEntitlementUpdated, next(t, other).Type)
	assert.Empty(t, s1.send)
}

func TestClient_CanSee(t *testing.T) {
	hub := NewHub(nil, zap.NewNop())

	tests := []struct {
		name  string
		auth  ClientAuth
		store string
		want  bool
	}{
		{"own store", ClientAuth{StoreID: "S1"}, "S1", true},
		{"other store", ClientAuth{StoreID: "S1"}, "S2", false},
		{"empty store id", ClientAuth{StoreID: "S1"}, "", false},
		{"admin sees all", ClientAuth{Admin: true}, "S2", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(hub, nil, &tt.auth)
			assert.Equal(t, tt.want, c.CanSee(tt.store))
		})
	}
}

func TestAuthenticateClient_WithoutVerifier(t *testing.T) {
	hub := NewHub(nil, zap.NewNop())

	_, err := hub.AuthenticateClient("anything")
	assert.ErrorIs(t, err, ErrUnauthorized)
}
