// internal/websocket/hub.go
package websocket

import (
	"context"
	"errors"
	"sync"

	"duka-service/internal/domain/entitlement"
	"duka-service/internal/domain/reminder"
	wstypes "duka-service/internal/domain/websocket"
	"duka-service/internal/pkg/jwt"

	"go.uber.org/zap"
)

const adminKey = "*"

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidToken = errors.New("invalid token")
	ErrNoStoreScope = errors.New("token carries no store scope")
)

// MessageHandler serves client-initiated events beyond ping and channel
// subscription.
type MessageHandler interface {
	HandleMessage(ctx context.Context, client *Client, msg *wstypes.InboundMessage) error
	SupportedEvents() []wstypes.EventType
}

// Hub fans server events out to connected clients, keyed by store id.
type Hub struct {
	clients map[string]map[*Client]bool
	mu      sync.RWMutex

	Register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	handlers    map[wstypes.EventType]MessageHandler
	jwtVerifier *jwt.Verifier
	logger      *zap.Logger
}

type BroadcastMessage struct {
	StoreID string
	Channel wstypes.ChannelType
	Message *wstypes.WSMessage
}

func NewHub(jwtVerifier *jwt.Verifier, logger *zap.Logger) *Hub {
	return &Hub{
		clients:     make(map[string]map[*Client]bool),
		Register:    make(chan *Client),
		unregister:  make(chan *Client, 16),
		broadcast:   make(chan *BroadcastMessage, 256),
		handlers:    make(map[wstypes.EventType]MessageHandler),
		jwtVerifier: jwtVerifier,
		logger:      logger,
	}
}

// AuthenticateClient accepts store tokens (bound to their store) and admin tokens.
func (h *Hub) AuthenticateClient(token string) (*ClientAuth, error) {
	if h.jwtVerifier == nil {
		return nil, ErrUnauthorized
	}
	claims, err := h.jwtVerifier.VerifyAccessToken(token)
	if err != nil {
		return nil, ErrInvalidToken
	}

	auth := &ClientAuth{
		Subject: claims.Subject,
		StoreID: claims.StoreID,
		TokenID: claims.ID,
		Admin:   claims.IsAdmin(),
	}
	if !auth.Admin && auth.StoreID == "" {
		return nil, ErrNoStoreScope
	}
	return auth, nil
}

// RegisterHandler routes each of handler's events to it. Call before Run.
func (h *Hub) RegisterHandler(handler MessageHandler) {
	for _, ev := range handler.SupportedEvents() {
		h.handlers[ev] = handler
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.Register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	key := client.key()
	if h.clients[key] == nil {
		h.clients[key] = make(map[*Client]bool)
	}
	h.clients[key][client] = true
	total := h.totalClients()
	h.mu.Unlock()

	h.logger.Debug("websocket client connected",
		zap.String("store_id", client.auth.StoreID),
		zap.Bool("admin", client.auth.Admin),
		zap.Int("total", total),
	)

	client.SendMessage(wstypes.NewMessage(wstypes.EventTypeConnected, map[string]interface{}{
		"store_id": client.auth.StoreID,
		"admin":    client.auth.Admin,
		"channels": wstypes.DefaultChannels,
	}))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := client.key()
	if clients, ok := h.clients[key]; ok {
		if _, exists := clients[client]; exists {
			delete(clients, client)
			client.Close()
			if len(clients) == 0 {
				delete(h.clients, key)
			}
		}
	}
}

// deliver sends to the store's clients and to every admin client.
func (h *Hub) deliver(msg *BroadcastMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, key := range []string{msg.StoreID, adminKey} {
		for client := range h.clients[key] {
			if client.IsSubscribed(msg.Channel) {
				client.SendMessage(msg.Message)
			}
		}
	}
}

// enqueue never blocks the caller. Pushes are best effort; clients that miss one
// can ask for the current entitlement.
func (h *Hub) enqueue(msg *BroadcastMessage) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("websocket broadcast queue full, dropping message",
			zap.String("store_id", msg.StoreID),
			zap.String("type", string(msg.Message.Type)),
		)
	}
}

// PublishEntitlement pushes entitlement:updated to the store's clients.
func (h *Hub) PublishEntitlement(_ context.Context, ent *entitlement.EntitlementResponse) {
	h.enqueue(&BroadcastMessage{
		StoreID: ent.StoreID,
		Channel: wstypes.ChannelEntitlement,
		Message: wstypes.NewMessage(wstypes.EventTypeEntitlementUpdated, ent),
	})
}

// PushReminder pushes a reminder to the store's clients.
func (h *Hub) PushReminder(n *reminder.Notice) {
	h.enqueue(&BroadcastMessage{
		StoreID: n.StoreID,
		Channel: wstypes.ChannelReminders,
		Message: wstypes.NewMessage(wstypes.EventTypeReminder, n),
	})
}

func (h *Hub) ConnectedClients(storeID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[storeID])
}

func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.totalClients()
}

func (h *Hub) totalClients() int {
	total := 0
	for _, clients := range h.clients {
		total += len(clients)
	}
	return total
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for key, clients := range h.clients {
		for client := range clients {
			client.Close()
		}
		delete(h.clients, key)
	}
}
