package handlers

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/campuspulse/backend/internal/domain"
	"github.com/campuspulse/backend/internal/platform/logger"
	"github.com/campuspulse/backend/internal/realtime"
	"github.com/campuspulse/backend/internal/statsync"
)

// RealtimeHandler serves the SSE stream and bridges hub channels onto the
// engine's subscription registry: the first client on an entity's stats
// channel opens one engine subscription, the last one leaving closes it.
type RealtimeHandler struct {
	log    *logger.Logger
	hub    *realtime.Hub
	engine *statsync.Engine

	mu      sync.Mutex
	clients map[uuid.UUID]*realtime.Client
	feeds   map[string]*entityFeed
}

type entityFeed struct {
	token uuid.UUID
	refs  int
}

func NewRealtimeHandler(log *logger.Logger, hub *realtime.Hub, engine *statsync.Engine) *RealtimeHandler {
	return &RealtimeHandler{
		log:     log.With("handler", "RealtimeHandler"),
		hub:     hub,
		engine:  engine,
		clients: make(map[uuid.UUID]*realtime.Client),
		feeds:   make(map[string]*entityFeed),
	}
}

// Stream opens the SSE connection. An optional entities query param
// pre-subscribes the client: /realtime/stream?entities=u1,org2
func (h *RealtimeHandler) Stream(c *gin.Context) {
	client := h.hub.NewClient()
	clientID := client.ID
	if raw := strings.TrimSpace(c.Query("clientId")); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_client_id", err)
			return
		}
		clientID = parsed
		client.ID = parsed
	}

	h.mu.Lock()
	if existing, ok := h.clients[clientID]; ok {
		h.dropClientChannelsLocked(existing)
		h.hub.CloseClient(existing)
	}
	h.clients[clientID] = client
	h.mu.Unlock()

	c.Writer.Header().Set("X-Client-Id", clientID.String())
	for _, entityID := range splitList(c.Query("entities")) {
		h.subscribeEntity(client, entityID)
	}

	h.log.Debug("stream open", "clientId", clientID)
	h.hub.ServeHTTP(c.Writer, c.Request, client)

	h.mu.Lock()
	if h.clients[clientID] == client {
		delete(h.clients, clientID)
	}
	h.dropClientChannelsLocked(client)
	h.mu.Unlock()
	h.hub.CloseClient(client)
}

type channelRequest struct {
	ClientID string `json:"clientId" binding:"required"`
	EntityID string `json:"entityId" binding:"required"`
}

func (h *RealtimeHandler) Subscribe(c *gin.Context) {
	client, req, ok := h.clientFromRequest(c)
	if !ok {
		return
	}
	h.subscribeEntity(client, req.EntityID)
	RespondOK(c, gin.H{"subscribed": req.EntityID})
}

func (h *RealtimeHandler) Unsubscribe(c *gin.Context) {
	client, req, ok := h.clientFromRequest(c)
	if !ok {
		return
	}
	h.hub.RemoveChannel(client, realtime.StatsChannel(req.EntityID))
	h.releaseFeed(req.EntityID)
	RespondOK(c, gin.H{"unsubscribed": req.EntityID})
}

func (h *RealtimeHandler) clientFromRequest(c *gin.Context) (*realtime.Client, channelRequest, bool) {
	var req channelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return nil, req, false
	}
	clientID, err := uuid.Parse(req.ClientID)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_client_id", err)
		return nil, req, false
	}
	h.mu.Lock()
	client, exists := h.clients[clientID]
	h.mu.Unlock()
	if !exists {
		RespondError(c, http.StatusConflict, "no_active_stream", errNoStream)
		return nil, req, false
	}
	return client, req, true
}

var errNoStream = errors.New("no active stream for this client")

func (h *RealtimeHandler) subscribeEntity(client *realtime.Client, entityID string) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return
	}
	h.hub.AddChannel(client, realtime.StatsChannel(entityID))
	h.acquireFeed(entityID)
}

// acquireFeed opens the engine subscription backing an entity channel on
// first use; later subscribers share it.
func (h *RealtimeHandler) acquireFeed(entityID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if feed, ok := h.feeds[entityID]; ok {
		feed.refs++
		return
	}
	token := h.engine.Subscribe(entityID, func(snap domain.Snapshot) {
		h.hub.Broadcast(realtime.Message{
			Channel: realtime.StatsChannel(snap.EntityID),
			Event:   realtime.EventStatsUpdated,
			Data:    snap,
		})
	})
	h.feeds[entityID] = &entityFeed{token: token, refs: 1}
}

// releaseFeed closes the engine subscription when the last hub client on the
// channel leaves.
func (h *RealtimeHandler) releaseFeed(entityID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.releaseFeedLocked(entityID)
}

func (h *RealtimeHandler) releaseFeedLocked(entityID string) {
	feed, ok := h.feeds[entityID]
	if !ok {
		return
	}
	feed.refs--
	if feed.refs > 0 {
		return
	}
	h.engine.Unsubscribe(entityID, feed.token)
	delete(h.feeds, entityID)
}

// dropClientChannelsLocked releases every entity feed a disconnecting client
// held. Caller holds h.mu; the channel set is snapshotted under the hub's own
// lock since subscribe requests may mutate it concurrently.
func (h *RealtimeHandler) dropClientChannelsLocked(client *realtime.Client) {
	for _, channel := range h.hub.ClientChannels(client) {
		if entityID, ok := strings.CutPrefix(channel, "stats."); ok {
			h.releaseFeedLocked(entityID)
		}
	}
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
