package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeL71221ibpm/iBPM-sub002/internal/platform/logger"
)

type SSEEvent string

const (
	SSEEventJobCreated  SSEEvent = "ExtractionJobCreated"
	SSEEventJobProgress SSEEvent = "ExtractionJobProgress"
	SSEEventJobFailed   SSEEvent = "ExtractionJobFailed"
	SSEEventJobStopped  SSEEvent = "ExtractionJobStopped"
	SSEEventJobDone     SSEEvent = "ExtractionJobDone"
)

type SSEMessage struct {
	Channel string   `json:"channel"`
	Event   SSEEvent `json:"event"`
	Data    any      `json:"data,omitempty"`
}

type SSEClient struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	Channels map[string]bool
	Outbound chan SSEMessage
	done     chan struct{}
	Logger   *logger.Logger
}

// SSEHub fans job snapshots out to subscribers. Publishing never blocks the
// pipeline: a full outbound buffer drops the message for that client. The
// last message per channel is retained and replayed to late joiners so a
// subscriber that connects mid-run sees current state immediately.
type SSEHub struct {
	mu            sync.RWMutex
	logger        *logger.Logger
	subscriptions map[string]map[*SSEClient]bool
	lastByChannel map[string]SSEMessage
}

func NewSSEHub(log *logger.Logger) *SSEHub {
	return &SSEHub{
		logger:        log.With("component", "SSEHub"),
		subscriptions: make(map[string]map[*SSEClient]bool),
		lastByChannel: make(map[string]SSEMessage),
	}
}

func (hub *SSEHub) NewSSEClient(userID uuid.UUID) *SSEClient {
	id := uuid.New()
	return &SSEClient{
		ID:       id,
		UserID:   userID,
		Channels: make(map[string]bool),
		Outbound: make(chan SSEMessage, 16),
		done:     make(chan struct{}),
		Logger:   hub.logger.With("clientID", id),
	}
}

func (hub *SSEHub) AddChannel(client *SSEClient, channel string) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return
	}

	hub.mu.Lock()
	client.Channels[channel] = true
	clients, exists := hub.subscriptions[channel]
	if !exists {
		clients = make(map[*SSEClient]bool)
		hub.subscriptions[channel] = clients
	}
	clients[client] = true
	last, hasLast := hub.lastByChannel[channel]
	hub.mu.Unlock()

	// Replay-on-connect: hand the late joiner the last known snapshot so
	// the stream never looks frozen until the next event.
	if hasLast {
		select {
		case client.Outbound <- last:
		default:
		}
	}
	hub.logger.Debug("SSE client subscribed", "clientID", client.ID, "channel", channel)
}

func (hub *SSEHub) RemoveChannel(client *SSEClient, channel string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	channel = strings.TrimSpace(channel)
	if channel == "" {
		return
	}
	delete(client.Channels, channel)

	if subMap, ok := hub.subscriptions[channel]; ok {
		delete(subMap, client)
		if len(subMap) == 0 {
			delete(hub.subscriptions, channel)
		}
	}
	hub.logger.Debug("SSE client unsubscribed from channel", "clientID", client.ID, "channel", channel)
}

func (hub *SSEHub) RemoveClient(client *SSEClient) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	for ch := range client.Channels {
		if subMap, ok := hub.subscriptions[ch]; ok {
			delete(subMap, client)
			if len(subMap) == 0 {
				delete(hub.subscriptions, ch)
			}
		}
	}
	client.Channels = make(map[string]bool)
}

// Broadcast delivers to every subscriber of the message's channel without
// blocking. A full outbound buffer sheds its oldest message so a slow client
// always holds the most recent snapshots, not stale ones.
func (hub *SSEHub) Broadcast(msg SSEMessage) {
	if msg.Channel == "" {
		return
	}

	hub.mu.Lock()
	hub.lastByChannel[msg.Channel] = msg
	clientsMap := hub.subscriptions[msg.Channel]
	targets := make([]*SSEClient, 0, len(clientsMap))
	for c := range clientsMap {
		targets = append(targets, c)
	}
	hub.mu.Unlock()

	for _, c := range targets {
		select {
		case c.Outbound <- msg:
			continue
		default:
		}
		select {
		case <-c.Outbound:
			hub.logger.Warn("Shed oldest SSE message; outbound buffer full", "clientID", c.ID, "channel", msg.Channel)
		default:
		}
		select {
		case c.Outbound <- msg:
		default:
		}
	}
}

// LastSnapshot returns the retained message for a channel, if any.
func (hub *SSEHub) LastSnapshot(channel string) (SSEMessage, bool) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	msg, ok := hub.lastByChannel[channel]
	return msg, ok
}

func (hub *SSEHub) ServeHTTP(w http.ResponseWriter, r *http.Request, client *SSEClient) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			hub.logger.Debug("SSE client context done", "clientID", client.ID, "err", ctx.Err())
			return
		case <-client.done:
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case msg := <-client.Outbound:
			jsonBytes, err := json.Marshal(msg)
			if err != nil {
				hub.logger.Warn("Failed to marshal SSE message", "error", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: message\n")
			_, _ = fmt.Fprintf(w, "data: %s\n\n", string(jsonBytes))
			flusher.Flush()
		}
	}
}

// CloseClient detaches the client and signals its stream to end. Outbound is
// deliberately left open: a Broadcast that snapshotted this client before the
// detach may still send, and a send must never hit a closed channel.
func (hub *SSEHub) CloseClient(client *SSEClient) {
	close(client.done)
	hub.RemoveClient(client)
}
