// Package gateway is the Subscription Gateway (C9): long-lived client
// sessions that fan out Event Bus (C8) messages as JSON frames. Built
// on nhooyr.io/websocket — the one dependency with no analog anywhere
// in the retrieval pack (see DESIGN.md) — chosen because spec.md calls
// for "WebSocket-style" bidirectional sessions and nhooyr's small,
// context-first API (Accept/Read/Write/Close) fits the teacher's
// context-first idiom better than a callback-based alternative. The
// per-session reader/writer goroutine pair and the ping-ticker/
// context-cancel select loop are grounded in admin-module's SSE
// events.go handler, generalized from a one-way periodic push into a
// bidirectional session with a heartbeat and backpressure timeout.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"nhooyr.io/websocket"

	"github.com/patanet7/ChirpNeighbors/internal/eventbus"
)

var (
	sessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bw_gateway_sessions_opened_total",
		Help: "Total subscription gateway sessions accepted.",
	})
	sessionsClosedOverloaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bw_gateway_sessions_overloaded_total",
		Help: "Total sessions closed for exceeding the backpressure grace period.",
	})
)

// policyCloseOverloaded is the WebSocket close code used when a
// session's client cannot keep up with its event stream.
const policyCloseOverloaded websocket.StatusCode = 4000

// Authenticator resolves the credential carried by a new session into
// an owning user id.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// Config tunes session heartbeat and backpressure behavior.
type Config struct {
	PingInterval      time.Duration
	MissedPingLimit   int
	BackpressureGrace time.Duration
}

// Gateway accepts WebSocket sessions and fans out bus events to them.
type Gateway struct {
	bus    *eventbus.Bus
	auth   Authenticator
	cfg    Config
	logger *slog.Logger
}

// New constructs a Gateway.
func New(bus *eventbus.Bus, auth Authenticator, cfg Config, logger *slog.Logger) *Gateway {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.MissedPingLimit == 0 {
		cfg.MissedPingLimit = 3
	}
	if cfg.BackpressureGrace == 0 {
		cfg.BackpressureGrace = 5 * time.Second
	}
	return &Gateway{bus: bus, auth: auth, cfg: cfg, logger: logger.With(slog.String("component", "gateway"))}
}

// wireEvent is the JSON frame shape sent to subscribers, matching
// spec.md §4.7's self-describing event contract.
type wireEvent struct {
	Type           string    `json:"type"`
	CaptureID      string    `json:"capture_id"`
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	SpeciesCode    string    `json:"species_code,omitempty"`
	CommonName     string    `json:"common_name,omitempty"`
	ScientificName string    `json:"scientific_name,omitempty"`
	Confidence     *float64  `json:"confidence,omitempty"`
	AssetImageURL  string    `json:"asset_image_url,omitempty"`
	AssetGIFURL    string    `json:"asset_gif_url,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
}

// ServeHTTP upgrades the request to a WebSocket session, authenticates
// it, subscribes to the owning user's topic, and runs the session
// until the client disconnects, the context is cancelled, or
// backpressure trips.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := g.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("accepting websocket session failed", slog.Any("error", err))
		return
	}
	sessionsOpened.Inc()

	ctx := r.Context()
	ch, droppedCount, unsubscribe := g.bus.Subscribe("user:" + userID)
	defer unsubscribe()

	g.runSession(ctx, conn, ch, droppedCount, userID)
}

func (g *Gateway) runSession(ctx context.Context, conn *websocket.Conn, ch <-chan eventbus.Event, droppedCount func() int64, userID string) {
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.readLoop(ctx, conn, cancel)

	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()

	var backpressureSince time.Time
	var missedPings int

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, g.cfg.PingInterval)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				missedPings++
				g.logger.Debug("session missed ping", slog.String("user_id", userID), slog.Int("missed", missedPings))
				if missedPings >= g.cfg.MissedPingLimit {
					g.logger.Debug("session exceeded missed ping limit, closing", slog.String("user_id", userID))
					return
				}
				continue
			}
			missedPings = 0
			statsCtx, statsCancel := context.WithTimeout(ctx, g.cfg.PingInterval)
			err = g.writeStats(statsCtx, conn, droppedCount())
			statsCancel()
			if err != nil {
				g.logger.Debug("writing session stats frame failed", slog.String("user_id", userID), slog.Any("error", err))
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, g.cfg.BackpressureGrace)
			err := g.writeEvent(writeCtx, conn, ev)
			writeCancel()
			if err != nil {
				if backpressureSince.IsZero() {
					backpressureSince = time.Now()
				}
				if time.Since(backpressureSince) > g.cfg.BackpressureGrace {
					sessionsClosedOverloaded.Inc()
					conn.Close(policyCloseOverloaded, "overloaded")
					return
				}
				continue
			}
			backpressureSince = time.Time{}
		}
	}
}

// statsFrame reports this session's own dropped-event count, sent
// alongside each ping so a connected client can tell its stream is
// lossy without having to infer it from gaps in capture status.
type statsFrame struct {
	Type         string `json:"type"`
	DroppedCount int64  `json:"dropped_count"`
}

func (g *Gateway) writeStats(ctx context.Context, conn *websocket.Conn, droppedCount int64) error {
	data, err := json.Marshal(statsFrame{Type: "gateway.stats", DroppedCount: droppedCount})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (g *Gateway) writeEvent(ctx context.Context, conn *websocket.Conn, ev eventbus.Event) error {
	frame := wireEvent{
		Type:           string(ev.Type),
		CaptureID:      ev.CaptureID,
		Status:         ev.Status,
		Timestamp:      ev.Timestamp,
		SpeciesCode:    ev.SpeciesCode,
		CommonName:     ev.CommonName,
		ScientificName: ev.ScientificName,
		AssetImageURL:  ev.AssetImageURL,
		AssetGIFURL:    ev.AssetGIFURL,
		FailureReason:  ev.FailureReason,
	}
	if ev.Confidence != 0 {
		frame.Confidence = &ev.Confidence
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// readLoop drains inbound frames (the client sends none besides pongs,
// which nhooyr.io/websocket handles transparently) purely to detect
// client-initiated close and network errors, cancelling the session.
func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}
