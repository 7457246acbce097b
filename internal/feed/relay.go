// Package feed relays an external oracle price stream onto the command bus.
// The relay is a separate process from the ledger: it holds the websocket to
// the price service and republishes readings as versioned price updates, so
// the core never blocks on an external connection.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"PolicyLedger/internal/observability"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 30 * time.Second
	// pingPeriod must stay under pongWait or the read deadline fires first.
	pingPeriod = (pongWait * 9) / 10

	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second

	handshakeTimeout = 15 * time.Second
)

// Config selects the upstream stream and the feeds to relay.
type Config struct {
	URL   string
	Feeds []string
}

// Relay owns one websocket session at a time and republishes every price
// frame to policy.prices.{feed}, where the command stream captures it.
type Relay struct {
	cfg     Config
	publish func(subject string, data []byte) error
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewRelay(cfg Config, nc *nats.Conn, metrics *observability.Metrics) *Relay {
	return &Relay{
		cfg:     cfg,
		publish: nc.Publish,
		metrics: metrics,
		log:     observability.NewLogger("feed_relay"),
	}
}

// Run pumps sessions until the context ends. Each drop backs off
// exponentially; a session that delivered frames resets the backoff.
func (r *Relay) Run(ctx context.Context) error {
	delay := reconnectDelay

	for {
		received, err := r.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if r.metrics != nil {
				r.metrics.RelayErrors.Inc()
			}
			r.log.Warn().Err(err).Dur("retry_in", delay).Msg("Relay session ended")
		}
		if received > 0 {
			delay = reconnectDelay
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
		if r.metrics != nil {
			r.metrics.RelayReconnects.Inc()
		}
	}
}

// session runs one connection to completion: dial, subscribe, read until the
// peer or the context closes it. Returns how many price frames it relayed.
func (r *Relay) session(ctx context.Context) (int, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, r.cfg.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", r.cfg.URL, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if err := r.subscribe(conn); err != nil {
		return 0, fmt.Errorf("subscribe: %w", err)
	}
	r.log.Info().Str("url", r.cfg.URL).Strs("feeds", r.cfg.Feeds).Msg("Relay connected")

	// The session goroutine owns all reads; this one unblocks ReadMessage
	// when the context ends and keeps the connection alive in between.
	stop := make(chan struct{})
	defer close(stop)
	go r.keepAlive(ctx, conn, stop)

	received := 0
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return received, nil
			}
			return received, fmt.Errorf("read: %w", err)
		}
		if r.handleFrame(msg) {
			received++
		}
	}
}

func (r *Relay) keepAlive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

type subscribeCmd struct {
	Type  string   `json:"type"`
	Feeds []string `json:"feeds"`
}

func (r *Relay) subscribe(conn *websocket.Conn) error {
	data, err := json.Marshal(subscribeCmd{Type: "subscribe", Feeds: r.cfg.Feeds})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// priceFrame is the upstream push format.
type priceFrame struct {
	Type  string `json:"type"`
	Feed  string `json:"feed"`
	Price struct {
		Magnitude     int64 `json:"magnitude"`
		Exponent      int32 `json:"exponent"`
		PublishTimeUS int64 `json:"publish_time_us"`
	} `json:"price"`
	Sequence int64 `json:"sequence"`
}

// priceUpdateWire is the command-bus format the ledger's parser expects.
type priceUpdateWire struct {
	Feed          string `json:"feed"`
	Magnitude     int64  `json:"magnitude"`
	Exponent      int32  `json:"exponent"`
	PublishTimeUS int64  `json:"publish_time_us"`
	FeedSequence  int64  `json:"feed_sequence"`
	TimestampUS   int64  `json:"timestamp_us"`
}

// handleFrame republishes one upstream frame. Reports whether the frame was a
// usable price update.
func (r *Relay) handleFrame(msg []byte) bool {
	var frame priceFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		r.log.Debug().Err(err).Msg("Ignoring malformed frame")
		return false
	}
	if frame.Type != "price_update" || frame.Feed == "" {
		return false
	}
	if frame.Price.Magnitude <= 0 {
		r.log.Debug().Str("feed", frame.Feed).Int64("magnitude", frame.Price.Magnitude).
			Msg("Ignoring non-positive price")
		return false
	}

	update := priceUpdateWire{
		Feed:          frame.Feed,
		Magnitude:     frame.Price.Magnitude,
		Exponent:      frame.Price.Exponent,
		PublishTimeUS: frame.Price.PublishTimeUS,
		FeedSequence:  frame.Sequence,
		TimestampUS:   time.Now().UnixMicro(),
	}
	data, err := json.Marshal(update)
	if err != nil {
		return false
	}

	if err := r.publish(subjectForFeed(frame.Feed), data); err != nil {
		if r.metrics != nil {
			r.metrics.RelayErrors.Inc()
		}
		r.log.Warn().Err(err).Str("feed", frame.Feed).Msg("Failed to publish price update")
		return false
	}
	if r.metrics != nil {
		r.metrics.RelayMessages.WithLabelValues(frame.Feed).Inc()
	}
	return true
}

// subjectForFeed maps BTC/USD onto policy.prices.BTC.USD; slashes are not
// legal in subject tokens.
func subjectForFeed(feed string) string {
	return "policy.prices." + strings.ReplaceAll(feed, "/", ".")
}
