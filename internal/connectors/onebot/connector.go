// Package onebot connects to an OneBot v11 event stream over WebSocket and
// feeds normalized messages into the pipeline.
package onebot

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wispbot/wisp/internal/pipeline"
)

type Config struct {
	// URL is the WebSocket endpoint of the OneBot implementation.
	URL string
	// AccessToken is sent as a bearer token on the upgrade request.
	AccessToken string
	// SelfIDs are the account ids the agent runs as; used for mention
	// detection and for ignoring the agent's own messages.
	SelfIDs []string
	// Nicknames also trigger mention detection when they appear in text.
	Nicknames []string

	PingInterval     time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	HandshakeTimeout time.Duration
}

type Connector struct {
	cfg      Config
	pipeline *pipeline.Pipeline
	logger   *slog.Logger
	dialer   *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// New builds the connector without a pipeline; Attach wires it in once the
// pipeline exists. The connector doubles as the pipeline's Delivery, so the
// two are constructed in that order.
func New(cfg Config, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Connector{
		cfg:    cfg,
		logger: logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

func (c *Connector) Attach(p *pipeline.Pipeline) { c.pipeline = p }

func (c *Connector) Name() string { return "onebot" }

func (c *Connector) header() http.Header {
	header := http.Header{}
	if c.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}
	return header
}
