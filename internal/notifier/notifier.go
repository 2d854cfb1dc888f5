// Package notifier keeps a websocket subscription to the server's
// invalidation channel. Registered model types map 1:1 to topic strings;
// arriving invalidations are de-duplicated by version and handed to the
// delegate as payload maps. The delegate also hears whether the push channel
// is up, which drives the scheduler's poll cadence.
package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/driftlab/driftsync/internal/modeltype"
)

const (
	reconnectDelay    = 1 * time.Second
	maxReconnectDelay = 30 * time.Second
	dialTimeout       = 10 * time.Second
	eventsPath        = "/api/v1/invalidations"

	// versionCacheSize bounds the dedup cache; one slot per topic is plenty
	// but stale entries also age out.
	versionCacheSize = 64
	versionCacheTTL  = time.Hour
)

const (
	frameHello      = "hello"
	frameSubscribe  = "subscribe"
	frameInvalidate = "invalidate"
)

// frame is the channel's wire unit, one JSON object per websocket message.
type frame struct {
	Kind     string   `json:"kind"`
	ClientID string   `json:"clientId,omitempty"`
	Account  string   `json:"account,omitempty"`
	Token    string   `json:"token,omitempty"`
	Topics   []string `json:"topics,omitempty"`
	Topic    string   `json:"topic,omitempty"`
	Version  int64    `json:"version,omitempty"`
	Payload  string   `json:"payload,omitempty"`
}

// Delegate receives de-duplicated invalidations and push channel state.
// Calls arrive on the notifier's goroutines; implementations marshal onto
// their own execution context. *manager.SyncManager satisfies it.
type Delegate interface {
	OnIncomingInvalidation(payloads modeltype.PayloadMap)
	OnNotificationStateChange(enabled bool)
}

// TopicStats describes one topic's traffic for the debug surface.
type TopicStats struct {
	ReceivedCount int64  `json:"receivedCount"`
	LastVersion   int64  `json:"lastVersion"`
	LastPayload   string `json:"lastPayload"`
}

type Config struct {
	// ServerURL is the http(s) base; the events path and ws scheme are
	// derived from it.
	ServerURL string
	Account   string
	Token     string
	// ClientID distinguishes this install; defaults to a random uuid.
	ClientID string
	Logger   *slog.Logger
}

// Notifier owns the invalidation connection. Construct with New, register
// types with UpdateRegisteredTypes, then Start. Safe for concurrent use.
type Notifier struct {
	cfg      Config
	logger   *slog.Logger
	delegate Delegate

	topics mapset.Set[string]
	seen   *expirable.LRU[string, int64]

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	ws               *socket
	connected        bool
	reconnectAttempt int
	stats            map[string]*TopicStats
	dropped          int64
}

func New(cfg Config, delegate Delegate) *Notifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		cfg:      cfg,
		logger:   logger.With("component", "notifier"),
		delegate: delegate,
		topics:   mapset.NewSet[string](),
		seen:     expirable.NewLRU[string, int64](versionCacheSize, nil, versionCacheTTL),
		ctx:      ctx,
		cancel:   cancel,
		stats:    make(map[string]*TopicStats),
	}
}

// UpdateRegisteredTypes replaces the set of types this client wants pushes
// for. Structural types without a topic are skipped. A live connection is
// re-subscribed immediately; otherwise the set rides along on the next
// connect.
func (n *Notifier) UpdateRegisteredTypes(types modeltype.Set) {
	next := mapset.NewSet[string]()
	for _, t := range types.Types() {
		if topic := t.NotificationTopic(); topic != "" {
			next.Add(topic)
		}
	}
	n.mu.Lock()
	n.topics = next
	ws := n.ws
	n.mu.Unlock()

	if ws != nil {
		ws.send(frame{Kind: frameSubscribe, Topics: sortedTopics(next)})
	}
}

// RegisteredTopics returns the current registration set, sorted.
func (n *Notifier) RegisteredTopics() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return sortedTopics(n.topics)
}

// Stats returns a copy of the per-topic traffic counters and the number of
// invalidations dropped as stale.
func (n *Notifier) Stats() (map[string]TopicStats, int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]TopicStats, len(n.stats))
	for topic, s := range n.stats {
		out[topic] = *s
	}
	return out, n.dropped
}

// IsConnected reports whether the push channel is currently up.
func (n *Notifier) IsConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

// Start dials the channel and keeps it alive until Close. The initial dial
// failing is not fatal; the reconnect loop takes over.
func (n *Notifier) Start() {
	go func() {
		dialCtx, cancel := context.WithTimeout(n.ctx, dialTimeout)
		ws, err := n.connect(dialCtx)
		cancel()
		if err != nil {
			n.logger.Warn("initial connect failed, will retry", "error", err)
			n.reconnectWithBackoff()
			return
		}
		n.manageConnection(ws)
	}()
}

// Close tears the connection down and stops reconnecting.
func (n *Notifier) Close() {
	n.cancel()
	n.mu.Lock()
	ws := n.ws
	n.ws = nil
	wasConnected := n.connected
	n.connected = false
	n.mu.Unlock()

	if ws != nil {
		ws.close()
	}
	if wasConnected {
		n.delegate.OnNotificationStateChange(false)
	}
	n.logger.Info("notifier closed")
}

func (n *Notifier) connect(ctx context.Context) (*socket, error) {
	wsURL, err := n.channelURL()
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	ws := newSocket(conn, n.logger)
	ws.start(n.ctx)
	ws.send(frame{
		Kind:     frameHello,
		ClientID: n.cfg.ClientID,
		Account:  n.cfg.Account,
		Token:    n.cfg.Token,
	})

	n.mu.Lock()
	n.ws = ws
	n.connected = true
	n.reconnectAttempt = 0
	topics := sortedTopics(n.topics)
	n.mu.Unlock()

	ws.send(frame{Kind: frameSubscribe, Topics: topics})
	n.delegate.OnNotificationStateChange(true)
	n.logger.Info("invalidation channel connected", "topics", strings.Join(topics, ","))
	return ws, nil
}

func (n *Notifier) manageConnection(ws *socket) {
	go n.consumeFrames(ws)

	select {
	case <-ws.closed:
		n.mu.Lock()
		if n.ws == ws {
			n.ws = nil
			n.connected = false
		}
		n.mu.Unlock()
		n.delegate.OnNotificationStateChange(false)

		select {
		case <-n.ctx.Done():
		default:
			n.logger.Info("invalidation channel lost, reconnecting")
			n.reconnectWithBackoff()
		}

	case <-n.ctx.Done():
	}
}

func (n *Notifier) consumeFrames(ws *socket) {
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ws.closed:
			return
		case f, ok := <-ws.frameRx:
			if !ok {
				return
			}
			n.handleFrame(f)
		}
	}
}

// handleFrame processes one inbound frame. Invalidations for unregistered
// topics and versions at or below the last seen one are dropped.
func (n *Notifier) handleFrame(f frame) {
	if f.Kind != frameInvalidate {
		n.logger.Debug("ignoring frame", "kind", f.Kind)
		return
	}

	t := modeltype.FromNotificationTopic(f.Topic)
	n.mu.Lock()
	registered := t != modeltype.Unspecified && n.topics.Contains(f.Topic)
	if !registered {
		n.mu.Unlock()
		n.logger.Debug("invalidation for unregistered topic", "topic", f.Topic)
		return
	}
	if last, ok := n.seen.Get(f.Topic); ok && f.Version <= last {
		n.dropped++
		n.mu.Unlock()
		n.logger.Debug("stale invalidation dropped",
			"topic", f.Topic, "version", f.Version, "lastSeen", last)
		return
	}
	n.seen.Add(f.Topic, f.Version)
	s, ok := n.stats[f.Topic]
	if !ok {
		s = &TopicStats{}
		n.stats[f.Topic] = s
	}
	s.ReceivedCount++
	s.LastVersion = f.Version
	s.LastPayload = f.Payload
	n.mu.Unlock()

	n.logger.Debug("invalidation", "topic", f.Topic, "version", f.Version)
	n.delegate.OnIncomingInvalidation(modeltype.PayloadMap{t: f.Payload})
}

func (n *Notifier) reconnectWithBackoff() {
	delay := reconnectDelay
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}

		n.mu.Lock()
		n.reconnectAttempt++
		attempt := n.reconnectAttempt
		n.mu.Unlock()
		n.logger.Info("reconnecting invalidation channel", "attempt", attempt, "delay", delay)

		dialCtx, cancel := context.WithTimeout(n.ctx, dialTimeout)
		ws, err := n.connect(dialCtx)
		cancel()
		if err == nil {
			go n.manageConnection(ws)
			return
		}

		delay = min(delay*2, maxReconnectDelay)
		jitter := 0.75 + rand.Float64()*0.5
		delay = time.Duration(float64(delay) * jitter)
	}
}

func (n *Notifier) channelURL() (string, error) {
	joined, err := url.JoinPath(n.cfg.ServerURL, eventsPath)
	if err != nil {
		return "", fmt.Errorf("notifier url: %w", err)
	}
	switch {
	case strings.HasPrefix(joined, "https://"):
		return "wss://" + joined[len("https://"):], nil
	case strings.HasPrefix(joined, "http://"):
		return "ws://" + joined[len("http://"):], nil
	}
	return joined, nil
}

func sortedTopics(s mapset.Set[string]) []string {
	topics := s.ToSlice()
	sort.Strings(topics)
	return topics
}
