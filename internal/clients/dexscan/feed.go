package dexscan

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aristath/forager/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"nhooyr.io/websocket"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10

	// A gas tick older than this no longer substitutes for a REST call.
	gasStaleThreshold = 2 * time.Minute
)

// wsEnvelope is the indexer's stream frame: a channel name and the
// channel-specific payload.
type wsEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type gasTick struct {
	Gwei      float64         `json:"gwei"`
	NativeUSD decimal.Decimal `json:"native_usd"`
	Timestamp int64           `json:"timestamp"`
}

type subscribeMsg struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

// Feed consumes the indexer's WebSocket stream and keeps the latest gas
// tick and pool samples available between cycles. It reconnects with
// exponential backoff on connection loss.
type Feed struct {
	url        string
	apiKey     string
	httpClient *http.Client
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	mu         sync.RWMutex

	log zerolog.Logger

	connected    bool
	reconnecting bool
	stopChan     chan struct{}
	stopped      bool

	cacheMu   sync.RWMutex
	lastGas   domain.GasPrice
	lastGasAt time.Time
	pools     map[string]domain.PoolMetric
}

// newHTTP1Client forces HTTP/1.1 in the TLS ALPN. CDN-fronted indexers
// negotiate HTTP/2 otherwise, which breaks the WebSocket upgrade
// handshake.
func newHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

// NewFeed creates a stream client for the given WebSocket URL.
func NewFeed(url, apiKey string, log zerolog.Logger) *Feed {
	return &Feed{
		url:        url,
		apiKey:     apiKey,
		httpClient: newHTTP1Client(),
		log:        log.With().Str("component", "dexscan_feed").Logger(),
		stopChan:   make(chan struct{}),
		pools:      make(map[string]domain.PoolMetric),
	}
}

// Start connects and launches the read loop. A failed initial dial is
// not fatal: the reconnect loop keeps trying in the background.
func (f *Feed) Start() error {
	f.log.Info().Str("url", f.url).Msg("Starting indexer stream")

	if err := f.Connect(); err != nil {
		f.log.Warn().Err(err).Msg("Initial stream connection failed, will retry in background")
		go f.reconnectLoop()
		return err
	}

	f.mu.RLock()
	ctx := f.connCtx
	f.mu.RUnlock()
	go f.readMessages(ctx)

	return nil
}

// Stop shuts the stream down and prevents further reconnects.
func (f *Feed) Stop() error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	f.mu.Unlock()

	close(f.stopChan)
	return f.Disconnect()
}

// Connect dials the stream and subscribes to the gas and pools channels.
func (f *Feed) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	wsURL := f.url
	if f.apiKey != "" {
		wsURL += "?api_key=" + f.apiKey
	}

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPClient: f.httpClient,
	})
	if err != nil {
		return fmt.Errorf("failed to dial stream: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	f.conn = conn
	f.connCtx = connCtx
	f.cancelFunc = connCancel
	f.connected = true

	if err := f.subscribe(connCtx); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		f.conn = nil
		f.connCtx = nil
		f.cancelFunc = nil
		f.connected = false
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	f.log.Info().Msg("Connected to indexer stream")
	return nil
}

// Disconnect closes the connection and cancels pending reads.
func (f *Feed) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn == nil {
		return nil
	}

	if f.cancelFunc != nil {
		f.cancelFunc()
		f.cancelFunc = nil
	}

	err := f.conn.Close(websocket.StatusNormalClosure, "")
	f.conn = nil
	f.connCtx = nil
	f.connected = false

	if err != nil {
		return fmt.Errorf("error closing stream: %w", err)
	}
	return nil
}

func (f *Feed) subscribe(ctx context.Context) error {
	data, err := json.Marshal(subscribeMsg{Op: "subscribe", Channels: []string{"gas", "pools"}})
	if err != nil {
		return fmt.Errorf("failed to marshal subscribe message: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	if err := f.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send subscribe message: %w", err)
	}
	return nil
}

func (f *Feed) readMessages(ctx context.Context) {
	defer func() {
		f.mu.RLock()
		stopped := f.stopped
		f.mu.RUnlock()
		if !stopped {
			go f.reconnectLoop()
		}
	}()

	for {
		select {
		case <-f.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				f.log.Info().Int("status", int(closeStatus)).Msg("Stream closed normally")
			} else if ctx.Err() != nil {
				f.log.Debug().Msg("Stream read cancelled")
			} else {
				f.log.Error().Err(err).Msg("Stream read error")
			}
			return
		}

		if msgType != websocket.MessageText {
			continue
		}

		if err := f.handleMessage(message); err != nil {
			f.log.Error().Err(err).Str("message", string(message)).Msg("Failed to handle stream message")
		}
	}
}

// handleMessage routes one stream frame to its channel handler.
func (f *Feed) handleMessage(message []byte) error {
	var env wsEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		return fmt.Errorf("failed to parse stream frame: %w", err)
	}

	switch env.Channel {
	case "gas":
		var tick gasTick
		if err := json.Unmarshal(env.Data, &tick); err != nil {
			return fmt.Errorf("failed to parse gas tick: %w", err)
		}
		f.cacheMu.Lock()
		f.lastGas = domain.GasPrice{Gwei: tick.Gwei, NativeUSD: tick.NativeUSD}
		f.lastGasAt = time.Now()
		f.cacheMu.Unlock()
		return nil

	case "pools":
		var p poolPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("failed to parse pool update: %w", err)
		}
		if p.PoolID == "" {
			return fmt.Errorf("pool update missing pool_id")
		}
		f.cacheMu.Lock()
		f.pools[p.PoolID] = toMetric(p)
		f.cacheMu.Unlock()
		return nil

	default:
		f.log.Debug().Str("channel", env.Channel).Msg("Ignoring unknown stream channel")
		return nil
	}
}

func (f *Feed) reconnectLoop() {
	f.mu.Lock()
	if f.reconnecting || f.stopped {
		f.mu.Unlock()
		return
	}
	f.reconnecting = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.reconnecting = false
		f.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-f.stopChan:
			return
		default:
		}

		f.mu.RLock()
		stopped := f.stopped
		f.mu.RUnlock()
		if stopped {
			return
		}

		attempt++
		delay := reconnectBackoff(attempt)
		if attempt <= maxReconnectAttempts {
			f.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting to indexer stream")
		} else {
			f.log.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting (past max attempts, still trying)")
		}

		select {
		case <-time.After(delay):
		case <-f.stopChan:
			return
		}

		if err := f.Connect(); err != nil {
			f.log.Error().Err(err).Int("attempt", attempt).Msg("Reconnect failed")
			continue
		}

		f.mu.RLock()
		ctx := f.connCtx
		f.mu.RUnlock()
		go f.readMessages(ctx)
		return
	}
}

func reconnectBackoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}

// GasPrice returns the last gas tick when it is fresh enough to stand in
// for a REST call.
func (f *Feed) GasPrice() (domain.GasPrice, bool) {
	f.cacheMu.RLock()
	defer f.cacheMu.RUnlock()

	if f.lastGasAt.IsZero() || time.Since(f.lastGasAt) > gasStaleThreshold {
		return domain.GasPrice{}, false
	}
	return f.lastGas, true
}

// PoolMetric returns the last streamed sample for a pool, if any.
func (f *Feed) PoolMetric(poolID string) (domain.PoolMetric, bool) {
	f.cacheMu.RLock()
	defer f.cacheMu.RUnlock()

	m, ok := f.pools[poolID]
	return m, ok
}

// IsConnected reports the current connection state.
func (f *Feed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}
