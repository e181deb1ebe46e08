// Package feed maintains the market data websocket connection and delivers
// raw frames to the dispatcher.
package feed

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/deepterminal/deepterminal/errs"
	"github.com/deepterminal/deepterminal/internal/schema"
)

const (
	defaultFrameBuffer    = 1024
	defaultReadLimit      = 1 << 20
	defaultPingInterval   = 30 * time.Second
	defaultPingTimeout    = 5 * time.Second
	defaultConnectTimeout = 10 * time.Second
	maxReconnectInterval  = 30 * time.Second
	writeTimeout          = 5 * time.Second
)

type subscribeMessage struct {
	Type        string   `json:"type"`
	Instruments []string `json:"instruments"`
	FeedType    string   `json:"feed_type,omitempty"`
}

// Connection manages one persistent websocket session with automatic
// reconnection. Each successful dial advances the epoch; frames are stamped
// with the epoch they arrived on so the staleness check can tell reconnect
// replays from genuine regressions.
type Connection struct {
	url    string
	token  string
	logger *log.Logger

	frameBuffer  int
	readLimit    int64
	pingInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	conn   *websocket.Conn
	connMu sync.RWMutex

	instruments map[string]struct{}
	subsMu      sync.Mutex

	frames chan schema.RawFrame
	status chan schema.FeedStatus

	epoch     atomic.Uint32
	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once
}

// Option configures the connection.
type Option func(*Connection)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithFrameBuffer sizes the outbound frame channel.
func WithFrameBuffer(n int) Option {
	return func(c *Connection) {
		if n > 0 {
			c.frameBuffer = n
		}
	}
}

// WithReadLimit caps the size of inbound frames.
func WithReadLimit(n int64) Option {
	return func(c *Connection) {
		if n > 0 {
			c.readLimit = n
		}
	}
}

// WithPingInterval sets the keepalive cadence.
func WithPingInterval(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

// NewConnection constructs an unstarted connection manager.
func NewConnection(url, token string, opts ...Option) (*Connection, error) {
	if url == "" {
		return nil, errs.New("feed", errs.CodeInvalid, errs.WithMessage("feed url required"))
	}
	c := &Connection{
		url:          url,
		token:        token,
		logger:       log.Default(),
		frameBuffer:  defaultFrameBuffer,
		readLimit:    defaultReadLimit,
		pingInterval: defaultPingInterval,
		instruments:  make(map[string]struct{}),
		ready:        make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.frames = make(chan schema.RawFrame, c.frameBuffer)
	c.status = make(chan schema.FeedStatus, 8)
	return c, nil
}

// Frames returns the raw frame stream. Closed when the connection shuts down.
func (c *Connection) Frames() <-chan schema.RawFrame { return c.frames }

// Status returns connection state transitions. Best-effort, never blocks.
func (c *Connection) Status() <-chan schema.FeedStatus { return c.status }

// Epoch returns the current connection generation.
func (c *Connection) Epoch() uint32 { return c.epoch.Load() }

// Start dials in the background and waits for the first session or timeout.
// The caller's context bounds only that wait: the connection itself lives
// until Close, reconnecting for as long as the process runs.
func (c *Connection) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(c.frames)
		c.run()
	}()

	select {
	case <-c.ready:
		return nil
	case <-time.After(defaultConnectTimeout):
		c.Close()
		return errs.New("feed", errs.CodeUnavailable, errs.WithMessage("timeout waiting for feed connection"))
	case <-ctx.Done():
		c.Close()
		return errs.New("feed", errs.CodeUnavailable, errs.WithCause(ctx.Err()))
	}
}

// Subscribe adds instruments to the watch set and subscribes them on the
// live session, if any. The set is replayed in full after every reconnect.
func (c *Connection) Subscribe(instruments ...schema.Instrument) error {
	added := make([]string, 0, len(instruments))
	c.subsMu.Lock()
	for _, instrument := range instruments {
		key := instrument.Key()
		if _, exists := c.instruments[key]; !exists {
			c.instruments[key] = struct{}{}
			added = append(added, key)
		}
	}
	c.subsMu.Unlock()

	if len(added) == 0 {
		return nil
	}
	return c.sendSubscribe("subscribe", added)
}

// Unsubscribe removes instruments from the watch set.
func (c *Connection) Unsubscribe(instruments ...schema.Instrument) error {
	removed := make([]string, 0, len(instruments))
	c.subsMu.Lock()
	for _, instrument := range instruments {
		key := instrument.Key()
		if _, exists := c.instruments[key]; exists {
			delete(c.instruments, key)
			removed = append(removed, key)
		}
	}
	c.subsMu.Unlock()

	if len(removed) == 0 {
		return nil
	}
	return c.sendSubscribe("unsubscribe", removed)
}

// Close tears the session down and stops reconnecting.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
			c.conn = nil
		}
		c.connMu.Unlock()
		c.wg.Wait()
	})
}

// run keeps a single session alive until the context ends: dial, replay
// subscriptions, pump frames, back off, repeat.
func (c *Connection) run() {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		conn, err := c.dial()
		if err != nil {
			c.logger.Printf("feed: dial %s: %v", c.url, err)
			if !c.sleep(backoffCfg.NextBackOff()) {
				return
			}
			continue
		}

		epoch := c.epoch.Add(1)
		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		c.readyOnce.Do(func() { close(c.ready) })
		backoffCfg.Reset()
		c.reportStatus(true, epoch)

		if err := c.resubscribe(); err != nil {
			c.logger.Printf("feed: resubscribe after reconnect: %v", err)
		}

		err = c.session(conn, epoch)
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		c.reportStatus(false, epoch)

		if errors.Is(err, context.Canceled) {
			return
		}
		c.logger.Printf("feed: session ended: %v", err)

		if !c.sleep(backoffCfg.NextBackOff()) {
			return
		}
	}
}

func (c *Connection) dial() (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(c.ctx, defaultConnectTimeout)
	defer cancel()

	var opts *websocket.DialOptions
	if c.token != "" {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+c.token)
		opts = &websocket.DialOptions{HTTPHeader: header}
	}
	conn, _, err := websocket.Dial(dialCtx, c.url, opts)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(c.readLimit)
	return conn, nil
}

// session runs the read and ping loops for one connection; whichever fails
// first tears the other down.
func (c *Connection) session(conn *websocket.Conn, epoch uint32) error {
	sessionCtx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	errCh := make(chan error, 2)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		errCh <- c.pingLoop(sessionCtx, conn)
	}()

	errCh <- c.readLoop(sessionCtx, conn, epoch)
	cancel()
	err := <-errCh

	_ = conn.Close(websocket.StatusNormalClosure, "")
	return err
}

func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn, epoch uint32) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return context.Canceled
			}
			return err
		}
		if msgType != websocket.MessageText && msgType != websocket.MessageBinary {
			continue
		}

		frame := schema.RawFrame{Data: data, Epoch: epoch, ReceivedAt: time.Now()}
		select {
		case c.frames <- frame:
		case <-ctx.Done():
			return context.Canceled
		}
	}
}

func (c *Connection) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (c *Connection) resubscribe() error {
	c.subsMu.Lock()
	keys := make([]string, 0, len(c.instruments))
	for key := range c.instruments {
		keys = append(keys, key)
	}
	c.subsMu.Unlock()

	if len(keys) == 0 {
		return nil
	}
	return c.sendSubscribe("subscribe", keys)
}

func (c *Connection) sendSubscribe(msgType string, keys []string) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		// Not connected; the watch set is replayed on the next session.
		return nil
	}

	msg := subscribeMessage{Type: msgType, Instruments: keys, FeedType: "full"}
	data, err := json.Marshal(msg)
	if err != nil {
		return errs.New("feed", errs.CodeInvalid, errs.WithMessage("encode "+msgType), errs.WithCause(err))
	}

	writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.New("feed", errs.CodeExternal, errs.WithMessage("write "+msgType), errs.WithCause(err))
	}
	return nil
}

func (c *Connection) reportStatus(connected bool, epoch uint32) {
	update := schema.FeedStatus{Connected: connected, Epoch: epoch, At: time.Now()}
	select {
	case c.status <- update:
	default:
	}
}

func (c *Connection) sleep(d time.Duration) bool {
	if d == backoff.Stop {
		d = maxReconnectInterval
	}
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
