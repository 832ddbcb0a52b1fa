package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"streamflow/internal/book"
	"streamflow/internal/observer"
	"streamflow/logger"
	"streamflow/models"
)

// State is the client lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateSubscribing
	StateStreaming
	StateDegraded
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Conn is the minimal full-duplex message transport the client drives.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens the transport to a venue endpoint.
type Dialer func(ctx context.Context, url string) (Conn, error)

func defaultDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Callbacks are the consumer-facing delivery points. They are invoked from
// the reader task; consumers must not block.
type Callbacks struct {
	OnTicker    func(models.Ticker)
	OnOrderbook func(models.OrderBook)
	OnTrade     func(models.TradeBatch)
	OnCandle    func(models.Candle)
	OnError     func(error)
	OnInfo      func(string)
}

// Options carries the client knobs shared by every venue.
type Options struct {
	MaxMsgFailures int
	FailureWindow  time.Duration
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	ReconnectInit  time.Duration
	ReconnectMax   time.Duration
	RatePerSecond  int
	RateBurst      int
	Dialer         Dialer
}

func (o *Options) withDefaults() {
	if o.MaxMsgFailures <= 0 {
		o.MaxMsgFailures = 100
	}
	if o.FailureWindow <= 0 {
		o.FailureWindow = 60 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 15 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.ReconnectInit <= 0 {
		o.ReconnectInit = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 60 * time.Second
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 5
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 10
	}
	if o.Dialer == nil {
		o.Dialer = defaultDialer
	}
}

// Client drives one venue's stream transports: connection lifecycle,
// heartbeat discipline, subscription bookkeeping, reconnect-with-replay and
// parse-failure quarantine. The venue-specific half is the Adapter.
type Client struct {
	adapter  Adapter
	obs      *observer.Observer
	books    *book.Engine
	registry *Registry
	cb       Callbacks
	opts     Options
	limiter  *rate.Limiter
	failures *failureWindow
	log      *logger.Log

	mu       sync.Mutex
	state    int32 // atomic State
	conn     Conn
	privConn Conn

	rootCtx    context.Context
	rootCancel context.CancelFunc
	connCtx    context.Context
	connCancel context.CancelFunc
	wg         sync.WaitGroup

	lastInbound  int64 // unix nanos of last inbound frame
	reconnecting int32
}

// NewClient wires a venue adapter to the shared observer. The callbacks may
// be partially populated; nil entries are skipped.
func NewClient(adapter Adapter, obs *observer.Observer, cb Callbacks, opts Options) *Client {
	opts.withDefaults()
	return &Client{
		adapter:  adapter,
		obs:      obs,
		books:    book.NewEngine(adapter.Name()),
		registry: NewRegistry(),
		cb:       cb,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.RateBurst),
		failures: newFailureWindow(opts.FailureWindow),
		log:      logger.GetLogger(),
	}
}

// State reports the current lifecycle state.
func (c *Client) State() State {
	return State(atomic.LoadInt32(&c.state))
}

func (c *Client) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
}

// Venue returns the adapter's venue name.
func (c *Client) Venue() string {
	return c.adapter.Name()
}

// Books exposes the client's order-book engine.
func (c *Client) Books() *book.Engine {
	return c.books
}

// Registry exposes the subscription registry, read-only by convention.
func (c *Client) Registry() *Registry {
	return c.registry
}

// Connect opens the public transport and, when the venue exposes one, the
// private transport. A second call while connected is a no-op. Subscribing
// after Disconnect is an error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateClosed:
		return ErrClosed
	case StateConnected, StateSubscribing, StateStreaming, StateDegraded:
		return nil
	}

	log := c.log.WithComponent("stream_client").WithFields(logger.Fields{"venue": c.Venue()})
	c.setState(StateConnecting)

	conn, priv, err := c.dial(ctx)
	if err != nil {
		c.setState(StateIdle)
		log.WithError(err).Error("handshake failed")
		return err
	}

	c.rootCtx, c.rootCancel = context.WithCancel(ctx)
	c.installConns(conn, priv)
	c.setState(StateConnected)
	c.obs.OnConnectionStateChanged(c.Venue(), true)
	if priv != nil {
		c.obs.OnAuthenticationChanged(c.Venue(), true)
	}
	log.Info("connected")
	return nil
}

// dial opens both transports with the handshake timeout applied.
func (c *Client) dial(ctx context.Context) (Conn, Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, err := c.opts.Dialer(dialCtx, c.adapter.PublicURL())
	if err != nil {
		return nil, nil, transportErr("connect "+c.adapter.PublicURL(), err)
	}

	var priv Conn
	if url := c.adapter.PrivateURL(); url != "" {
		priv, err = c.opts.Dialer(dialCtx, url)
		if err != nil {
			conn.Close()
			return nil, nil, transportErr("connect "+url, err)
		}
	}
	return conn, priv, nil
}

// installConns stores the transports and starts reader and heartbeat tasks.
// Caller holds c.mu.
func (c *Client) installConns(conn, priv Conn) {
	c.conn = conn
	c.privConn = priv
	c.connCtx, c.connCancel = context.WithCancel(c.rootCtx)
	atomic.StoreInt64(&c.lastInbound, time.Now().UnixNano())
	atomic.StoreInt32(&c.reconnecting, 0)

	c.wg.Add(1)
	go c.readLoop(c.connCtx, conn, false)
	if priv != nil {
		c.wg.Add(1)
		go c.readLoop(c.connCtx, priv, true)
	}
	c.wg.Add(1)
	go c.heartbeat(c.connCtx)
}

// Disconnect gracefully closes the transports, cancels the reader and
// heartbeat tasks and waits for them to exit. Metrics are not cleared.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.State() == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.setState(StateClosed)
	if c.rootCancel != nil {
		c.rootCancel()
	}
	c.closeConnsLocked()
	c.mu.Unlock()

	c.wg.Wait()
	c.obs.OnConnectionStateChanged(c.Venue(), false)
	c.log.WithComponent("stream_client").WithFields(logger.Fields{"venue": c.Venue()}).Info("disconnected")
	return nil
}

func (c *Client) closeConnsLocked() {
	if c.connCancel != nil {
		c.connCancel()
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.privConn != nil {
		c.privConn.Close()
		c.privConn = nil
	}
}

// SubscribeTicker opens the ticker channel for a canonical symbol.
func (c *Client) SubscribeTicker(symbol string) (bool, error) {
	return c.Subscribe(models.ChannelTicker, symbol, "")
}

// SubscribeOrderbook opens the order-book channel for a canonical symbol.
func (c *Client) SubscribeOrderbook(symbol string) (bool, error) {
	return c.Subscribe(models.ChannelOrderbook, symbol, "")
}

// SubscribeTrades opens the trades channel for a canonical symbol.
func (c *Client) SubscribeTrades(symbol string) (bool, error) {
	return c.Subscribe(models.ChannelTrades, symbol, "")
}

// SubscribeCandles opens the candles channel at the given canonical interval.
func (c *Client) SubscribeCandles(symbol, interval string) (bool, error) {
	if strings.TrimSpace(interval) == "" {
		return false, argumentErr("candles subscription needs an interval")
	}
	return c.Subscribe(models.ChannelCandles, symbol, interval)
}

// Subscribe registers the descriptor, renders the venue frame and writes it.
// Argument errors return synchronously; transport and contract failures
// return false and raise an OnError event without tearing the connection
// down. The descriptor is retained inactive on failure and replayed on the
// next reconnect only once marked active.
func (c *Client) Subscribe(channel models.Channel, symbol, extra string) (bool, error) {
	if c.State() == StateClosed {
		return false, ErrClosed
	}
	if !channel.Valid() {
		return false, argumentErr("unknown channel %q", channel)
	}
	if strings.TrimSpace(symbol) == "" {
		return false, argumentErr("empty symbol")
	}
	if _, err := models.ParseMarket(symbol); err != nil {
		return false, argumentErr("symbol %q is not canonical BASE/QUOTE", symbol)
	}

	if !c.adapter.SupportsChannel(channel) {
		c.raiseError(contractErr(c.Venue(), string(channel)))
		return false, nil
	}

	sub := c.registry.Add(channel, symbol, extra)
	if c.sendSubscriptions([]models.Subscription{*sub}) != nil {
		return false, nil
	}

	c.registry.MarkActive(sub)
	c.obs.OnSubscriptionChanged(c.Venue(), channel, symbol, true)
	if c.State() == StateConnected {
		c.setState(StateStreaming)
	}
	return true, nil
}

// SubscribeBatch registers several descriptors and dispatches them through
// the adapter's batching rules: batch-capable venues coalesce two or more
// into grouped frames, others get one frame each.
func (c *Client) SubscribeBatch(subs []models.Subscription) (int, error) {
	if c.State() == StateClosed {
		return 0, ErrClosed
	}

	accepted := make([]*models.Subscription, 0, len(subs))
	for _, s := range subs {
		if !s.Channel.Valid() {
			return 0, argumentErr("unknown channel %q", s.Channel)
		}
		if _, err := models.ParseMarket(s.Symbol); err != nil {
			return 0, argumentErr("symbol %q is not canonical BASE/QUOTE", s.Symbol)
		}
		if !c.adapter.SupportsChannel(s.Channel) {
			c.raiseError(contractErr(c.Venue(), string(s.Channel)))
			continue
		}
		accepted = append(accepted, c.registry.Add(s.Channel, s.Symbol, s.Extra))
	}
	if len(accepted) == 0 {
		return 0, nil
	}

	batch := make([]models.Subscription, len(accepted))
	for i, s := range accepted {
		batch[i] = *s
	}
	if err := c.sendSubscriptions(batch); err != nil {
		return 0, nil
	}
	for _, s := range accepted {
		c.registry.MarkActive(s)
		c.obs.OnSubscriptionChanged(c.Venue(), s.Channel, s.Symbol, true)
	}
	if c.State() == StateConnected {
		c.setState(StateStreaming)
	}
	return len(accepted), nil
}

// sendSubscriptions renders and writes the subscribe frames for the given
// descriptors. Failures raise OnError and are returned.
func (c *Client) sendSubscriptions(subs []models.Subscription) error {
	frames, err := c.adapter.SubscribeFrames(subs)
	if err != nil {
		c.raiseError(parseErr(c.Venue(), err))
		return err
	}
	for _, frame := range frames {
		if err := c.writeFrame(frame); err != nil {
			c.raiseError(err)
			return err
		}
	}
	return nil
}

// Unsubscribe is best effort: the venue's unsubscribe frame is sent when one
// exists, the descriptor is removed from the registry either way.
func (c *Client) Unsubscribe(channel models.Channel, symbol, extra string) error {
	if c.State() == StateClosed {
		return ErrClosed
	}

	sub, ok := c.registry.Remove(channel, symbol, extra)
	if !ok {
		return nil
	}
	if frame, err := c.adapter.UnsubscribeFrame(*sub); err == nil && frame != nil {
		if werr := c.writeFrame(frame); werr != nil {
			c.log.WithComponent("stream_client").WithFields(logger.Fields{
				"venue":   c.Venue(),
				"channel": channel,
				"symbol":  symbol,
			}).WithError(werr).Warn("unsubscribe frame not delivered")
		}
	}
	c.obs.OnSubscriptionChanged(c.Venue(), channel, symbol, false)
	if channel == models.ChannelOrderbook {
		c.books.Reset(symbol)
	}
	return nil
}

// writeFrame writes one text frame under the send timeout and the outbound
// rate limit.
func (c *Client) writeFrame(frame []byte) error {
	ctx := c.rootCtx
	if ctx == nil {
		ctx = context.Background()
	}
	waitCtx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
	defer cancel()
	if err := c.limiter.Wait(waitCtx); err != nil {
		return transportErr("rate limit", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return transportErr("write", fmt.Errorf("not connected"))
	}

	conn.SetWriteDeadline(time.Now().Add(c.opts.SendTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return transportErr("write", err)
	}
	return nil
}

// readLoop consumes frames from one transport until it fails or the
// connection context is cancelled.
func (c *Client) readLoop(ctx context.Context, conn Conn, private bool) {
	defer c.wg.Done()

	log := c.log.WithComponent("stream_client").WithFields(logger.Fields{
		"venue":   c.Venue(),
		"private": private,
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || c.State() == StateClosed {
				return
			}
			log.WithError(err).Warn("read failed")
			c.triggerReconnect("read failure")
			return
		}

		atomic.StoreInt64(&c.lastInbound, time.Now().UnixNano())
		logger.IncrementFrameRead(c.Venue(), len(data))
		c.handleFrame(data, private)

		if ctx.Err() != nil {
			return
		}
	}
}

// handleFrame runs the adapter parser with panic containment. Parser errors
// drop the frame and count toward the quarantine threshold.
func (c *Client) handleFrame(data []byte, private bool) {
	emit := &frameEmitter{
		client:   c,
		size:     len(data),
		received: time.Now(),
		private:  private,
	}

	defer func() {
		if r := recover(); r != nil {
			c.noteParseFailure(parseErr(c.Venue(), fmt.Errorf("parser panic: %v", r)))
		}
	}()

	if err := c.adapter.ProcessMessage(data, private, emit); err != nil {
		c.noteParseFailure(parseErr(c.Venue(), err))
		return
	}

	// A clean parse lifts the quarantine sub-state.
	if c.State() == StateDegraded {
		c.setState(StateStreaming)
	}
}

// noteParseFailure counts a dropped frame; past the threshold within the
// rolling window the client abandons the connection.
func (c *Client) noteParseFailure(err error) {
	logger.IncrementParseFailure()
	c.raiseError(err)

	if s := c.State(); s == StateStreaming {
		c.setState(StateDegraded)
	}

	count := c.failures.Add(time.Now())
	if count > c.opts.MaxMsgFailures {
		c.log.WithComponent("stream_client").WithFields(logger.Fields{
			"venue":    c.Venue(),
			"failures": count,
			"window":   c.opts.FailureWindow.String(),
		}).Error("parse failure threshold exceeded")
		c.failures.Reset()
		c.triggerReconnect("parse failure quarantine")
	}
}

// raiseError reports through both the observer and the consumer callback.
func (c *Client) raiseError(err error) {
	c.obs.OnError(c.Venue(), err.Error())
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
}

// heartbeat sends the adapter's ping every interval and declares the link
// dead when no inbound frame arrives for two consecutive intervals.
func (c *Client) heartbeat(ctx context.Context) {
	defer c.wg.Done()

	interval := c.adapter.PingInterval()
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, atomic.LoadInt64(&c.lastInbound))
			if time.Since(last) > 2*interval {
				c.log.WithComponent("stream_client").WithFields(logger.Fields{
					"venue": c.Venue(),
					"idle":  time.Since(last).String(),
				}).Warn("heartbeat timeout")
				c.triggerReconnect("heartbeat timeout")
				return
			}
			c.sendPing()
		}
	}
}

func (c *Client) sendPing() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	if msg := c.adapter.CreatePingMessage(); msg != "" {
		conn.SetWriteDeadline(time.Now().Add(c.opts.SendTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			c.log.WithComponent("stream_client").WithFields(logger.Fields{"venue": c.Venue()}).WithError(err).Warn("ping write failed")
		}
		return
	}
	// Empty ping message: fall back to a transport-level ping frame.
	if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.SendTimeout)); err != nil {
		c.log.WithComponent("stream_client").WithFields(logger.Fields{"venue": c.Venue()}).WithError(err).Warn("transport ping failed")
	}
}

// triggerReconnect tears the current connection down and starts the backoff
// task. Only one reconnect task runs at a time.
func (c *Client) triggerReconnect(reason string) {
	if c.State() == StateClosed {
		return
	}
	if !atomic.CompareAndSwapInt32(&c.reconnecting, 0, 1) {
		return
	}

	c.log.WithComponent("stream_client").WithFields(logger.Fields{
		"venue":  c.Venue(),
		"reason": reason,
	}).Warn("reconnecting")

	c.mu.Lock()
	if c.State() == StateClosed {
		c.mu.Unlock()
		return
	}
	c.setState(StateReconnecting)
	c.closeConnsLocked()
	c.mu.Unlock()

	c.obs.OnConnectionStateChanged(c.Venue(), false)

	c.wg.Add(1)
	go c.reconnectLoop()
}

// reconnectLoop dials with exponential backoff (full jitter, capped) until
// the transport is back, then replays the active subscription registry in
// insertion order.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	log := c.log.WithComponent("stream_client").WithFields(logger.Fields{"venue": c.Venue()})

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.ReconnectInit
	policy.MaxInterval = c.opts.ReconnectMax
	policy.RandomizationFactor = 1 // full jitter
	policy.MaxElapsedTime = 0

	ctx := c.rootCtx

	var conn, priv Conn
	err := backoff.Retry(func() error {
		if ctx.Err() != nil || c.State() == StateClosed {
			return backoff.Permanent(ErrClosed)
		}
		var dialErr error
		conn, priv, dialErr = c.dial(ctx)
		if dialErr != nil {
			log.WithError(dialErr).Warn("reconnect attempt failed")
		}
		return dialErr
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		log.WithError(err).Error("reconnect abandoned")
		return
	}

	c.mu.Lock()
	if c.State() == StateClosed {
		c.mu.Unlock()
		conn.Close()
		if priv != nil {
			priv.Close()
		}
		return
	}
	c.installConns(conn, priv)
	c.setState(StateConnected)
	c.mu.Unlock()

	// The book cache must be empty before the first post-reconnect frame.
	c.books.ResetAll()
	c.failures.Reset()
	c.obs.OnConnectionStateChanged(c.Venue(), true)
	logger.IncrementReconnect()
	log.Info("reconnected")

	c.replaySubscriptions()
}

// replaySubscriptions re-sends the active registry in insertion order.
// Batch-capable adapters coalesce the replay into grouped frames.
func (c *Client) replaySubscriptions() {
	subs := c.registry.Active()
	if len(subs) == 0 {
		c.setState(StateStreaming)
		return
	}

	c.setState(StateSubscribing)
	if err := c.sendSubscriptions(subs); err != nil {
		c.log.WithComponent("stream_client").WithFields(logger.Fields{
			"venue":         c.Venue(),
			"subscriptions": len(subs),
		}).WithError(err).Error("subscription replay failed")
		return
	}
	c.setState(StateStreaming)

	c.log.WithComponent("stream_client").WithFields(logger.Fields{
		"venue":         c.Venue(),
		"subscriptions": len(subs),
	}).Info("subscriptions replayed")
}

// frameEmitter routes one frame's parsed records to the callbacks and the
// observer, attributing size and processing latency.
type frameEmitter struct {
	client   *Client
	size     int
	received time.Time
	private  bool
}

func (e *frameEmitter) Books() *book.Engine {
	return e.client.books
}

// Send writes a protocol reply without consuming the subscribe rate budget.
func (e *frameEmitter) Send(frame []byte) error {
	c := e.client
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return transportErr("write", fmt.Errorf("not connected"))
	}
	conn.SetWriteDeadline(time.Now().Add(c.opts.SendTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return transportErr("write", err)
	}
	return nil
}

func (e *frameEmitter) latencyMs() float64 {
	return float64(time.Since(e.received).Microseconds()) / 1000.0
}

func (e *frameEmitter) account(channel models.Channel, symbol string) {
	e.client.obs.OnMessageReceived(e.client.Venue(), channel, symbol, e.size, e.latencyMs())
}

func (e *frameEmitter) EmitTicker(t models.Ticker) {
	e.account(models.ChannelTicker, t.Symbol)
	if e.client.cb.OnTicker != nil {
		e.client.cb.OnTicker(t)
	}
}

func (e *frameEmitter) EmitOrderbook(b models.OrderBook) {
	e.account(models.ChannelOrderbook, b.Symbol)
	if e.client.cb.OnOrderbook != nil {
		e.client.cb.OnOrderbook(b)
	}
}

func (e *frameEmitter) EmitTrades(t models.TradeBatch) {
	e.account(models.ChannelTrades, t.Symbol)
	if e.client.cb.OnTrade != nil {
		e.client.cb.OnTrade(t)
	}
}

func (e *frameEmitter) EmitCandle(k models.Candle) {
	e.account(models.ChannelCandles, k.Symbol)
	if e.client.cb.OnCandle != nil {
		e.client.cb.OnCandle(k)
	}
}

func (e *frameEmitter) EmitInfo(message string) {
	if e.client.cb.OnInfo != nil {
		e.client.cb.OnInfo(message)
	}
}

func (e *frameEmitter) EmitError(err error) {
	e.client.raiseError(err)
}

func (e *frameEmitter) RequestReconnect(reason string) {
	e.client.triggerReconnect(reason)
}
