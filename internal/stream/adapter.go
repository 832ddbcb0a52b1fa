package stream

import (
	"time"

	"streamflow/internal/book"
	"streamflow/models"
)

// Emitter is handed to the adapter's parser for each frame. Emitted records
// are delivered to the consumer callbacks and accounted by the observer.
// Parser code runs on the reader task and must not block.
type Emitter interface {
	// Books exposes the client's order-book engine so parsers can merge
	// snapshot and delta payloads before emitting.
	Books() *book.Engine

	EmitTicker(models.Ticker)
	EmitOrderbook(models.OrderBook)
	EmitTrades(models.TradeBatch)
	EmitCandle(models.Candle)

	// Send writes a protocol reply frame (pong answers, heartbeat
	// responses) on the public transport.
	Send(frame []byte) error

	// EmitInfo surfaces a non-error venue notice (status frames, system
	// messages).
	EmitInfo(message string)
	// EmitError surfaces a venue protocol error without tearing down the
	// connection.
	EmitError(err error)
	// RequestReconnect asks the client to close and reconnect immediately,
	// used when the venue sends an explicit reconnect request or an error
	// frame the adapter recognizes as fatal.
	RequestReconnect(reason string)
}

// Adapter supplies the venue-specific half of a stream client: endpoints,
// symbol and frame formats, and the payload parser.
type Adapter interface {
	Name() string

	// PublicURL is the public stream endpoint. PrivateURL returns "" when
	// the venue has no private transport.
	PublicURL() string
	PrivateURL() string

	// PingInterval is the cadence of the heartbeat task.
	PingInterval() time.Duration
	// CreatePingMessage returns the application-level ping frame, or ""
	// to rely on transport-level pings.
	CreatePingMessage() string

	// FormatSymbol renders a market the way the venue spells it on the wire.
	FormatSymbol(m models.Market) string

	// SupportsChannel reports whether the venue offers the logical channel.
	SupportsChannel(ch models.Channel) bool

	// SupportsBatchSubscriptions reports whether several subscriptions can
	// be coalesced into fewer frames.
	SupportsBatchSubscriptions() bool

	// SubscribeFrames renders subscription frames for the given
	// descriptors. Batch-capable adapters group the list per their wire
	// rules; others return one frame per descriptor, in input order.
	SubscribeFrames(subs []models.Subscription) ([][]byte, error)

	// UnsubscribeFrame renders the venue's unsubscribe frame, or nil when
	// the venue has none.
	UnsubscribeFrame(sub models.Subscription) ([]byte, error)

	// ProcessMessage parses one transport frame and emits normalized
	// records. A returned error counts toward the parse-failure quarantine
	// and drops the frame.
	ProcessMessage(data []byte, private bool, emit Emitter) error
}
