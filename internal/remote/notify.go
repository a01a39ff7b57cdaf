package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/coder/websocket"
)

const (
	notifyReconnectMin = 5 * time.Second
	notifyReconnectMax = 5 * time.Minute

	// notifyJitterDivisor controls the random jitter added to reconnect
	// backoff: jitter is uniform in [0, backoff/notifyJitterDivisor).
	notifyJitterDivisor = 2

	// notifyBackoffMultiplier is the exponential growth factor applied to
	// the reconnect backoff after each consecutive failure.
	notifyBackoffMultiplier = 2

	// notifyReadLimit caps inbound frames; change events are tiny.
	notifyReadLimit = 64 * 1024
)

// changeEvent is the wire shape of a remote change notification.
type changeEvent struct {
	Op      string `json:"op"`
	BoardID string `json:"board_id"`
}

// Notifier subscribes to a WebSocket feed of remote change events and
// invokes a callback per changed board. Advisory only: the drain's
// fingerprint pre-check remains the authority on divergence, so a missed
// or duplicate event costs nothing but an extra poll.
type Notifier struct {
	url      string
	onChange func(boardID string)
	logger   *slog.Logger

	// reconnect bounds, shortened in tests.
	reconnectMin time.Duration
	reconnectMax time.Duration
}

// NewNotifier creates a notifier for the given WebSocket URL.
func NewNotifier(url string, onChange func(boardID string), logger *slog.Logger) *Notifier {
	return &Notifier{
		url:          url,
		onChange:     onChange,
		logger:       logger,
		reconnectMin: notifyReconnectMin,
		reconnectMax: notifyReconnectMax,
	}
}

// Run connects and reads change events until the context is cancelled,
// reconnecting with exponential backoff and jitter on connection loss.
func (n *Notifier) Run(ctx context.Context) error {
	backoff := n.reconnectMin

	for {
		connected, err := n.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if connected {
			// A session that reached the feed resets the escalation, so
			// a drop after a long healthy stretch redials promptly.
			backoff = n.reconnectMin
		}

		n.logger.Warn("notifier connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff) / notifyJitterDivisor)) //nolint:gosec // G404: jitter only, no security impact

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*notifyBackoffMultiplier, n.reconnectMax)
	}
}

// listen dials the feed and processes events until the connection
// drops. The bool reports whether the dial succeeded.
func (n *Notifier) listen(ctx context.Context) (bool, error) {
	conn, _, err := websocket.Dial(ctx, n.url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return false, fmt.Errorf("dialing notify feed: %w", err)
	}

	conn.SetReadLimit(notifyReadLimit)
	defer conn.Close(websocket.StatusNormalClosure, "")

	n.logger.Info("notifier connected", slog.String("url", n.url))

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, fmt.Errorf("reading notify frame: %w", err)
		}

		var ev changeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			n.logger.Debug("unparseable notify frame", slog.Int("bytes", len(data)))
			continue
		}

		switch ev.Op {
		case "changed":
			n.logger.Debug("remote change event", slog.String("board_id", ev.BoardID))
			n.onChange(ev.BoardID)

		case "ping":
			_ = conn.Write(ctx, websocket.MessageText, []byte(`{"op":"pong"}`))

		default:
			n.logger.Debug("unexpected notify op", slog.String("op", ev.Op))
		}
	}
}
