package collection

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Watcher streams collection change events.
type Watcher interface {
	Watch(ctx context.Context, fn func(ChangeEvent)) error
}

var _ Watcher = (*HTTPClient)(nil)

// Watch subscribes to the service's change feed and calls fn for every
// event until ctx is done or the connection drops. It returns nil when ctx
// ends the subscription.
func (c *HTTPClient) Watch(ctx context.Context, fn func(ChangeEvent)) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	header.Set(HeaderCorrelationID, correlationID())
	opts := &websocket.DialOptions{HTTPHeader: header}
	// The dialer rejects clients with a Timeout; ctx bounds the stream instead.
	if c.httpClient.Timeout == 0 {
		opts.HTTPClient = c.httpClient
	}
	conn, _, err := websocket.Dial(ctx, websocketURL(c.baseURL)+questionsPath+"/events", opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var event ChangeEvent
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		c.logger.Debug("change event", zap.String("type", event.Type), zap.Int64("id", event.ID))
		fn(event)
	}
}

func websocketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	return baseURL
}
