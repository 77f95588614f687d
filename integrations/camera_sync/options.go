package camera_sync

import (
	"context"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/heysalad/laura-camera-client/internal"
	"github.com/heysalad/laura-camera-client/internal/heartbeat"
	"github.com/heysalad/laura-camera-client/internal/transport"
	"github.com/heysalad/laura-camera-client/pkg/model"
)

// CommandHandler executes one command. Commands are handed over one at a time
// in arrival order.
type CommandHandler func(ctx context.Context, cmd model.Command)

type Option func(*Client)

func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithHTTPClient sets the client used by the default HTTPS requester.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

// WithRequester replaces the HTTPS requester. The requester is then
// responsible for the credential headers and the request timeout.
func WithRequester(requester transport.Requester) Option {
	return func(c *Client) { c.requester = requester }
}

func WithDialer(dialer transport.Dialer) Option {
	return func(c *Client) { c.dialer = dialer }
}

func WithStatusSource(source heartbeat.StatusSource) Option {
	return func(c *Client) { c.statusSource = source }
}

// WithHandler sets the handler Run dispatches commands to. Without a handler
// commands wait for ProcessPendingCommands.
func WithHandler(handler CommandHandler) Option {
	return func(c *Client) { c.handler = handler }
}

func WithTimings(statusInterval, commandTimeout time.Duration) Option {
	return func(c *Client) {
		if statusInterval > 0 {
			c.statusInterval = statusInterval
		}
		if commandTimeout > 0 {
			c.commandTimeout = commandTimeout
		}
	}
}

func WithChannelTuning(tuning internal.ChannelTuning) Option {
	return func(c *Client) { c.tuning = tuning }
}

// WithKeepalive overrides the realtime socket keepalive period.
func WithKeepalive(interval time.Duration) Option {
	return func(c *Client) { c.keepalive = interval }
}
