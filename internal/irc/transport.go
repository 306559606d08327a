package irc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircevent"
	"github.com/ergochat/irc-go/ircmsg"
	"golang.org/x/time/rate"

	"github.com/palaverchat/palaver/internal/logger"
)

// outboundQueueSize bounds the send queue; a full queue rejects the send
// instead of blocking the caller behind the rate limiter
const outboundQueueSize = 64

// Handler receives transport callbacks. Callbacks for one endpoint are
// delivered sequentially from a single goroutine.
type Handler interface {
	// HandleMessage delivers one parsed inbound message
	HandleMessage(msg ircmsg.Message)

	// HandleError reports a transport fault that did not close the connection
	HandleError(err error)

	// HandleClosed reports that the connection is gone, expectedly or not
	HandleClosed()
}

// Endpoint is one open transport connection
type Endpoint interface {
	// SendMessage queues msg for delivery
	SendMessage(msg ircmsg.Message) error

	// Close tears the connection down. Close is idempotent.
	Close() error
}

// Dialer opens a transport for params, delivering events to h
type Dialer func(params ConnectParams, h Handler) (Endpoint, error)

// ircEndpoint adapts an ircevent connection to the Endpoint interface with
// a rate-limited outbound writer, so command floods cannot trip server
// flood protection.
type ircEndpoint struct {
	conn    *ircevent.Connection
	limiter *rate.Limiter
	out     chan ircmsg.Message

	closeOnce sync.Once
	cancel    context.CancelFunc
}

// Dial opens a TCP/TLS connection to the server named in params. Automatic
// reconnection is disabled at the transport level; the session owns the
// reconnect policy.
func Dial(params ConnectParams, h Handler) (Endpoint, error) {
	conn := &ircevent.Connection{
		Server:        params.Addr,
		Nick:          params.Nick,
		User:          params.EffectiveUsername(),
		RealName:      params.EffectiveRealname(),
		UseTLS:        params.TLS,
		Password:      params.Pass,
		ReconnectFreq: 0,
	}

	conn.AddCallback("", func(e ircmsg.Message) {
		h.HandleMessage(e)
	})
	conn.AddDisconnectCallback(func(e ircmsg.Message) {
		h.HandleClosed()
	})

	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", params.Addr, err)
	}

	// Open capability negotiation before the server completes registration
	if err := conn.SendRaw("CAP LS 302"); err != nil {
		logger.Log.Warn().Err(err).Msg("Failed to send CAP LS")
	}

	go conn.Loop()

	ctx, cancel := context.WithCancel(context.Background())
	ep := &ircEndpoint{
		conn: conn,
		// A burst absorbs registration traffic, then roughly 2 lines/sec
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 10),
		out:     make(chan ircmsg.Message, outboundQueueSize),
		cancel:  cancel,
	}
	go ep.writeLoop(ctx, h)
	return ep, nil
}

func (ep *ircEndpoint) writeLoop(ctx context.Context, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ep.out:
			if err := ep.limiter.Wait(ctx); err != nil {
				return
			}
			if err := ep.conn.SendIRCMessage(msg); err != nil {
				h.HandleError(fmt.Errorf("failed to send %s: %w", msg.Command, err))
			}
		}
	}
}

func (ep *ircEndpoint) SendMessage(msg ircmsg.Message) error {
	select {
	case ep.out <- msg:
		return nil
	default:
		return fmt.Errorf("outbound queue full, dropping %s", msg.Command)
	}
}

func (ep *ircEndpoint) Close() error {
	ep.closeOnce.Do(func() {
		ep.cancel()
		ep.conn.Quit()
	})
	return nil
}
