package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"visiocall/internal/core/domain"
	"visiocall/pkg/config"
	apperrors "visiocall/pkg/errors"
	"visiocall/pkg/retry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

var ErrClientClosed = errors.New("signaling connection closed")

type ClientConfig struct {
	URL            string
	RequestTimeout time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	EventBuffer    int
	Retry          retry.Config
}

func ClientConfigFrom(cfg *config.Config) ClientConfig {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.Client.Reconnect.MaxAttempts
	rc.InitialDelay = cfg.Client.Reconnect.InitialDelay
	rc.MaxDelay = cfg.Client.Reconnect.MaxDelay

	return ClientConfig{
		URL:            cfg.Client.ServerURL,
		RequestTimeout: cfg.Client.RequestTimeout,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		EventBuffer:    64,
		Retry:          rc,
	}
}

// Client is an endpoint's signaling connection. Requests are correlated by
// id; pushed events are decoded and exposed on Events.
type Client struct {
	cfg ClientConfig
	ws  *websocket.Conn

	writeMu sync.Mutex
	pending *xsync.MapOf[string, chan inboundFrame]
	events  chan domain.Event

	done      chan struct{}
	closeOnce sync.Once
	err       error

	logger *zap.SugaredLogger
}

// Dial connects to the signaling server, retrying with backoff.
func Dial(ctx context.Context, cfg ClientConfig, logger *zap.SugaredLogger) (*Client, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}

	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = func(attempt int, err error, delay time.Duration) {
			logger.Infow("signaling server unreachable, retrying",
				"url", cfg.URL, "attempt", attempt, "delay", delay, "error", err)
		}
	}

	ws, err := retry.RetryWithResult(ctx, cfg.Retry, func() (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
		return conn, err
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.URL, err)
	}

	c := &Client{
		cfg:     cfg,
		ws:      ws,
		pending: xsync.NewMapOf[string, chan inboundFrame](),
		events:  make(chan domain.Event, cfg.EventBuffer),
		done:    make(chan struct{}),
		logger:  logger,
	}

	if cfg.PongTimeout > 0 {
		ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		ws.SetPingHandler(func(data string) error {
			ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
			err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(cfg.WriteTimeout))
			if errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		})
	}

	go c.readLoop()
	logger.Infow("connected to signaling server", "url", cfg.URL)
	return c, nil
}

// Events delivers server pushed events in arrival order. It is never
// closed; use Done to detect a lost connection.
func (c *Client) Events() <-chan domain.Event {
	return c.events
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.cfg.WriteTimeout))
	c.writeMu.Unlock()
	c.shutdown(ErrClientClosed)
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		c.ws.Close()
	})
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		if c.cfg.PongTimeout > 0 {
			c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warnw("malformed frame from server", "error", err)
			continue
		}

		switch frame.Type {
		case frameResult, frameError:
			if frame.ID == "" {
				c.logger.Warnw("server error", "code", frame.Code, "message", frame.Message)
				continue
			}
			if reply, ok := c.pending.LoadAndDelete(frame.ID); ok {
				reply <- frame
			}
		default:
			event, err := decodeEvent(frame)
			if err != nil {
				c.logger.Warnw("dropping event", "type", frame.Type, "error", err)
				continue
			}
			select {
			case c.events <- event:
			case <-c.done:
				return
			}
		}
	}
}

func (c *Client) write(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.shutdown(err)
		return fmt.Errorf("write %s: %w", req.Type, err)
	}
	return nil
}

func encodePayload(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}

// call sends a request and waits for its result.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	payload, err := encodePayload(params)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	reply := make(chan inboundFrame, 1)
	c.pending.Store(id, reply)
	defer c.pending.Delete(id)

	if err := c.write(Request{ID: id, Type: method, Payload: payload}); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	select {
	case frame := <-reply:
		if frame.Type == frameError {
			return apperrors.NewAppError(apperrors.ErrorCode(frame.Code), frame.Message, 0)
		}
		if out != nil && len(frame.Payload) > 0 {
			if err := json.Unmarshal(frame.Payload, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case <-c.done:
		return ErrClientClosed
	}
}

// notify sends a request without an id. The server sends nothing back
// unless the frame is rejected.
func (c *Client) notify(method string, params any) error {
	payload, err := encodePayload(params)
	if err != nil {
		return err
	}
	return c.write(Request{Type: method, Payload: payload})
}

func (c *Client) Register(ctx context.Context, userID domain.UserID, displayName string) error {
	return c.call(ctx, MethodRegister, RegisterParams{UserID: userID, DisplayName: displayName}, nil)
}

func (c *Client) InitiateCall(ctx context.Context, calleeID domain.UserID) (domain.CallResponse, error) {
	var resp domain.CallResponse
	err := c.call(ctx, MethodInitiateCall, InitiateCallParams{CalleeID: calleeID}, &resp)
	return resp, err
}

func (c *Client) RespondToCall(ctx context.Context, callerID domain.UserID, accepted bool) error {
	return c.call(ctx, MethodRespondToCall, RespondToCallParams{CallerID: callerID, Accepted: accepted}, nil)
}

func (c *Client) EndCall(ctx context.Context, remoteUserID domain.UserID) error {
	return c.call(ctx, MethodEndCall, EndCallParams{RemoteUserID: remoteUserID}, nil)
}

func (c *Client) GetOnlineUsers(ctx context.Context) ([]domain.UserIdentity, error) {
	var users []domain.UserIdentity
	err := c.call(ctx, MethodGetOnlineUsers, nil, &users)
	return users, err
}

// Negotiation payloads are fire-and-forget, matching the relay semantics.
// They may be sent from inside an event handler without waiting on the
// read loop.

func (c *Client) SendOffer(_ context.Context, target domain.UserID, desc domain.SessionDescription) error {
	return c.notify(MethodSendOffer, DescriptionParams{TargetUserID: target, Description: desc})
}

func (c *Client) SendAnswer(_ context.Context, target domain.UserID, desc domain.SessionDescription) error {
	return c.notify(MethodSendAnswer, DescriptionParams{TargetUserID: target, Description: desc})
}

func (c *Client) SendIceCandidate(_ context.Context, target domain.UserID, candidate domain.IceCandidate) error {
	return c.notify(MethodSendIceCandidate, CandidateParams{TargetUserID: target, Candidate: candidate})
}

// CallEventHandler receives call control events.
type CallEventHandler interface {
	HandleEvent(ctx context.Context, event domain.Event) error
}

// NegotiationEventHandler receives relayed negotiation payloads.
type NegotiationEventHandler interface {
	HandleOffer(ctx context.Context, from domain.UserID, desc domain.SessionDescription) error
	HandleAnswer(ctx context.Context, from domain.UserID, desc domain.SessionDescription) error
	HandleCandidate(ctx context.Context, from domain.UserID, candidate domain.IceCandidate) error
}

// Route drains Events until ctx ends or the connection drops. Call control
// events go to calls, negotiation payloads to media; every event is also
// passed to observe when it is non-nil.
func (c *Client) Route(ctx context.Context, calls CallEventHandler, media NegotiationEventHandler, observe func(domain.Event)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return c.err
		case event := <-c.events:
			if observe != nil {
				observe(event)
			}
			if err := c.route(ctx, event, calls, media); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				c.logger.Warnw("event handling failed", "event", event.Type, "from", event.From, "error", err)
			}
		}
	}
}

func (c *Client) route(ctx context.Context, event domain.Event, calls CallEventHandler, media NegotiationEventHandler) error {
	switch event.Type {
	case domain.EventIncomingCall, domain.EventCallResponseReceived,
		domain.EventCallEnded, domain.EventUserStatusChanged:
		if calls == nil {
			return nil
		}
		return calls.HandleEvent(ctx, event)

	case domain.EventReceiveOffer, domain.EventReceiveAnswer:
		if media == nil {
			return nil
		}
		desc, ok := event.Payload.(domain.SessionDescription)
		if !ok {
			return fmt.Errorf("%s: %w", event.Type, domain.ErrInvalidPayload)
		}
		if event.Type == domain.EventReceiveOffer {
			return media.HandleOffer(ctx, event.From, desc)
		}
		return media.HandleAnswer(ctx, event.From, desc)

	case domain.EventReceiveIceCandidate:
		if media == nil {
			return nil
		}
		candidate, ok := event.Payload.(domain.IceCandidate)
		if !ok {
			return fmt.Errorf("%s: %w", event.Type, domain.ErrInvalidPayload)
		}
		return media.HandleCandidate(ctx, event.From, candidate)
	}
	return nil
}
