package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"visiocall/internal/core/domain"
	"visiocall/internal/core/ports"
	"visiocall/internal/infrastructure/monitoring"
	"visiocall/pkg/config"
	apperrors "visiocall/pkg/errors"
	rlog "visiocall/pkg/logger"
	"visiocall/pkg/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ServerConfig tunes the WebSocket endpoint. MaxMessageSize bounds a single
// inbound frame and zero means unlimited; a larger frame closes the
// connection with status 1009.
type ServerConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	SendQueueSize     int
	MaxMessageSize    int64
	MessagesPerSecond float64
	Burst             int
	MaxConnections    int
	AllowedOrigins    []string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:   15 * time.Second,
		PongTimeout:    30 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueueSize:  64,
		MaxMessageSize: 8 << 20,
	}
}

// ServerConfigFrom maps the application config onto the server settings.
func ServerConfigFrom(cfg *config.Config) ServerConfig {
	sc := ServerConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendQueueSize:  cfg.Signal.SendQueueSize,
		AllowedOrigins: cfg.Signal.AllowedOrigins,
	}
	ws := cfg.RateLimiting.WebSocket
	sc.MaxMessageSize = int64(ws.MaxMessageSizeBytes)
	if cfg.RateLimiting.Enabled {
		sc.MessagesPerSecond = ws.MessagesPerSecond
		sc.Burst = ws.Burst
		sc.MaxConnections = ws.MaxConcurrent
	}
	return sc
}

type WebSocketServer struct {
	hub         *Hub
	signaling   ports.SignalingService
	negotiation ports.NegotiationService
	metrics     *monitoring.SignalingMetrics

	cfg      ServerConfig
	upgrader websocket.Upgrader

	ctxLogger *rlog.ContextLogger
	logger    *zap.SugaredLogger
}

func NewWebSocketServer(
	hub *Hub,
	signaling ports.SignalingService,
	negotiation ports.NegotiationService,
	metrics *monitoring.SignalingMetrics,
	cfg ServerConfig,
	logger *zap.Logger,
) *WebSocketServer {
	defaults := DefaultServerConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaults.SendQueueSize
	}

	s := &WebSocketServer{
		hub:         hub,
		signaling:   signaling,
		negotiation: negotiation,
		metrics:     metrics,
		cfg:         cfg,
		ctxLogger:   rlog.NewContextLogger(logger),
		logger:      logger.Sugar(),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ConnectionCount reports open connections.
func (s *WebSocketServer) ConnectionCount() int {
	return s.hub.Count()
}

// Shutdown closes every open connection. Each reader then runs its
// disconnect cleanup.
func (s *WebSocketServer) Shutdown() {
	s.hub.CloseAll()
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxConnections > 0 && s.hub.Count() >= s.cfg.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	var limiter *rate.Limiter
	if s.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}
	conn := newConnection(domain.ConnectionID(uuid.NewString()), ws, s.cfg.SendQueueSize, limiter)
	s.hub.add(conn)
	if s.metrics != nil {
		s.metrics.RecordConnectionOpened()
	}

	ctx := rlog.WithConnectionID(context.Background(), conn.id.String())
	s.ctxLogger.WithContext(ctx).Info("connection opened", zap.String("remote_addr", r.RemoteAddr))

	if s.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageSize)
	}
	ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	go conn.writePump(s.cfg.PingInterval, s.cfg.WriteTimeout, s.logger)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message", "connection_id", conn.id, "error", err)
			}
			break
		}
		ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		s.handleFrame(ctx, conn, data)
	}

	// The binding must be gone before the handle is dropped so that no
	// event is routed to a dead connection.
	s.signaling.Disconnect(ctx, conn.id)
	s.hub.remove(conn.id)
	conn.close()

	if s.metrics != nil {
		s.metrics.RecordConnectionClosed(time.Since(conn.openedAt))
	}
	s.ctxLogger.WithContext(ctx).Info("connection closed")
}

func (s *WebSocketServer) handleFrame(ctx context.Context, conn *connection, data []byte) {
	start := time.Now()

	var req Request
	if err := json.Unmarshal(data, &req); err != nil || req.Type == "" {
		s.hub.push(conn, encodeError(req.ID, apperrors.NewInvalidInputError("malformed frame")))
		s.recordMessage("malformed", "error", start)
		return
	}

	if !conn.allow() {
		if s.metrics != nil {
			s.metrics.RecordRateLimited()
		}
		s.hub.push(conn, encodeError(req.ID, apperrors.NewRateLimitError()))
		return
	}

	ctx, span := tracing.TraceSignalingMessage(ctx, req.Type, conn.id.String())
	defer span.End()

	result, err := s.dispatch(ctx, conn.id, req)
	if err != nil {
		tracing.RecordError(ctx, err)
		s.ctxLogger.LogDebug(ctx, "request failed", zap.String("method", req.Type), zap.Error(err))
		s.hub.push(conn, encodeError(req.ID, err))
		s.recordMessage(metricMethod(req.Type), "error", start)
		return
	}

	if req.ID != "" {
		frame, err := encodeResult(req.ID, result)
		if err != nil {
			s.logger.Errorw("failed to encode result", "method", req.Type, "error", err)
			frame = encodeError(req.ID, apperrors.NewInternalError("failed to encode result"))
		}
		s.hub.push(conn, frame)
	}
	s.recordMessage(req.Type, "ok", start)
}

func (s *WebSocketServer) dispatch(ctx context.Context, connID domain.ConnectionID, req Request) (any, error) {
	switch req.Type {
	case MethodRegister:
		var p RegisterParams
		if err := decodeParams(req.Payload, &p); err != nil {
			return nil, err
		}
		if err := s.signaling.Register(ctx, connID, p.UserID, p.DisplayName); err != nil {
			if errors.Is(err, domain.ErrInvalidIdentity) {
				return nil, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
			}
			return nil, err
		}
		return nil, nil

	case MethodInitiateCall:
		var p InitiateCallParams
		if err := decodeParams(req.Payload, &p); err != nil {
			return nil, err
		}
		if err := requireTarget(p.CalleeID, "calleeId"); err != nil {
			return nil, err
		}
		return s.signaling.InitiateCall(ctx, connID, p.CalleeID), nil

	case MethodRespondToCall:
		var p RespondToCallParams
		if err := decodeParams(req.Payload, &p); err != nil {
			return nil, err
		}
		if err := requireTarget(p.CallerID, "callerId"); err != nil {
			return nil, err
		}
		s.signaling.RespondToCall(ctx, connID, p.CallerID, p.Accepted)
		return nil, nil

	case MethodEndCall:
		var p EndCallParams
		if err := decodeParams(req.Payload, &p); err != nil {
			return nil, err
		}
		if err := requireTarget(p.RemoteUserID, "remoteUserId"); err != nil {
			return nil, err
		}
		s.signaling.EndCall(ctx, connID, p.RemoteUserID)
		return nil, nil

	case MethodSendOffer, MethodSendAnswer:
		p, err := decodeDescription(req.Payload)
		if err != nil {
			return nil, err
		}
		if req.Type == MethodSendOffer {
			s.negotiation.SendOffer(ctx, connID, p.TargetUserID, p.Description)
		} else {
			s.negotiation.SendAnswer(ctx, connID, p.TargetUserID, p.Description)
		}
		return nil, nil

	case MethodSendIceCandidate:
		p, err := decodeCandidate(req.Payload)
		if err != nil {
			return nil, err
		}
		s.negotiation.SendIceCandidate(ctx, connID, p.TargetUserID, p.Candidate)
		return nil, nil

	case MethodGetOnlineUsers:
		return s.signaling.GetOnlineUsers(ctx), nil

	default:
		return nil, apperrors.NewUnknownMethodError(req.Type)
	}
}

func (s *WebSocketServer) recordMessage(method, outcome string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordMessage(method, outcome, time.Since(start))
	}
}

// metricMethod keeps client supplied method names out of metric labels.
func metricMethod(method string) string {
	switch method {
	case MethodRegister, MethodInitiateCall, MethodRespondToCall, MethodEndCall,
		MethodSendOffer, MethodSendAnswer, MethodSendIceCandidate, MethodGetOnlineUsers:
		return method
	}
	return "unknown"
}
