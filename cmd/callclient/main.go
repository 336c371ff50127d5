package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"visiocall/internal/core/domain"
	"visiocall/internal/core/services"
	signalinfra "visiocall/internal/infrastructure/signal"
	webrtcinfra "visiocall/internal/infrastructure/webrtc"
	"visiocall/pkg/config"
	"visiocall/pkg/logger"
	"visiocall/pkg/tracing"
	"visiocall/pkg/utils"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration file; defaults apply when it is missing")
	serverURL := flag.String("server", "", "signaling WebSocket URL (overrides client.server_url)")
	userID := flag.String("user", "", "user id to register (overrides client.user_id)")
	displayName := flag.String("name", "", "display name (overrides client.display_name)")
	callee := flag.String("call", "", "user id to call once registered")
	hangUpAfter := flag.Duration("hangup-after", 0, "hang up this long after the call connects; 0 keeps the call open")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.New("info").Sugar().Fatalw("failed to load configuration", "path", *configPath, "error", err)
	}
	if *serverURL != "" {
		cfg.Client.ServerURL = *serverURL
	}
	if *userID != "" {
		cfg.Client.UserID = *userID
	}
	if *displayName != "" {
		cfg.Client.DisplayName = *displayName
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("user_id", cfg.Client.UserID)

	if err := cfg.ValidateClient(); err != nil {
		log.Fatalw("invalid client configuration", "error", err)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "visiocall-callclient",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mediaCfg := webrtcinfra.ConfigFrom(cfg)
	permissions := webrtcinfra.NewCapturePermissions(mediaCfg)
	if granted, err := permissions.RequestPermissions(ctx); err != nil || !granted {
		log.Warnw("media capture unavailable; outgoing calls will be refused", "error", err)
	}

	client, err := signalinfra.Dial(ctx, signalinfra.ClientConfigFrom(cfg), log)
	if err != nil {
		log.Fatalw("failed to connect to signaling server", "url", cfg.Client.ServerURL, "error", err)
	}

	if err := client.Register(ctx, domain.UserID(cfg.Client.UserID), cfg.Client.DisplayName); err != nil {
		log.Fatalw("registration failed", "error", err)
	}
	log.Infow("registered", "display_name", cfg.Client.DisplayName)

	if users, err := client.GetOnlineUsers(ctx); err == nil {
		for _, u := range users {
			log.Infow("online", "remote_user_id", u.UserID, "remote_name", u.DisplayName)
		}
	}

	negotiator := webrtcinfra.NewPeerNegotiator(mediaCfg, client, log)
	orchestrator := services.NewCallOrchestrator(
		client,
		negotiator,
		permissions,
		nil,
		services.OrchestratorConfig{
			RingCount:    cfg.Call.RingCount,
			RingInterval: cfg.Call.RingInterval,
			AutoAnswer:   cfg.Call.AutoAnswer,
		},
		log,
	)
	negotiator.OnConnected(orchestrator.MarkConnected)
	negotiator.AcceptFrom(func(remote domain.UserID) bool {
		active, ok := orchestrator.Session().(domain.ActiveSession)
		if !ok || active.RemoteUserID != remote {
			return false
		}
		return active.CallState == domain.CallStateConnecting || active.CallState == domain.CallStateConnected
	})

	// The orchestrator outlives ctx so an open call can still be hung up
	// after an interrupt.
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := orchestrator.Run(runCtx); err != nil && runCtx.Err() == nil {
			log.Errorw("call orchestrator stopped", "error", err)
		}
	}()

	routeErr := make(chan error, 1)
	go func() {
		routeErr <- client.Route(runCtx, orchestrator, negotiator, func(e domain.Event) {
			log.Debugw("event", "event", e.Type, "from", e.From)
		})
	}()

	if *callee != "" {
		resp, err := orchestrator.StartCall(ctx, domain.UserID(*callee))
		switch {
		case err != nil:
			log.Errorw("call failed", "callee", *callee, "error", err)
		case !resp.Success:
			log.Warnw("call not placed", "callee", *callee, "reason", resp.Reason)
		default:
			log.Infow("calling", "callee", *callee)
		}
	}

	exitCode := 0
	if err := run(ctx, orchestrator, routeErr, *hangUpAfter, log); err != nil {
		log.Errorw("signaling connection lost", "error", err)
		exitCode = 1
	}

	if orchestrator.State().Live() {
		hangUpCtx, cancel := context.WithTimeout(context.Background(), cfg.Client.RequestTimeout)
		if err := orchestrator.HangUp(hangUpCtx); err != nil {
			log.Warnw("hang-up on exit failed", "error", err)
		}
		cancel()
	}
	// Run drains queued endCall and teardown effects before it returns, so
	// the client must stay open until then.
	stopRun()
	<-runDone
	client.Close()
	tp.Shutdown(context.Background())
	log.Info("call client stopped")
	if exitCode != 0 {
		zapLogger.Sync()
		os.Exit(exitCode)
	}
}

// run prints notifications until the process is interrupted or the
// signaling connection drops.
func run(ctx context.Context, orchestrator *services.CallOrchestrator, routeErr <-chan error, hangUpAfter time.Duration, log *zap.SugaredLogger) error {
	timer := time.NewTicker(10 * time.Second)
	defer timer.Stop()

	var hangUp <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-routeErr:
			return err

		case <-timer.C:
			if orchestrator.State() == domain.CallStateConnected {
				log.Infow("in call", "elapsed", utils.FormatCallTimer(orchestrator.CallDuration()))
			}

		case <-hangUp:
			hangUp = nil
			if err := orchestrator.HangUp(ctx); err != nil {
				log.Warnw("hang-up failed", "error", err)
			}

		case n, ok := <-orchestrator.Notifications():
			if !ok {
				return nil
			}
			switch n.Type {
			case services.NotifyStateChanged:
				log.Infow("call state", "state", n.State.String(), "remote_user_id", n.RemoteID)
			case services.NotifyIncomingCall:
				log.Infow("incoming call", "remote_user_id", n.RemoteID, "remote_name", n.RemoteName)
			case services.NotifyRing:
				log.Infow("ringing", "remote_user_id", n.RemoteID, "ring", n.Ring)
			case services.NotifyCallAccepted:
				log.Infow("call accepted", "remote_user_id", n.RemoteID, "reason", n.Reason)
			case services.NotifyConnected:
				log.Infow("media connected", "remote_user_id", n.RemoteID)
				if hangUpAfter > 0 {
					hangUp = time.After(hangUpAfter)
				}
			case services.NotifyCallEnded:
				hangUp = nil
				log.Infow("call ended", "remote_user_id", n.RemoteID, "reason", n.Reason)
			}
		}
	}
}
