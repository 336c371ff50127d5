package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"visiocall/internal/core/domain"
	"visiocall/internal/core/ports"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type OrchestratorConfig struct {
	RingCount    int
	RingInterval time.Duration
	AutoAnswer   bool
	InboxSize    int
	NotifyBuffer int
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		RingCount:    3,
		RingInterval: 5 * time.Second,
		AutoAnswer:   true,
		InboxSize:    64,
		NotifyBuffer: 128,
	}
}

type NotificationType string

const (
	NotifyStateChanged NotificationType = "stateChanged"
	NotifyIncomingCall NotificationType = "incomingCall"
	NotifyRing         NotificationType = "ring"
	NotifyCallAccepted NotificationType = "callAccepted"
	NotifyCallEnded    NotificationType = "callEnded"
	NotifyConnected    NotificationType = "connected"
)

// Reasons carried by NotifyCallEnded.
const (
	EndReasonLocalHangUp  = "local hang-up"
	EndReasonRemoteHangUp = "remote hung up"
	EndReasonRejected     = "rejected"
	EndReasonDeclined     = "declined"
	EndReasonRemoteGone   = "remote offline"
)

// Notification is emitted by the orchestrator for the local UI layer.
type Notification struct {
	Type       NotificationType
	State      domain.CallState
	RemoteID   domain.UserID
	RemoteName string
	Ring       int
	Reason     string
}

// CallOrchestrator owns the call session of one endpoint. Local commands,
// remote events, ring pulses and dial results all pass through a single
// inbox processed by Run, so no two transitions ever interleave.
type CallOrchestrator struct {
	transport   ports.CallTransport
	media       ports.MediaNegotiator
	permissions ports.PermissionGranter
	clock       clock.Clock
	cfg         OrchestratorConfig
	logger      *zap.SugaredLogger

	inbox         chan command
	outbox        *effectQueue
	notifications chan Notification
	done          chan struct{}
	snapshot      atomic.Pointer[sessionSnapshot]

	// Owned by the Run goroutine.
	session   domain.CallSession
	gen       uint64
	rings     int
	ringer    *ringTimer
	pending   *pendingDial
	permitted bool
}

type sessionSnapshot struct {
	session domain.CallSession
}

type pendingDial struct {
	gen       uint64
	callee    domain.UserID
	reply     chan dialReply
	cancelled bool
	early     []domain.Event
}

type dialReply struct {
	resp domain.CallResponse
	err  error
}

type command interface{ isCommand() }

type startCallCmd struct {
	callee domain.UserID
	reply  chan dialReply
}

type localActionCmd struct {
	action localAction
	reply  chan error
}

type remoteEventCmd struct{ event domain.Event }

type ringPulse struct{ gen uint64 }

type dialResult struct {
	gen  uint64
	resp domain.CallResponse
	err  error
}

func (startCallCmd) isCommand()   {}
func (localActionCmd) isCommand() {}
func (remoteEventCmd) isCommand() {}
func (ringPulse) isCommand()      {}
func (dialResult) isCommand()     {}

type localAction int

const (
	actionAccept localAction = iota
	actionReject
	actionHangUp
	actionConnected
)

func (a localAction) String() string {
	switch a {
	case actionAccept:
		return "accept"
	case actionReject:
		return "reject"
	case actionHangUp:
		return "hang-up"
	case actionConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// effect is a side effect executed in order by the effect worker, outside
// the inbox loop.
type effect struct {
	name string
	run  func(ctx context.Context) error
	// onShutdown effects still run after Run's context is cancelled.
	onShutdown bool
}

// shutdownEffectTimeout bounds each effect that runs after Run's context is
// cancelled.
const shutdownEffectTimeout = 5 * time.Second

func NewCallOrchestrator(
	transport ports.CallTransport,
	media ports.MediaNegotiator,
	permissions ports.PermissionGranter,
	clk clock.Clock,
	cfg OrchestratorConfig,
	logger *zap.SugaredLogger,
) *CallOrchestrator {
	defaults := DefaultOrchestratorConfig()
	if cfg.RingCount <= 0 {
		cfg.RingCount = defaults.RingCount
	}
	if cfg.RingInterval <= 0 {
		cfg.RingInterval = defaults.RingInterval
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaults.InboxSize
	}
	if cfg.NotifyBuffer <= 0 {
		cfg.NotifyBuffer = defaults.NotifyBuffer
	}
	if clk == nil {
		clk = clock.New()
	}

	o := &CallOrchestrator{
		transport:     transport,
		media:         media,
		permissions:   permissions,
		clock:         clk,
		cfg:           cfg,
		logger:        logger,
		inbox:         make(chan command, cfg.InboxSize),
		outbox:        newEffectQueue(),
		notifications: make(chan Notification, cfg.NotifyBuffer),
		done:          make(chan struct{}),
		session:       domain.IdleSession{},
	}
	o.snapshot.Store(&sessionSnapshot{session: domain.IdleSession{}})
	return o
}

// Notifications is closed when Run returns.
func (o *CallOrchestrator) Notifications() <-chan Notification {
	return o.notifications
}

// Session returns the latest published session.
func (o *CallOrchestrator) Session() domain.CallSession {
	return o.snapshot.Load().session
}

func (o *CallOrchestrator) State() domain.CallState {
	return o.Session().State()
}

// CallDuration is the time spent in Connected, zero otherwise.
func (o *CallOrchestrator) CallDuration() time.Duration {
	active, ok := o.Session().(domain.ActiveSession)
	if !ok || active.CallState != domain.CallStateConnected {
		return 0
	}
	return o.clock.Since(active.ConnectedAt)
}

// Run requests media permissions and then processes the inbox until ctx is
// cancelled.
func (o *CallOrchestrator) Run(ctx context.Context) error {
	defer close(o.done)

	if o.permissions != nil {
		granted, err := o.permissions.RequestPermissions(ctx)
		if err != nil {
			o.logger.Warnw("permission request failed", "error", err)
		}
		o.permitted = granted && err == nil
	} else {
		o.permitted = true
	}
	o.logger.Infow("call orchestrator started", "permitted", o.permitted, "auto_answer", o.cfg.AutoAnswer)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.runEffects(ctx)
	}()

	defer func() {
		o.shutdown()
		o.outbox.close()
		wg.Wait()
		close(o.notifications)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-o.inbox:
			o.handle(ctx, cmd)
		}
	}
}

// StartCall dials callee and waits for the relay's answer. The session only
// leaves Idle once the relay reports success.
func (o *CallOrchestrator) StartCall(ctx context.Context, callee domain.UserID) (domain.CallResponse, error) {
	reply := make(chan dialReply, 1)
	if err := o.post(ctx, startCallCmd{callee: callee, reply: reply}); err != nil {
		return domain.CallResponse{}, err
	}
	select {
	case r := <-reply:
		return r.resp, r.err
	case <-ctx.Done():
		return domain.CallResponse{}, ctx.Err()
	case <-o.done:
		return domain.CallResponse{}, errOrchestratorStopped
	}
}

func (o *CallOrchestrator) Accept(ctx context.Context) error {
	return o.local(ctx, actionAccept)
}

func (o *CallOrchestrator) Reject(ctx context.Context) error {
	return o.local(ctx, actionReject)
}

func (o *CallOrchestrator) HangUp(ctx context.Context) error {
	return o.local(ctx, actionHangUp)
}

// MarkConnected is the media layer's signal that the peer connection is up.
func (o *CallOrchestrator) MarkConnected(ctx context.Context) error {
	return o.local(ctx, actionConnected)
}

// HandleEvent feeds a server pushed event into the session.
func (o *CallOrchestrator) HandleEvent(ctx context.Context, event domain.Event) error {
	return o.post(ctx, remoteEventCmd{event: event})
}

var errOrchestratorStopped = errors.New("call orchestrator stopped")

func (o *CallOrchestrator) local(ctx context.Context, action localAction) error {
	reply := make(chan error, 1)
	if err := o.post(ctx, localActionCmd{action: action, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return errOrchestratorStopped
	}
}

func (o *CallOrchestrator) post(ctx context.Context, cmd command) error {
	select {
	case o.inbox <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return errOrchestratorStopped
	}
}

func (o *CallOrchestrator) handle(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case startCallCmd:
		o.handleStartCall(c)
	case dialResult:
		o.handleDialResult(c)
	case localActionCmd:
		c.reply <- o.handleLocal(ctx, c.action)
	case remoteEventCmd:
		o.handleRemote(ctx, c.event)
	case ringPulse:
		o.handleRingPulse(ctx, c)
	}
}

func (o *CallOrchestrator) handleStartCall(c startCallCmd) {
	if !o.permitted {
		c.reply <- dialReply{err: domain.ErrPermissionDenied}
		return
	}
	if o.pending != nil || o.session.State() != domain.CallStateIdle {
		c.reply <- dialReply{err: fmt.Errorf("%w: call in progress", domain.ErrBusy)}
		return
	}

	o.gen++
	gen := o.gen
	o.pending = &pendingDial{gen: gen, callee: c.callee, reply: c.reply}
	o.logger.Infow("dialing", "remote_user_id", c.callee)

	callee := c.callee
	o.enqueue(effect{name: "initiate call", run: func(ctx context.Context) error {
		resp, err := o.transport.InitiateCall(ctx, callee)
		select {
		case o.inbox <- dialResult{gen: gen, resp: resp, err: err}:
		case <-ctx.Done():
		}
		return nil
	}})
}

func (o *CallOrchestrator) handleDialResult(r dialResult) {
	p := o.pending
	if p == nil || p.gen != r.gen {
		o.logger.Debugw("stale dial result ignored", "gen", r.gen)
		return
	}
	o.pending = nil

	if p.cancelled {
		if r.err == nil && r.resp.Success {
			o.sendEndCall(p.callee)
		}
		p.reply <- dialReply{resp: r.resp, err: fmt.Errorf("%w: call cancelled", domain.ErrStaleSession)}
		return
	}
	if r.err != nil {
		o.logger.Warnw("call initiation failed", "remote_user_id", p.callee, "error", r.err)
		p.reply <- dialReply{err: r.err}
		return
	}
	if !r.resp.Success {
		o.logger.Infow("call refused by relay", "remote_user_id", p.callee, "reason", r.resp.Reason)
		p.reply <- dialReply{resp: r.resp}
		return
	}

	o.setSession(domain.ActiveSession{
		RemoteUserID: p.callee,
		RemoteName:   string(p.callee),
		Role:         domain.RoleCaller,
		CallState:    domain.CallStateCalling,
		StartedAt:    o.clock.Now(),
	})
	o.notifyState()
	p.reply <- dialReply{resp: r.resp}

	// Events for this callee that overtook the dial result.
	for _, ev := range p.early {
		o.applyRemote(ev)
	}
}

func (o *CallOrchestrator) handleLocal(ctx context.Context, action localAction) error {
	active, ok := o.session.(domain.ActiveSession)

	if action == actionHangUp && !ok && o.pending != nil {
		o.pending.cancelled = true
		o.logger.Infow("dial cancelled", "remote_user_id", o.pending.callee)
		return nil
	}
	if !ok {
		return fmt.Errorf("%w: no active call for %s", domain.ErrStaleSession, action)
	}

	switch action {
	case actionAccept:
		if active.CallState != domain.CallStateRinging {
			return fmt.Errorf("%w: cannot accept while %s", domain.ErrInvalidState, active.CallState)
		}
		o.accept(active, false)
	case actionReject:
		if active.CallState != domain.CallStateRinging {
			return fmt.Errorf("%w: cannot reject while %s", domain.ErrInvalidState, active.CallState)
		}
		o.stopRinging()
		o.sendResponse(active.RemoteUserID, false)
		o.end(active, EndReasonDeclined)
	case actionHangUp:
		o.sendEndCall(active.RemoteUserID)
		o.end(active, EndReasonLocalHangUp)
	case actionConnected:
		if active.CallState != domain.CallStateConnecting {
			return fmt.Errorf("%w: cannot mark connected while %s", domain.ErrInvalidState, active.CallState)
		}
		active.CallState = domain.CallStateConnected
		active.ConnectedAt = o.clock.Now()
		o.setSession(active)
		o.notifyState()
		o.notify(Notification{Type: NotifyConnected, State: active.CallState, RemoteID: active.RemoteUserID, RemoteName: active.RemoteName})
	}
	return nil
}

func (o *CallOrchestrator) handleRemote(ctx context.Context, ev domain.Event) {
	if ev.Type == domain.EventIncomingCall {
		o.handleIncoming(ctx, ev)
		return
	}

	// A dial in flight cannot own a session yet; keep its events for later.
	if p := o.pending; p != nil && ev.From == p.callee && o.session.State() == domain.CallStateIdle {
		switch ev.Type {
		case domain.EventCallResponseReceived, domain.EventCallEnded, domain.EventUserStatusChanged:
			p.early = append(p.early, ev)
			return
		}
	}
	o.applyRemote(ev)
}

func (o *CallOrchestrator) applyRemote(ev domain.Event) {
	active, ok := o.session.(domain.ActiveSession)
	if !ok || ev.From != active.RemoteUserID {
		o.logger.Debugw("stale event ignored", "event", ev.Type, "from", ev.From)
		return
	}

	switch ev.Type {
	case domain.EventCallResponseReceived:
		payload, ok := ev.Payload.(domain.CallResponsePayload)
		if !ok || active.CallState != domain.CallStateCalling {
			o.logger.Debugw("stale call response ignored", "from", ev.From, "state", active.CallState)
			return
		}
		if !payload.Accepted {
			o.end(active, EndReasonRejected)
			return
		}
		active.CallState = domain.CallStateConnecting
		o.setSession(active)
		o.notify(Notification{Type: NotifyCallAccepted, State: active.CallState, RemoteID: active.RemoteUserID, RemoteName: active.RemoteName})
		o.notifyState()

		remote := active.RemoteUserID
		o.enqueue(effect{name: "start negotiation", run: func(ctx context.Context) error {
			return o.media.StartNegotiation(ctx, remote)
		}})

	case domain.EventCallEnded:
		o.end(active, EndReasonRemoteHangUp)

	case domain.EventUserStatusChanged:
		identity, ok := ev.Payload.(domain.UserIdentity)
		if ok && !identity.Online {
			o.end(active, EndReasonRemoteGone)
		}
	}
}

func (o *CallOrchestrator) handleIncoming(ctx context.Context, ev domain.Event) {
	req, ok := ev.Payload.(domain.CallRequest)
	if !ok {
		o.logger.Warnw("malformed incoming call", "from", ev.From)
		return
	}

	if !o.permitted {
		o.logger.Infow("incoming call rejected, permissions not granted", "remote_user_id", req.CallerID)
		o.sendResponse(req.CallerID, false)
		return
	}
	if o.pending != nil || o.session.State() != domain.CallStateIdle {
		o.logger.Infow("incoming call rejected, busy", "remote_user_id", req.CallerID)
		o.sendResponse(req.CallerID, false)
		return
	}

	name := req.CallerName
	if name == "" {
		name = string(req.CallerID)
	}

	o.gen++
	o.rings = 0
	active := domain.ActiveSession{
		RemoteUserID: req.CallerID,
		RemoteName:   name,
		Role:         domain.RoleCallee,
		CallState:    domain.CallStateRinging,
		StartedAt:    o.clock.Now(),
	}
	o.setSession(active)

	if o.cfg.AutoAnswer {
		o.ringer = startRingTimer(ctx, o.clock, o.cfg.RingInterval, o.gen, o.inbox)
	}

	o.logger.Infow("incoming call", "remote_user_id", req.CallerID, "remote_name", name)
	o.notify(Notification{Type: NotifyIncomingCall, State: active.CallState, RemoteID: active.RemoteUserID, RemoteName: name})
	o.notifyState()
	o.notify(Notification{Type: NotifyRing, State: active.CallState, RemoteID: active.RemoteUserID, RemoteName: name, Ring: 1})
}

// handleRingPulse counts pulses for the current ringing session. The pulse
// that completes the last ring accepts the call; anything later is a no-op.
func (o *CallOrchestrator) handleRingPulse(ctx context.Context, p ringPulse) {
	active, ok := o.session.(domain.ActiveSession)
	if !ok || p.gen != o.gen || active.CallState != domain.CallStateRinging {
		return
	}

	o.rings++
	if o.rings < o.cfg.RingCount {
		o.notify(Notification{Type: NotifyRing, State: active.CallState, RemoteID: active.RemoteUserID, RemoteName: active.RemoteName, Ring: o.rings + 1})
		return
	}

	o.logger.Infow("auto-answering call", "remote_user_id", active.RemoteUserID, "rings", o.rings)
	o.accept(active, true)
}

func (o *CallOrchestrator) accept(active domain.ActiveSession, auto bool) {
	o.stopRinging()
	o.sendResponse(active.RemoteUserID, true)

	active.CallState = domain.CallStateConnecting
	o.setSession(active)
	reason := ""
	if auto {
		reason = "auto-answer"
	}
	o.notify(Notification{Type: NotifyCallAccepted, State: active.CallState, RemoteID: active.RemoteUserID, RemoteName: active.RemoteName, Reason: reason})
	o.notifyState()
}

// end moves through the transient Ended state back to Idle.
func (o *CallOrchestrator) end(active domain.ActiveSession, reason string) {
	o.stopRinging()

	active.CallState = domain.CallStateEnded
	o.setSession(active)
	o.notifyState()
	o.notify(Notification{Type: NotifyCallEnded, State: active.CallState, RemoteID: active.RemoteUserID, RemoteName: active.RemoteName, Reason: reason})

	o.enqueue(effect{name: "teardown", onShutdown: true, run: func(ctx context.Context) error {
		return o.media.Teardown(ctx)
	}})

	o.logger.Infow("call ended", "remote_user_id", active.RemoteUserID, "reason", reason)

	o.gen++
	o.setSession(domain.IdleSession{})
	o.notifyState()
}

func (o *CallOrchestrator) stopRinging() {
	if o.ringer != nil {
		o.ringer.Stop()
		o.ringer = nil
	}
}

// sendResponse queues the answer to remote. A rejection is still delivered
// when the orchestrator is stopping; an acceptance is not.
func (o *CallOrchestrator) sendResponse(remote domain.UserID, accepted bool) {
	o.enqueue(effect{name: "respond to call", onShutdown: !accepted, run: func(ctx context.Context) error {
		return o.transport.RespondToCall(ctx, remote, accepted)
	}})
}

func (o *CallOrchestrator) sendEndCall(remote domain.UserID) {
	o.enqueue(effect{name: "end call", onShutdown: true, run: func(ctx context.Context) error {
		return o.transport.EndCall(ctx, remote)
	}})
}

func (o *CallOrchestrator) setSession(s domain.CallSession) {
	o.session = s
	o.snapshot.Store(&sessionSnapshot{session: s})
}

func (o *CallOrchestrator) notifyState() {
	n := Notification{Type: NotifyStateChanged, State: o.session.State()}
	if active, ok := o.session.(domain.ActiveSession); ok {
		n.RemoteID = active.RemoteUserID
		n.RemoteName = active.RemoteName
	}
	o.notify(n)
}

func (o *CallOrchestrator) notify(n Notification) {
	select {
	case o.notifications <- n:
	default:
		o.logger.Warnw("notification dropped, consumer too slow", "type", n.Type)
	}
}

func (o *CallOrchestrator) enqueue(e effect) {
	o.outbox.push(e)
}

func (o *CallOrchestrator) runEffects(ctx context.Context) {
	for {
		e, ok := o.outbox.pop()
		if !ok {
			return
		}
		if ctx.Err() == nil {
			o.runEffect(ctx, e)
			continue
		}
		if !e.onShutdown {
			o.logger.Debugw("effect skipped, orchestrator stopping", "effect", e.name)
			continue
		}
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownEffectTimeout)
		o.runEffect(runCtx, e)
		cancel()
	}
}

func (o *CallOrchestrator) runEffect(ctx context.Context, e effect) {
	if err := e.run(ctx); err != nil {
		o.logger.Warnw("call effect failed", "effect", e.name, "error", err)
	}
}

// effectQueue is an unbounded FIFO between the inbox loop and the effect
// worker. push never blocks and never drops.
type effectQueue struct {
	mu     sync.Mutex
	items  []effect
	closed bool
	wake   chan struct{}
}

func newEffectQueue() *effectQueue {
	return &effectQueue{wake: make(chan struct{}, 1)}
}

func (q *effectQueue) push(e effect) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
	q.signal()
}

// close lets pop return false once the remaining effects are drained.
func (q *effectQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *effectQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *effectQueue) pop() (effect, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items[0] = effect{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return e, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return effect{}, false
		}
		<-q.wake
	}
}

// shutdown releases the session when Run stops.
func (o *CallOrchestrator) shutdown() {
	o.stopRinging()
	if p := o.pending; p != nil {
		o.pending = nil
		p.reply <- dialReply{err: errOrchestratorStopped}
	}
	if active, ok := o.session.(domain.ActiveSession); ok {
		o.sendEndCall(active.RemoteUserID)
		o.end(active, EndReasonLocalHangUp)
	}
}
