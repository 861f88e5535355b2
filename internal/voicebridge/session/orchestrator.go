// Package session runs one orchestrator per bridged call. Each orchestrator
// owns the call's State and serializes every event, timer and command
// completion through a single loop goroutine.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	types "github.com/sebas/voicebridge/api/types/v1"
	"github.com/sebas/voicebridge/internal/voicebridge/call"
	"github.com/sebas/voicebridge/internal/voicebridge/config"
	"github.com/sebas/voicebridge/internal/voicebridge/events"
	"github.com/sebas/voicebridge/internal/voicebridge/linker"
)

const scopeName = "github.com/sebas/voicebridge/internal/voicebridge/session"

var tracer = otel.Tracer(scopeName)

const inboxSize = 64

// Recorder persists session snapshots.
type Recorder interface {
	Save(ctx context.Context, s types.Session) error
	Delete(ctx context.Context, callID string) error
}

// Options configures call sessions.
type Options struct {
	Flow           *config.Flow
	Linker         *linker.Linker
	Originator     call.Originator
	Recorder       Recorder
	CommandTimeout time.Duration
	Logger         *slog.Logger
	Counters       *Counters
}

// prompt is an awaitable playback: a clip to play or text to speak.
type prompt struct {
	clip string
	text string
}

// Orchestrator drives one call from bridge to teardown.
type Orchestrator struct {
	opts     Options
	flow     *config.Flow
	linker   *linker.Linker
	dialog   *dialogHandle
	endpoint *endpointHandle
	adapter  *events.Adapter
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan func()
	done   chan struct{}

	onClose func(*Orchestrator)

	// Owned by the loop goroutine.
	state        State
	busy         bool
	pending      []prompt
	playbackDue  bool
	terminating  bool
	finished     bool
	notifyHooked bool
	watchdog     *time.Timer
	watchdogGen  uint64

	snapMu sync.RWMutex
	snap   types.Session
}

func newOrchestrator(dlg call.Dialog, ep call.Endpoint, opts Options) *Orchestrator {
	if opts.Flow == nil {
		opts.Flow = config.DefaultFlow(config.FlowDialogflow)
	}
	if opts.Linker == nil {
		opts.Linker = linker.New()
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Second
	}
	if opts.Counters == nil {
		opts.Counters = &Counters{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("call_id", dlg.ID(), "endpoint_id", ep.ID())

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	o := &Orchestrator{
		opts:     opts,
		flow:     opts.Flow,
		linker:   opts.Linker,
		dialog:   newDialogHandle(dlg),
		endpoint: newEndpointHandle(ep),
		adapter:  events.NewAdapter(log),
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		inbox:    make(chan func(), inboxSize),
		done:     make(chan struct{}),
		state: State{
			CallID:    dlg.ID(),
			FromURI:   dlg.From(),
			ToURI:     dlg.To(),
			Phase:     PhaseBridged,
			StartedAt: now,
			UpdatedAt: now,
		},
	}
	o.snap = o.state.snapshot(ep.ID())
	return o
}

// CallID returns the inbound dialog's id.
func (o *Orchestrator) CallID() string {
	return o.state.CallID
}

// Done is closed once the session has been torn down.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Snapshot returns the most recently published state.
func (o *Orchestrator) Snapshot() types.Session {
	o.snapMu.RLock()
	defer o.snapMu.RUnlock()
	return o.snap
}

// OnBridged registers the event handlers, links the dialog and endpoint so
// that either one ending destroys the other, starts the session loop, and
// queues the initial command sequence.
func (o *Orchestrator) OnBridged() {
	for _, kind := range []events.Kind{
		events.KindConnected,
		events.KindConnectFailed,
		events.KindDisconnected,
		events.KindMaintenance,
		events.KindError,
		events.KindPartialResult,
		events.KindFinalResult,
		events.KindClipReady,
		events.KindEndOfTurn,
	} {
		o.adapter.Handle(kind, o.enqueue)
	}
	o.adapter.Attach(o.endpoint)

	o.dialog.OnTerminated(func(cause call.TerminationCause) {
		o.post(func() { o.teardown(cause) })
	})
	if err := o.linker.Link(o.dialog, o.endpoint); err != nil {
		o.log.Error("[Session] Failed to link dialog and endpoint", "error", err)
	}

	go o.run()
	o.post(o.begin)
	o.log.Info("[Session] Bridged", "from", o.state.FromURI, "to", o.state.ToURI, "flow", o.flow.Kind)
}

// Hangup ends the call from the local side.
func (o *Orchestrator) Hangup() {
	o.post(func() { o.hangup(call.CauseLocal) })
}

func (o *Orchestrator) run() {
	defer close(o.done)
	for {
		fn := <-o.inbox
		fn()
		if o.finished {
			return
		}
	}
}

// post queues fn on the session loop. It reports false once the session has ended.
func (o *Orchestrator) post(fn func()) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.inbox <- fn:
		return true
	case <-o.done:
		return false
	}
}

// do runs fn on the loop and waits for it to return.
func (o *Orchestrator) do(fn func()) bool {
	ran := make(chan struct{})
	if !o.post(func() { fn(); close(ran) }) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-o.done:
		return false
	}
}

func (o *Orchestrator) enqueue(ev events.Event) {
	o.post(func() { o.handleEvent(ev) })
}

func (o *Orchestrator) handleEvent(ev events.Event) {
	if o.terminating || o.endpoint.Destroyed() {
		o.log.Debug("[Session] Ignoring event after teardown began", "kind", ev.Kind)
		return
	}

	_, span := tracer.Start(o.ctx, "session.event", trace.WithAttributes(
		attribute.String("call_id", o.state.CallID),
		attribute.String("kind", ev.Kind.String()),
		attribute.String("vendor", ev.Vendor),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			o.log.Error("[Session] Event handler panicked", "kind", ev.Kind, "panic", fmt.Sprint(r))
		}
	}()

	if ev.Kind.Observational() {
		o.observe(ev)
		return
	}
	switch ev.Kind {
	case events.KindFinalResult:
		o.decide(ev)
	case events.KindClipReady:
		if clip, ok := ev.Payload.(events.Clip); ok {
			o.onClipReady(clip.Path)
		}
	}
}

// observe logs an event that never changes the session.
func (o *Orchestrator) observe(ev events.Event) {
	switch p := ev.Payload.(type) {
	case events.Transcript:
		o.log.Debug("[Session] Interim result", "text", p.Text)
	case events.Failure:
		o.log.Warn("[Session] Backend reported a problem", "kind", ev.Kind, "vendor", ev.Vendor, "message", p.Message)
	default:
		o.log.Info("[Session] Event", "kind", ev.Kind, "vendor", ev.Vendor, "name", ev.Name)
	}
}

// begin runs the initial command sequence: greeting prompts, then the feature.
func (o *Orchestrator) begin() {
	o.record()
	g := o.flow.Greeting
	if g.Silence == "" && g.Text == "" {
		o.afterGreeting(nil)
		return
	}
	o.runAwaitable("greeting", func(ctx context.Context) error {
		if g.Silence != "" {
			if err := o.endpoint.Play(ctx, g.Silence); err != nil {
				return err
			}
		}
		if g.Text != "" {
			return o.endpoint.Speak(ctx, call.SpeakRequest{Engine: g.Engine, Voice: g.Voice, Text: g.Text})
		}
		return nil
	}, o.afterGreeting)
}

func (o *Orchestrator) afterGreeting(err error) {
	if err != nil {
		o.commandFailed("greeting", err)
		return
	}
	if o.flow.HangupAfterGreeting {
		o.hangup(call.CauseLocal)
		return
	}
	if err := o.startFeature(o.flow.Feature.StartEvent); err != nil {
		o.commandFailed("start feature", err)
		return
	}
	o.setPhase(PhaseActive)
}

// decide is the decision step for a final result.
func (o *Orchestrator) decide(ev events.Event) {
	switch p := ev.Payload.(type) {
	case events.Intent:
		o.log.Info("[Session] Intent", "response_id", p.ResponseID, "intent", p.DisplayName,
			"end_interaction", p.EndInteraction, "transfer_to", p.TransferTo)
		if !p.Actionable() {
			o.reprompt()
			return
		}
		o.conclude(p.TransferTo, p.EndInteraction)

	case events.Transfer:
		if p.Target == "" {
			o.log.Warn("[Session] Transfer request without target")
			return
		}
		o.transferNow(p.Target)

	case events.Transcript:
		text := strings.TrimSpace(p.Text)
		if o.flow.Kind != config.FlowTranscribe {
			o.log.Info("[Session] Transcript", "text", text, "confidence", p.Confidence)
			return
		}
		o.state.LastConfidence = p.Confidence
		if text == "" {
			o.reprompt()
			return
		}
		o.log.Info("[Session] Final transcript", "text", text, "confidence", p.Confidence)
		if o.flow.Echo.RestartOnFinal {
			o.restartFeature()
		}
		if o.flow.Echo.Enabled {
			o.enqueuePrompt(prompt{text: o.flow.EchoText(text, p.Confidence)})
		}
		o.record()
	}
}

// reprompt re-issues the initial command with the no-input marker.
func (o *Orchestrator) reprompt() {
	o.log.Info("[Session] No input detected, reprompting")
	if err := o.startFeature(o.flow.Feature.NoInputEvent); err != nil {
		o.commandFailed("reprompt", err)
	}
}

// conclude records a terminal decision and arms the watchdog that hangs up
// if the decision's prompt never starts playing.
func (o *Orchestrator) conclude(transferTo string, endInteraction bool) {
	if transferTo != "" {
		o.state.TransferTarget = transferTo
		o.log.Info("[Session] Transfer requested after prompt", "target", transferTo)
	}
	if !endInteraction && o.state.TransferTarget == "" {
		o.record()
		return
	}
	o.state.HangupAfterPlayPending = o.state.TransferTarget == ""
	o.state.AwaitingPlaybackStart = true
	o.armWatchdog()
	o.setPhase(PhaseAwaitingResult)
}

// transferNow transfers without waiting for a prompt. A command already in
// flight, and any queued prompts, finish first.
func (o *Orchestrator) transferNow(target string) {
	if o.state.Phase == PhaseTransferring || o.state.Phase == PhaseTransferred {
		o.log.Warn("[Session] Transfer already in progress", "target", target)
		return
	}
	o.log.Info("[Session] Transfer requested", "target", target)
	o.state.TransferTarget = target
	o.state.HangupAfterPlayPending = false
	if o.state.AwaitingPlaybackStart {
		o.state.AwaitingPlaybackStart = false
		o.stopWatchdog()
	}
	if o.busy || len(o.pending) > 0 {
		o.playbackDue = true
		o.record()
		return
	}
	o.transfer()
}

func (o *Orchestrator) armWatchdog() {
	o.stopWatchdog()
	gen := o.watchdogGen
	o.watchdog = time.AfterFunc(o.flow.WatchdogDelay, func() {
		o.post(func() { o.watchdogFired(gen) })
	})
}

// stopWatchdog cancels the timer and invalidates a callback that already fired.
func (o *Orchestrator) stopWatchdog() {
	if o.watchdog != nil {
		o.watchdog.Stop()
		o.watchdog = nil
	}
	o.watchdogGen++
}

func (o *Orchestrator) watchdogFired(gen uint64) {
	if gen != o.watchdogGen || !o.state.AwaitingPlaybackStart {
		return
	}
	o.watchdog = nil
	err := call.NewError(call.WatchdogExpiry, "await playback", o.state.CallID,
		fmt.Errorf("no prompt within %s", o.flow.WatchdogDelay))
	o.log.Warn("[Session] Hanging up", "error", err)
	o.hangup(call.CauseWatchdog)
}

func (o *Orchestrator) onClipReady(path string) {
	o.log.Info("[Session] Clip ready", "path", path)
	o.state.AwaitingPlaybackStart = false
	o.stopWatchdog()
	o.enqueuePrompt(prompt{clip: path})
}

// enqueuePrompt plays p now, or after the outstanding awaitable command.
func (o *Orchestrator) enqueuePrompt(p prompt) {
	if o.busy {
		o.pending = append(o.pending, p)
		return
	}
	o.playPrompt(p)
}

func (o *Orchestrator) playPrompt(p prompt) {
	if p.clip != "" {
		o.setPhase(PhasePlaying)
		o.runAwaitable("play", func(ctx context.Context) error {
			return o.endpoint.Play(ctx, p.clip)
		}, o.afterClip)
		return
	}
	g := o.flow.Greeting
	o.runAwaitable("speak", func(ctx context.Context) error {
		return o.endpoint.Speak(ctx, call.SpeakRequest{Engine: g.Engine, Voice: g.Voice, Text: p.text})
	}, func(err error) {
		if err != nil {
			o.commandFailed("speak", err)
		}
	})
}

func (o *Orchestrator) afterClip(err error) {
	if err != nil {
		o.commandFailed("play", err)
	}
	o.playbackDue = true
}

// runAwaitable runs fn off the loop and delivers its result back to it.
// Only one awaitable command is outstanding per session.
func (o *Orchestrator) runAwaitable(op string, fn func(ctx context.Context) error, then func(error)) {
	o.busy = true
	ctx := o.ctx
	go func() {
		err := fn(ctx)
		o.post(func() { o.finishAwaitable(op, then, err) })
	}()
}

func (o *Orchestrator) finishAwaitable(op string, then func(error), err error) {
	o.busy = false
	if o.terminating {
		o.log.Debug("[Session] Command completed after teardown began", "op", op)
		return
	}
	then(err)
	if o.busy || o.terminating {
		return
	}
	if len(o.pending) > 0 {
		next := o.pending[0]
		o.pending = o.pending[1:]
		o.playPrompt(next)
		return
	}
	if o.playbackDue {
		o.playbackDue = false
		o.postPlayback()
	}
}

// postPlayback decides what follows a played clip.
func (o *Orchestrator) postPlayback() {
	switch {
	case o.state.Phase == PhaseTransferring || o.state.Phase == PhaseTransferred:
		return
	case o.state.HangupAfterPlayPending && o.state.TransferTarget == "":
		o.log.Info("[Session] Hanging up after final prompt")
		o.hangup(call.CauseLocal)
	case o.state.TransferTarget != "":
		o.transfer()
	default:
		o.setPhase(PhaseActive)
		if !o.flow.RestartAfterPlayback {
			return
		}
		if err := o.startFeature(""); err != nil {
			o.commandFailed("continue", err)
		}
	}
}

func (o *Orchestrator) featureVars(event string) map[string]string {
	f := o.flow.Feature
	metadata, _ := json.Marshal(map[string]string{
		"callId": o.state.CallID,
		"to":     o.state.ToURI,
		"from":   o.state.FromURI,
	})
	return map[string]string{
		"call_id":     o.state.CallID,
		"endpoint_id": o.endpoint.ID(),
		"from":        o.state.FromURI,
		"to":          o.state.ToURI,
		"project":     f.Project,
		"lang":        f.Lang,
		"timeout":     strconv.Itoa(f.Timeout),
		"event":       event,
		"url":         f.URL,
		"mix":         f.Mix,
		"rate":        strconv.Itoa(f.Rate),
		"metadata":    string(metadata),
	}
}

func (o *Orchestrator) commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(o.ctx, o.opts.CommandTimeout)
}

func (o *Orchestrator) startFeature(event string) error {
	name := o.flow.Feature.Name
	if name == "" || o.terminating {
		return nil
	}
	ctx, cancel := o.commandContext()
	defer cancel()
	args := o.flow.FeatureArgs(o.featureVars(event))
	o.log.Debug("[Session] Starting feature", "feature", name, "args", strings.Join(args, " "))
	return o.endpoint.StartFeature(ctx, name, args...)
}

func (o *Orchestrator) restartFeature() {
	name := o.flow.Feature.Name
	if name == "" {
		return
	}
	ctx, cancel := o.commandContext()
	err := o.endpoint.StopFeature(ctx, name)
	cancel()
	if err != nil {
		o.commandFailed("stop feature", err)
	}
	if err := o.startFeature(""); err != nil {
		o.commandFailed("restart feature", err)
	}
}

func (o *Orchestrator) commandFailed(op string, err error) {
	if errors.Is(err, context.Canceled) && o.terminating {
		return
	}
	o.log.Warn("[Session] Command failed", "error", call.NewError(call.CommandFailure, op, o.state.CallID, err))
}

// hangup destroys the dialog; the linker takes the endpoint down with it.
func (o *Orchestrator) hangup(cause call.TerminationCause) {
	if o.terminating {
		return
	}
	o.terminating = true
	o.stopWatchdog()
	o.setPhase(PhaseTerminating)
	o.log.Info("[Session] Hanging up", "cause", cause)
	o.destroyAsync(o.dialog)
}

func (o *Orchestrator) destroyAsync(leg call.Leg) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.opts.CommandTimeout)
		defer cancel()
		if err := leg.Destroy(ctx); err != nil {
			o.log.Warn("[Session] Destroy failed", "leg", leg.ID(), "error", err)
		}
	}()
}

// teardown runs once the inbound dialog has ended, whatever the cause.
func (o *Orchestrator) teardown(cause call.TerminationCause) {
	if o.finished {
		return
	}
	o.terminating = true
	o.stopWatchdog()
	o.setPhase(PhaseTerminating)
	o.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), o.opts.CommandTimeout)
	defer cancel()
	if err := o.endpoint.Destroy(ctx); err != nil {
		o.log.Warn("[Session] Failed to destroy endpoint", "error", err)
	}

	if o.opts.Recorder != nil {
		if err := o.opts.Recorder.Delete(ctx, o.state.CallID); err != nil {
			o.log.Warn("[Session] Failed to delete snapshot", "error", err)
		}
	}
	o.log.Info("[Session] Ended", "cause", cause, "duration", time.Since(o.state.StartedAt).Round(time.Millisecond))
	o.finished = true
	if o.onClose != nil {
		o.onClose(o)
	}
}

func (o *Orchestrator) setPhase(p Phase) {
	if o.state.Phase == PhaseTerminating && p != PhaseTerminating {
		return
	}
	if o.state.Phase != p {
		o.log.Debug("[Session] Phase change", "from", o.state.Phase, "to", p)
	}
	o.state.Phase = p
	o.record()
}

// record publishes the state to Snapshot and the Recorder.
func (o *Orchestrator) record() {
	o.state.UpdatedAt = time.Now()
	snap := o.state.snapshot(o.endpoint.ID())

	o.snapMu.Lock()
	o.snap = snap
	o.snapMu.Unlock()

	if o.opts.Recorder == nil || o.finished {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.opts.Recorder.Save(ctx, snap); err != nil {
		o.log.Warn("[Session] Failed to save snapshot", "error", err)
	}
}
