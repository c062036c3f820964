package call

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sebas/callbridge/internal/ari"
	"github.com/sebas/callbridge/internal/audiosocket"
	"github.com/sebas/callbridge/internal/bridgeerr"
	"github.com/sebas/callbridge/internal/pipeline"
	"github.com/sebas/callbridge/internal/realtime"
)

// ariClient is the subset of *ari.Client the orchestrator drives, narrowed
// to an interface so tests can supply a fake REST backend.
type ariClient interface {
	CreateBridge(ctx context.Context) (string, error)
	CreateChannel(ctx context.Context, endpoint, appName, data string) (string, error)
	Dial(ctx context.Context, channelID string) error
	AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error
	CreateExternalMedia(ctx context.Context, p ari.ExternalMediaParams) (string, error)
	Hangup(ctx context.Context, channelID string) error
	DeleteBridge(ctx context.Context, bridgeID string) error
}

var _ ariClient = (*ari.Client)(nil)

// eventSource streams parsed ARI events, mirroring *ari.EventConsumer.
type eventSource interface {
	Run(ctx context.Context, events chan<- ari.Event) error
}

var _ eventSource = (*ari.EventConsumer)(nil)

// realtimeSession is the subset of *realtime.Session the orchestrator needs.
type realtimeSession interface {
	SendAudio(payload []byte) error
	Recv() (realtime.Event, error)
	Close() error
}

var _ realtimeSession = (*realtime.Session)(nil)

// realtimeDialer opens a realtimeSession; production wiring is
// dialRealtimeSession, tests substitute a fake.
type realtimeDialer func(ctx context.Context, cfg realtime.Config) (realtimeSession, error)

func dialRealtimeSession(ctx context.Context, cfg realtime.Config) (realtimeSession, error) {
	return realtime.Dial(ctx, cfg)
}

// Deps wires an Orchestrator's collaborators and per-deployment settings.
type Deps struct {
	ARI            ariClient
	Store          Store
	Registry       *ConnRegistry
	EventsURL      string
	NewEventSource func(wsURL string) eventSource
	DialRealtime   realtimeDialer

	AppName           string
	SIPEndpointFormat string // e.g. "PJSIP/%s@trunk"
	ExternalHost      string // host:port ARI's external media should stream to
	AudioFormat       string // e.g. "alaw", ExternalMedia's requested RTP codec
	InputFormat       string // AudioSocket ingress payload: "g711_alaw" or "pcm16" (spec.md §6 INPUT_FORMAT)
	TelephonyRate     int
	RealtimeRate      int
	FrameBytes        int
	OutputFormat      string // AudioSocket egress payload: "alaw" or "linear"
	InterruptPause    time.Duration
	WaitStasisTimeout time.Duration
	Realtime          realtime.Config // template; URL/Model/APIKey/Voice/etc shared by every call
}

// Orchestrator places calls and drives each one's lifecycle: ARI
// bridge/channel/external-media creation, the Stasis/Dial event
// choreography, AudioSocket identification, and the bidirectional audio
// pipeline to the Realtime session, per call.
type Orchestrator struct {
	d Deps
}

// NewOrchestrator returns an Orchestrator with production defaults filled
// in for any unset collaborator factories.
func NewOrchestrator(d Deps) *Orchestrator {
	if d.NewEventSource == nil {
		d.NewEventSource = func(wsURL string) eventSource { return ari.NewEventConsumer(wsURL) }
	}
	if d.DialRealtime == nil {
		d.DialRealtime = dialRealtimeSession
	}
	if d.WaitStasisTimeout == 0 {
		d.WaitStasisTimeout = 30 * time.Second
	}
	if d.FrameBytes == 0 {
		d.FrameBytes = 160
	}
	return &Orchestrator{d: d}
}

// Place creates a Call, persists it, and drives it to completion in the
// background against ctx (expected to be the process lifetime context, not
// a request-scoped one — the call must outlive whatever placed it).
func (o *Orchestrator) Place(ctx context.Context, phone string) (*Call, error) {
	c := New(phone)
	if err := o.d.Store.CreateCall(c); err != nil {
		return nil, fmt.Errorf("call: persist new call: %w", err)
	}
	o.persistStatus(c)
	// The call's UUID must be known to the registry before any AudioSocket
	// connection can legitimately claim it (spec.md §3 invariant (i)); a
	// connection that identifies with an unregistered UUID is rejected.
	o.d.Registry.Expect(c.UUID())
	go o.run(ctx, c)
	return c, nil
}

// run drives one call's entire lifecycle. It never panics out: every error
// path transitions the call to Failed and returns.
func (o *Orchestrator) run(parentCtx context.Context, c *Call) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	events := make(chan ari.Event, 16)
	source := o.d.NewEventSource(o.d.EventsURL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return source.Run(gctx, events) })

	sess, conn, err := o.place(gctx, c, events)
	if err != nil {
		o.fail(c, err)
		cancel()
		_ = g.Wait()
		o.teardown(c, sess, conn)
		return
	}

	ing := pipeline.NewIngress(o.d.TelephonyRate, o.d.RealtimeRate, o.d.InputFormat, sess)
	eg := pipeline.NewEgress(o.d.RealtimeRate, o.d.TelephonyRate, o.d.OutputFormat, o.d.FrameBytes, o.d.InterruptPause, conn)

	g.Go(func() error { return eg.Run(gctx) })
	g.Go(func() error { return o.readAudioSocket(gctx, conn, ing) })
	g.Go(func() error { return o.readRealtime(gctx, c, sess, eg) })
	g.Go(func() error { return o.watchHangup(gctx, events, c, cancel, sess, conn) })

	if err := g.Wait(); err != nil {
		slog.Warn("[Call] task group ended with error", "uuid", c.UUID(), "error", err)
		// ctx is only cancelled by a hangup or by the caller; any other task
		// error is fatal to the call.
		if ctx.Err() == nil {
			o.fail(c, err)
		}
	}
	o.teardown(c, sess, conn)
}

// place runs the ARI choreography up to and including Realtime session
// establishment: bridge, channel, dial, answer, external media,
// AudioSocket identification, Realtime dial. On success the call is left in
// Bridged.
func (o *Orchestrator) place(ctx context.Context, c *Call, events <-chan ari.Event) (realtimeSession, *audiosocket.Conn, error) {
	if err := o.transition(c, Creating, StatusCreated); err != nil {
		return nil, nil, err
	}

	bridgeID, err := o.d.ARI.CreateBridge(ctx)
	if err != nil {
		return nil, nil, bridgeerr.New(bridgeerr.Transport, "CreateBridge", err)
	}
	if err := c.SetBridgeID(bridgeID); err != nil {
		return nil, nil, err
	}

	endpoint := fmt.Sprintf(o.d.SIPEndpointFormat, c.Phone())
	channelID, err := o.d.ARI.CreateChannel(ctx, endpoint, o.d.AppName, c.UUID())
	if err != nil {
		return nil, nil, bridgeerr.New(bridgeerr.Transport, "CreateChannel", err)
	}
	if err := c.SetChannelID(channelID); err != nil {
		return nil, nil, err
	}
	if linker, ok := o.d.Store.(interface{ LinkChannel(uuid, channelID string) }); ok {
		linker.LinkChannel(c.UUID(), channelID)
	}

	if err := o.d.ARI.AddChannelToBridge(ctx, bridgeID, channelID); err != nil {
		return nil, nil, bridgeerr.New(bridgeerr.Transport, "AddChannelToBridge", err)
	}

	if err := o.transition(c, WaitingStasis, StatusCreated); err != nil {
		return nil, nil, err
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, o.d.WaitStasisTimeout)
	err = waitForStasisStart(waitCtx, events, channelID)
	waitCancel()
	if err != nil {
		return nil, nil, bridgeerr.New(bridgeerr.Timeout, "waitForStasisStart", err)
	}
	if err := o.transition(c, Dialing, StatusStasisStart); err != nil {
		return nil, nil, err
	}

	if err := o.d.ARI.Dial(ctx, channelID); err != nil {
		return nil, nil, bridgeerr.New(bridgeerr.Transport, "Dial", err)
	}
	if err := waitForDialAnswer(ctx, events, channelID); err != nil {
		return nil, nil, bridgeerr.New(bridgeerr.Protocol, "waitForDialAnswer", err)
	}
	if err := o.transition(c, Answered, StatusDialAnswered); err != nil {
		return nil, nil, err
	}

	extID, err := o.d.ARI.CreateExternalMedia(ctx, ari.ExternalMediaParams{
		AppName:      o.d.AppName,
		ExternalHost: o.d.ExternalHost,
		Format:       o.d.AudioFormat,
		Data:         c.UUID(),
	})
	if err != nil {
		return nil, nil, bridgeerr.New(bridgeerr.Transport, "CreateExternalMedia", err)
	}
	if err := c.SetExternalMediaID(extID); err != nil {
		return nil, nil, err
	}
	if err := o.d.ARI.AddChannelToBridge(ctx, bridgeID, extID); err != nil {
		return nil, nil, bridgeerr.New(bridgeerr.Transport, "AddChannelToBridge", err)
	}

	conn, err := o.d.Registry.WaitForConn(ctx, c.UUID())
	if err != nil {
		return nil, nil, bridgeerr.New(bridgeerr.Timeout, "WaitForConn", err)
	}

	sess, err := o.d.DialRealtime(ctx, o.d.Realtime)
	if err != nil {
		_ = conn.Close()
		return nil, nil, bridgeerr.New(bridgeerr.Transport, "DialRealtime", err)
	}

	if err := o.transition(c, Bridged, StatusBridged); err != nil {
		_ = sess.Close()
		_ = conn.Close()
		return nil, nil, err
	}

	return sess, conn, nil
}

func waitForStasisStart(ctx context.Context, events <-chan ari.Event, channelID string) error {
	for {
		select {
		case ev := <-events:
			if ev.Type == ari.EventStasisStart && ev.StasisStart != nil && ev.StasisStart.Channel.ID == channelID {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func waitForDialAnswer(ctx context.Context, events <-chan ari.Event, channelID string) error {
	for {
		select {
		case ev := <-events:
			if ev.Type != ari.EventDial || ev.Dial == nil || ev.Dial.Peer.ID != channelID {
				continue
			}
			switch ev.Dial.DialStatus {
			case "ANSWER":
				return nil
			case "BUSY", "NOANSWER", "CONGESTION", "CHANUNAVAIL":
				return fmt.Errorf("call: dial failed: %s", ev.Dial.DialStatus)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// readAudioSocket forwards every AudioSocket AUDIO payload into the ingress
// pipeline until the connection closes or ctx is cancelled.
func (o *Orchestrator) readAudioSocket(ctx context.Context, conn *audiosocket.Conn, ing *pipeline.Ingress) error {
	for {
		select {
		case payload, ok := <-conn.Ingress:
			if !ok {
				return nil
			}
			if err := ing.HandleFrame(payload); err != nil {
				return bridgeerr.New(bridgeerr.Transport, "HandleFrame", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// readRealtime receives Realtime API events, forwarding synthesized audio
// to egress, draining egress on barge-in, and assembling transcripts into
// the call's dialog log.
func (o *Orchestrator) readRealtime(ctx context.Context, c *Call, sess realtimeSession, eg *pipeline.Egress) error {
	var agentTranscript, userTranscript string

	for {
		if ctx.Err() != nil {
			return nil
		}
		ev, err := sess.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return bridgeerr.New(bridgeerr.Transport, "Realtime.Recv", err)
			}
		}

		switch ev.Type {
		case realtime.EventResponseAudioDelta:
			if ev.AudioDelta == nil {
				continue
			}
			pcm, err := realtime.DecodeAudioDelta(ev.AudioDelta)
			if err != nil {
				slog.Warn("[Call] malformed audio delta", "uuid", c.UUID(), "error", err)
				continue
			}
			if err := eg.Enqueue(ctx, pcm); err != nil && ctx.Err() == nil {
				return bridgeerr.New(bridgeerr.Transport, "Egress.Enqueue", err)
			}
		case realtime.EventInputAudioBufferSpeechStarted:
			eg.BargeIn()
			o.markStatus(c, StatusUserSpeaking)
			o.markStatus(c, StatusBargedIn)
		case realtime.EventResponseAudioTranscriptDelta:
			if ev.TranscriptDelta != nil {
				agentTranscript += ev.TranscriptDelta.Delta
			}
		case realtime.EventResponseAudioTranscriptDone:
			if agentTranscript != "" {
				o.appendUtterance(c, SpeakerAgent, agentTranscript)
				agentTranscript = ""
			}
		case realtime.EventConversationItemInputAudioTranscriptDelta:
			if ev.InputTranscriptDelta != nil {
				userTranscript += ev.InputTranscriptDelta.Delta
			}
		case realtime.EventConversationItemInputAudioTranscriptDone:
			if userTranscript != "" {
				o.appendUtterance(c, SpeakerUser, userTranscript)
				userTranscript = ""
			}
		case realtime.EventError:
			msg := "unknown"
			if ev.Error != nil {
				msg = ev.Error.Error.Message
			}
			return bridgeerr.New(bridgeerr.Protocol, "Realtime", fmt.Errorf("%s", msg))
		}
	}
}

// watchHangup waits for a ChannelHangupRequest naming this call's channel
// and tears down the audio path: it cancels cancel to unwind the rest of
// the task group, and closes sess/conn directly so readRealtime (blocked in
// Recv, which takes no ctx) and the AudioSocket connection's read loop
// unblock immediately instead of waiting out their own read timeouts.
func (o *Orchestrator) watchHangup(ctx context.Context, events <-chan ari.Event, c *Call, cancel context.CancelFunc, sess realtimeSession, conn *audiosocket.Conn) error {
	channelID := c.ChannelID()
	for {
		select {
		case ev := <-events:
			if ev.Type == ari.EventChannelHangupRequest && ev.ChannelHangupRequest != nil &&
				ev.ChannelHangupRequest.Channel.ID == channelID {
				if err := o.transition(c, Hangup, StatusHangupRequested); err != nil {
					slog.Warn("[Call] hangup transition rejected", "uuid", c.UUID(), "error", err)
				}
				cancel()
				_ = sess.Close()
				_ = conn.Close()
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// fail marks c Failed, logging why. It is a no-op if the call already
// reached a terminal state.
func (o *Orchestrator) fail(c *Call, cause error) {
	slog.Error("[Call] failed", "uuid", c.UUID(), "error", cause)
	if c.State().IsTerminal() {
		return
	}
	if err := o.transition(c, Failed, StatusFailed); err != nil {
		slog.Warn("[Call] could not transition to FAILED", "uuid", c.UUID(), "error", err)
	}
}

// teardown releases every ARI resource the call acquired and closes the
// Realtime session and AudioSocket connection, best-effort, then ensures
// the call reaches a terminal state.
func (o *Orchestrator) teardown(c *Call, sess realtimeSession, conn *audiosocket.Conn) {
	defer o.d.Registry.Forget(c.UUID())

	if sess != nil {
		_ = sess.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if id := c.ExternalMediaID(); id != "" {
		if err := o.d.ARI.Hangup(ctx, id); err != nil {
			slog.Warn("[Call] hangup external media failed", "uuid", c.UUID(), "error", err)
		}
	}
	if id := c.ChannelID(); id != "" {
		if err := o.d.ARI.Hangup(ctx, id); err != nil {
			slog.Warn("[Call] hangup channel failed", "uuid", c.UUID(), "error", err)
		}
	}
	if id := c.BridgeID(); id != "" {
		if err := o.d.ARI.DeleteBridge(ctx, id); err != nil {
			slog.Warn("[Call] delete bridge failed", "uuid", c.UUID(), "error", err)
		}
	}

	if c.State().IsTerminal() {
		return
	}
	if c.State() != Hangup {
		if err := o.transition(c, Hangup, StatusHangupRequested); err != nil {
			slog.Warn("[Call] could not transition to HANGUP during teardown", "uuid", c.UUID(), "error", err)
			return
		}
	}
	if err := o.transition(c, Ended, StatusEnded); err != nil {
		slog.Warn("[Call] could not transition to ENDED", "uuid", c.UUID(), "error", err)
	}
}

// transition moves c to next, persisting the new status log entry to the
// Store collaborator (fire-and-forget; spec.md §6).
func (o *Orchestrator) transition(c *Call, next State, status StatusKind) error {
	if err := c.Transition(next, status); err != nil {
		return err
	}
	o.persistStatus(c)
	return nil
}

// markStatus appends a non-transitioning status entry to c, persisting it
// the same way transition does.
func (o *Orchestrator) markStatus(c *Call, kind StatusKind) {
	c.MarkStatus(kind)
	o.persistStatus(c)
}

// appendUtterance adds one transcribed turn to c's dialog, persisting it to
// the Store collaborator (fire-and-forget; spec.md §6).
func (o *Orchestrator) appendUtterance(c *Call, speaker UtteranceSpeaker, text string) {
	c.AppendUtterance(speaker, text)
	o.persistUtterance(c)
}

// persistStatus mirrors c's most recently appended status entry to the
// Store collaborator. Persistence failure is logged, never fatal to the
// call (spec.md §6).
func (o *Orchestrator) persistStatus(c *Call) {
	log := c.StatusLog()
	if len(log) == 0 {
		return
	}
	entry := log[len(log)-1]
	go func() {
		if err := o.d.Store.AppendStatusToCall(c.UUID(), []Status{entry}); err != nil {
			slog.Warn("[Call] persist status failed", "uuid", c.UUID(), "kind", entry.Kind, "error", err)
		}
	}()
}

// persistUtterance mirrors c's most recently appended dialog turn to the
// Store collaborator, the same way persistStatus does for status entries.
func (o *Orchestrator) persistUtterance(c *Call) {
	dialog := c.Dialog()
	if len(dialog) == 0 {
		return
	}
	entry := dialog[len(dialog)-1]
	go func() {
		if err := o.d.Store.AddPhrasesToCall(c.UUID(), []Utterance{entry}); err != nil {
			slog.Warn("[Call] persist utterance failed", "uuid", c.UUID(), "speaker", entry.Speaker, "error", err)
		}
	}()
}
