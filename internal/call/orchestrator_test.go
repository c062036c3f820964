package call

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/callbridge/internal/ari"
	"github.com/sebas/callbridge/internal/audiosocket"
	"github.com/sebas/callbridge/internal/realtime"
)

// fakeARI answers every REST call with canned ids and, on CreateChannel,
// hands the call's correlation uuid to onUUID so the test can drive an
// AudioSocket connection that identifies with it. dialErr, when set, makes
// Dial fail (simulating ARI returning a non-2xx status), and every
// terminal-resource call is counted so tests can assert cleanup happened.
type fakeARI struct {
	mu             sync.Mutex
	dialCalled     bool
	dialErr        error
	hangupCalls    []string
	bridgesDeleted []string
	onUUID         func(channelID, uuid string)
}

func (f *fakeARI) CreateBridge(ctx context.Context) (string, error) { return "bridge-1", nil }

func (f *fakeARI) CreateChannel(ctx context.Context, endpoint, appName, data string) (string, error) {
	const channelID = "chan-1"
	if f.onUUID != nil {
		f.onUUID(channelID, data)
	}
	return channelID, nil
}

func (f *fakeARI) Dial(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialCalled = true
	return f.dialErr
}

func (f *fakeARI) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	return nil
}

func (f *fakeARI) CreateExternalMedia(ctx context.Context, p ari.ExternalMediaParams) (string, error) {
	return "extmedia-1", nil
}

func (f *fakeARI) Hangup(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangupCalls = append(f.hangupCalls, channelID)
	return nil
}

func (f *fakeARI) DeleteBridge(ctx context.Context, bridgeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bridgesDeleted = append(f.bridgesDeleted, bridgeID)
	return nil
}

func (f *fakeARI) hangupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hangupCalls)
}

func (f *fakeARI) bridgeDeleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bridgesDeleted)
}

// fakeEventSource forwards each event the test sends on out, and otherwise
// blocks until ctx is cancelled.
type fakeEventSource struct {
	out chan ari.Event
}

func newFakeEventSource() *fakeEventSource { return &fakeEventSource{out: make(chan ari.Event, 8)} }

func (f *fakeEventSource) Run(ctx context.Context, events chan<- ari.Event) error {
	for {
		select {
		case ev := <-f.out:
			select {
			case events <- ev:
			case <-ctx.Done():
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

type fakeRealtimeSession struct {
	events chan realtime.Event
	closed chan struct{}
	once   sync.Once
}

func newFakeRealtimeSession() *fakeRealtimeSession {
	return &fakeRealtimeSession{events: make(chan realtime.Event, 8), closed: make(chan struct{})}
}

func (s *fakeRealtimeSession) SendAudio(payload []byte) error { return nil }

func (s *fakeRealtimeSession) Recv() (realtime.Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.closed:
		return realtime.Event{}, context.Canceled
	}
}

func (s *fakeRealtimeSession) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// dialAndIdentify opens a TCP connection to addr, sends IDENTIFY with id,
// then forwards one AUDIO frame, keeping the connection open until ctx is
// done.
func dialAndIdentify(t *testing.T, ctx context.Context, addr, id string) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Errorf("dial audiosocket: %v", err)
		return
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	u, err := uuid.Parse(id)
	if err != nil {
		t.Errorf("parse uuid: %v", err)
		return
	}
	idPacket := make([]byte, 3+16)
	idPacket[0] = byte(audiosocket.Identify)
	binary.BigEndian.PutUint16(idPacket[1:3], 16)
	ub, _ := u.MarshalBinary()
	copy(idPacket[3:], ub)
	if _, err := conn.Write(idPacket); err != nil {
		return
	}

	audioPacket := audiosocket.Encode(audiosocket.Audio, make([]byte, 160))
	_, _ = conn.Write(audioPacket)
}

func TestOrchestratorHappyPathThroughBridgedAndHangup(t *testing.T) {
	registry := NewConnRegistry()

	server := audiosocket.NewServer("127.0.0.1", 0, 1<<20)
	ln, err := server.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	srvCtx, srvCancel := context.WithCancel(context.Background())
	defer srvCancel()
	go server.Serve(srvCtx, ln, func(ctx context.Context, c *audiosocket.Conn) {
		registry.Deliver(c.UUID(), c)
		<-ctx.Done()
	})

	events := newFakeEventSource()
	sess := newFakeRealtimeSession()

	ari := &fakeARI{onUUID: func(channelID, callUUID string) {
		go dialAndIdentify(t, srvCtx, ln.Addr().String(), callUUID)
	}}

	store := NewMemStore()

	o := NewOrchestrator(Deps{
		ARI:               ari,
		Store:             store,
		Registry:          registry,
		EventsURL:         "ws://unused",
		NewEventSource:    func(string) eventSource { return events },
		DialRealtime:      func(ctx context.Context, cfg realtime.Config) (realtimeSession, error) { return sess, nil },
		AppName:           "callbridge",
		SIPEndpointFormat: "PJSIP/%s@trunk",
		ExternalHost:      "127.0.0.1:9092",
		AudioFormat:       "alaw",
		TelephonyRate:     8000,
		RealtimeRate:      8000,
		FrameBytes:        160,
		OutputFormat:      "linear",
		InterruptPause:    50 * time.Millisecond,
		WaitStasisTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := o.Place(ctx, "15555550100")
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	// Advance the ARI event script: StasisStart then Dial-answer.
	events.out <- ari.eventStasisStart("chan-1")
	time.Sleep(20 * time.Millisecond)
	events.out <- ari.eventDialAnswer("chan-1")

	waitForState(t, c, Bridged, 2*time.Second)

	sess.events <- realtime.Event{Type: realtime.EventResponseAudioDelta, AudioDelta: &realtime.AudioDeltaEvent{Delta: ""}}

	events.out <- ari.eventHangup("chan-1")

	waitForState(t, c, Ended, 2*time.Second)

	log := c.StatusLog()
	if len(log) == 0 || log[len(log)-1].Kind != StatusEnded {
		t.Fatalf("expected call to end in StatusEnded, log=%v", log)
	}
}

func TestOrchestratorFailsWhenStasisNeverArrives(t *testing.T) {
	registry := NewConnRegistry()
	events := newFakeEventSource()
	sess := newFakeRealtimeSession()
	ari := &fakeARI{}
	store := NewMemStore()

	o := NewOrchestrator(Deps{
		ARI:               ari,
		Store:             store,
		Registry:          registry,
		EventsURL:         "ws://unused",
		NewEventSource:    func(string) eventSource { return events },
		DialRealtime:      func(ctx context.Context, cfg realtime.Config) (realtimeSession, error) { return sess, nil },
		AppName:           "callbridge",
		SIPEndpointFormat: "PJSIP/%s@trunk",
		ExternalHost:      "127.0.0.1:9092",
		AudioFormat:       "alaw",
		TelephonyRate:     8000,
		RealtimeRate:      8000,
		OutputFormat:      "linear",
		WaitStasisTimeout: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := o.Place(ctx, "15555550100")
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	waitForState(t, c, Failed, 2*time.Second)
}

// TestOrchestratorFailsWhenDialErrors exercises spec.md Scenario S4: ARI's
// POST /channels/{id}/dial returns an error (e.g. a 500), and the
// orchestrator must transition the call to Failed, release the bridge and
// channel via Hangup/DeleteBridge, and never dial a Realtime session since
// the call was never answered.
func TestOrchestratorFailsWhenDialErrors(t *testing.T) {
	registry := NewConnRegistry()
	events := newFakeEventSource()

	ari := &fakeARI{dialErr: fmt.Errorf("ari: dial: 500 Internal Server Error")}
	store := NewMemStore()

	var realtimeDialed int32
	o := NewOrchestrator(Deps{
		ARI:               ari,
		Store:             store,
		Registry:          registry,
		EventsURL:         "ws://unused",
		NewEventSource:    func(string) eventSource { return events },
		DialRealtime: func(ctx context.Context, cfg realtime.Config) (realtimeSession, error) {
			atomic.AddInt32(&realtimeDialed, 1)
			return newFakeRealtimeSession(), nil
		},
		AppName:           "callbridge",
		SIPEndpointFormat: "PJSIP/%s@trunk",
		ExternalHost:      "127.0.0.1:9092",
		AudioFormat:       "alaw",
		TelephonyRate:     8000,
		RealtimeRate:      8000,
		OutputFormat:      "linear",
		WaitStasisTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := o.Place(ctx, "15555550100")
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	events.out <- ari.eventStasisStart("chan-1")

	waitForState(t, c, Failed, 2*time.Second)

	// Give teardown (which runs after fail()) a moment to run its
	// Hangup/DeleteBridge calls. The call never reached CreateExternalMedia,
	// so only the client channel is hung up, alongside the bridge delete.
	deadline := time.After(2 * time.Second)
	for ari.hangupCount() < 1 || ari.bridgeDeleteCount() < 1 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for teardown cleanup: hangups=%d bridgeDeletes=%d", ari.hangupCount(), ari.bridgeDeleteCount())
		case <-time.After(5 * time.Millisecond):
		}
	}

	if got := atomic.LoadInt32(&realtimeDialed); got != 0 {
		t.Errorf("Realtime was dialed %d times, want 0 (call never reached Answered)", got)
	}
}

func waitForState(t *testing.T, c *Call, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if c.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for state %s, currently %s", want, c.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Small event-building helpers kept local to the test file: the fake ARI
// backend above is named "ari" as a local variable in tests, shadowing the
// ari package, so these are methods on *fakeARI, reachable through that
// local variable, whose bodies still see the ari package.
func (f *fakeARI) eventStasisStart(channelID string) ari.Event {
	return ari.Event{Type: ari.EventStasisStart, StasisStart: &ari.StasisStartEvent{Channel: ari.Channel{ID: channelID}}}
}

func (f *fakeARI) eventDialAnswer(channelID string) ari.Event {
	return ari.Event{Type: ari.EventDial, Dial: &ari.DialEvent{Peer: ari.Channel{ID: channelID}, DialStatus: "ANSWER"}}
}

func (f *fakeARI) eventHangup(channelID string) ari.Event {
	return ari.Event{
		Type:                 ari.EventChannelHangupRequest,
		ChannelHangupRequest: &ari.ChannelHangupRequestEvent{Channel: ari.Channel{ID: channelID}},
	}
}
