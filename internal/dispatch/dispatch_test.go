package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stellarlinkco/chatfight/internal/bus"
	"github.com/stellarlinkco/chatfight/internal/challenge"
	"github.com/stellarlinkco/chatfight/internal/pipeline"
	"github.com/stellarlinkco/chatfight/internal/state"
)

const (
	botID   int64 = 99
	groupID int64 = -42
)

type fakeHandler struct {
	ready   bool
	block   chan struct{}
	panics  bool
	handled atomic.Int32
}

func (h *fakeHandler) Ready() bool { return h.ready }

func (h *fakeHandler) Handle(ctx context.Context, msg bus.InboundMessage) pipeline.Outcome {
	if h.block != nil {
		<-h.block
	}
	h.handled.Add(1)
	if h.panics {
		panic("nil map write")
	}
	return pipeline.OutcomeAnswered
}

type fakeCommands struct {
	mu      sync.Mutex
	handled []string
}

func (c *fakeCommands) Match(msg bus.InboundMessage) bool { return msg.Text == "-ping" }

func (c *fakeCommands) Handle(ctx context.Context, msg bus.InboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handled = append(c.handled, msg.Text)
}

type countingObserver struct {
	mu     sync.Mutex
	routes []string
}

func (o *countingObserver) ObserveDispatch(route string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routes = append(o.routes, route)
}

func challengeMsg() bus.InboundMessage {
	return bus.InboundMessage{
		MessageID: 1,
		SenderID:  botID,
		ChatID:    groupID,
		Caption:   "Sé el primero en escribir la palabra que aparece en la foto",
		Photo:     &bus.Attachment{FileID: "p"},
	}
}

func newDispatcher(h Handler, cmds CommandHandler, rec ErrorRecorder, obs Observer) *Dispatcher {
	return New(Options{
		Classifier: challenge.Classifier{GameBotID: botID, GroupID: groupID},
		Handler:    h,
		Commands:   cmds,
		Errors:     rec,
		Observer:   obs,
	})
}

func TestDispatcher_Admissible(t *testing.T) {
	d := newDispatcher(&fakeHandler{ready: true}, nil, nil, nil)

	tests := []struct {
		name   string
		mutate func(*bus.InboundMessage)
		want   bool
	}{
		{"challenge", func(m *bus.InboundMessage) {}, true},
		{"other sender", func(m *bus.InboundMessage) { m.SenderID = 5 }, false},
		{"other chat", func(m *bus.InboundMessage) { m.ChatID = -1 }, false},
		{"no phrase", func(m *bus.InboundMessage) { m.Caption = "hola" }, false},
		{"no image", func(m *bus.InboundMessage) { m.Photo = nil }, false},
		{"image document", func(m *bus.InboundMessage) {
			m.Photo = nil
			m.Document = &bus.Attachment{FileID: "d", MimeType: "image/webp"}
		}, true},
		{"pdf document", func(m *bus.InboundMessage) {
			m.Photo = nil
			m.Document = &bus.Attachment{FileID: "d", MimeType: "application/pdf"}
		}, false},
		{"phrase in text", func(m *bus.InboundMessage) {
			m.Caption = ""
			m.Text = "tabla de clasificación"
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := challengeMsg()
			tt.mutate(&msg)
			if got := d.Admissible(msg); got != tt.want {
				t.Errorf("Admissible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDispatcher_DisabledSpawnsNothing(t *testing.T) {
	h := &fakeHandler{ready: false}
	d := newDispatcher(h, nil, nil, nil)

	if d.Dispatch(context.Background(), challengeMsg()) {
		t.Error("disabled module should not spawn")
	}
	d.Wait()
	if h.handled.Load() != 0 {
		t.Error("handler should not run")
	}
}

func TestDispatcher_OtherSenderSpawnsNothing(t *testing.T) {
	h := &fakeHandler{ready: true}
	d := newDispatcher(h, nil, nil, nil)
	msg := challengeMsg()
	msg.SenderID = 12345

	if d.Dispatch(context.Background(), msg) {
		t.Error("message from another sender should not spawn")
	}
	d.Wait()
	if h.handled.Load() != 0 {
		t.Error("handler should not run")
	}
}

func TestDispatcher_DoesNotBlockOnSlowHandler(t *testing.T) {
	h := &fakeHandler{ready: true, block: make(chan struct{})}
	obs := &countingObserver{}
	d := newDispatcher(h, nil, nil, obs)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			d.Dispatch(context.Background(), challengeMsg())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on a slow handler")
	}

	close(h.block)
	d.Wait()
	if got := h.handled.Load(); got != 3 {
		t.Errorf("handled = %d, want 3", got)
	}
	if len(obs.routes) != 3 || obs.routes[0] != RouteChallenge {
		t.Errorf("routes = %v", obs.routes)
	}
}

func TestDispatcher_PanicBecomesRecordedError(t *testing.T) {
	h := &fakeHandler{ready: true, panics: true}
	mgr := state.NewManager(state.NewMemoryStore(), state.Default(), nil)
	d := newDispatcher(h, nil, mgr, nil)

	if !d.Dispatch(context.Background(), challengeMsg()) {
		t.Fatal("expected spawn")
	}
	d.Wait()

	if got := mgr.Snapshot().Stats.Errors; got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
}

func TestDispatcher_RoutesCommands(t *testing.T) {
	h := &fakeHandler{ready: false}
	cmds := &fakeCommands{}
	obs := &countingObserver{}
	d := newDispatcher(h, cmds, nil, obs)

	msg := bus.InboundMessage{SenderID: 1, ChatID: 555, Text: "-ping"}
	if !d.Dispatch(context.Background(), msg) {
		t.Fatal("command should be dispatched")
	}
	d.Wait()

	if len(cmds.handled) != 1 {
		t.Errorf("commands handled = %v", cmds.handled)
	}
	if len(obs.routes) != 1 || obs.routes[0] != RouteCommand {
		t.Errorf("routes = %v", obs.routes)
	}
}

func TestDispatcher_Run(t *testing.T) {
	h := &fakeHandler{ready: true}
	d := newDispatcher(h, nil, nil, nil)
	in := make(chan bus.InboundMessage, 3)
	in <- challengeMsg()
	in <- bus.InboundMessage{ChatID: groupID, Text: "hola"}
	in <- challengeMsg()
	close(in)

	d.Run(context.Background(), in)
	d.Wait()

	if got := h.handled.Load(); got != 2 {
		t.Errorf("handled = %d, want 2", got)
	}
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	d := newDispatcher(&fakeHandler{ready: true}, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		d.Run(ctx, make(chan bus.InboundMessage))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
