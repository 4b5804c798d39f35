package dispatch

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/stellarlinkco/chatfight/internal/bus"
	"github.com/stellarlinkco/chatfight/internal/challenge"
	"github.com/stellarlinkco/chatfight/internal/logging"
	"github.com/stellarlinkco/chatfight/internal/pipeline"
	"github.com/stellarlinkco/chatfight/internal/state"
)

// Handler runs one pipeline execution.
type Handler interface {
	Ready() bool
	Handle(ctx context.Context, msg bus.InboundMessage) pipeline.Outcome
}

// CommandHandler runs administrative commands.
type CommandHandler interface {
	Match(msg bus.InboundMessage) bool
	Handle(ctx context.Context, msg bus.InboundMessage)
}

// ErrorRecorder counts executions that failed outside the pipeline's own handling.
type ErrorRecorder interface {
	RecordError(ctx context.Context) state.ModuleState
}

// Observer is told about every spawned execution.
type Observer interface {
	ObserveDispatch(route string)
}

const (
	RouteChallenge = "challenge"
	RouteCommand   = "command"
)

type Options struct {
	Classifier challenge.Classifier
	Handler    Handler
	Commands   CommandHandler
	Errors     ErrorRecorder
	Observer   Observer
	Logger     *slog.Logger
}

// Dispatcher reads the bus and spawns work without ever waiting on it.
type Dispatcher struct {
	classifier challenge.Classifier
	handler    Handler
	commands   CommandHandler
	errors     ErrorRecorder
	observer   Observer
	logger     *slog.Logger

	wg sync.WaitGroup
}

func New(opts Options) *Dispatcher {
	return &Dispatcher{
		classifier: opts.Classifier,
		handler:    opts.Handler,
		commands:   opts.Commands,
		errors:     opts.Errors,
		observer:   opts.Observer,
		logger:     logging.OrDiscard(opts.Logger).With("component", "dispatch"),
	}
}

// Run dispatches until ctx is done or in is closed.
func (d *Dispatcher) Run(ctx context.Context, in <-chan bus.InboundMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			d.Dispatch(ctx, msg)
		}
	}
}

// Dispatch routes one message and reports whether work was spawned.
func (d *Dispatcher) Dispatch(ctx context.Context, msg bus.InboundMessage) bool {
	if d.commands != nil && d.commands.Match(msg) {
		d.spawn(RouteCommand, msg, func() {
			d.commands.Handle(ctx, msg)
		}, nil)
		return true
	}

	if !d.Admissible(msg) {
		return false
	}

	d.spawn(RouteChallenge, msg, func() {
		d.handler.Handle(ctx, msg)
	}, func() {
		if d.errors != nil {
			d.errors.RecordError(ctx)
		}
	})
	return true
}

// Admissible is the cheap synchronous filter run before spawning a pipeline.
func (d *Dispatcher) Admissible(msg bus.InboundMessage) bool {
	if d.handler == nil || !d.handler.Ready() {
		return false
	}
	if msg.ChatID != d.classifier.GroupID {
		return false
	}
	if _, ok := pipeline.Classify(d.classifier, msg); !ok {
		return false
	}
	return msg.Image() != nil
}

func (d *Dispatcher) spawn(route string, msg bus.InboundMessage, run func(), onPanic func()) {
	if d.observer != nil {
		d.observer.ObserveDispatch(route)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("execution panicked",
					"route", route,
					"chat_id", msg.ChatID,
					"message_id", msg.MessageID,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				if onPanic != nil {
					onPanic()
				}
			}
		}()
		run()
	}()
}

// Wait blocks until every spawned execution has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
