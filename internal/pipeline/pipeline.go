package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/stellarlinkco/chatfight/internal/bus"
	"github.com/stellarlinkco/chatfight/internal/challenge"
	"github.com/stellarlinkco/chatfight/internal/logging"
	"github.com/stellarlinkco/chatfight/internal/state"
)

const DefaultTimeout = 30 * time.Second

var (
	// ErrAnalysisTimeout is returned when the vision call outlives its budget.
	ErrAnalysisTimeout = errors.New("analysis timed out")
	// ErrEmptyAnswer is returned when sanitizing leaves nothing to send.
	ErrEmptyAnswer = errors.New("empty answer")
)

// Outcome is how one execution ended.
type Outcome string

const (
	OutcomeSkipped      Outcome = "skipped"
	OutcomeNotChallenge Outcome = "not_challenge"
	OutcomeNoAttachment Outcome = "no_attachment"
	OutcomeAnswered     Outcome = "answered"
	OutcomeFailed       Outcome = "failed"
)

// Fetcher materializes an attachment as a local file and returns its path.
type Fetcher interface {
	Fetch(ctx context.Context, att *bus.Attachment) (string, error)
}

// Replier sends text as a reply to a message.
type Replier interface {
	Reply(ctx context.Context, chatID int64, replyTo int, text string) error
}

// Analyzer reads a challenge image and returns the answer.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte, kind challenge.Kind) (string, error)
}

// Observer receives per-execution measurements.
type Observer interface {
	ObserveOutcome(outcome Outcome, kind challenge.Kind)
	ObserveAnalysis(kind challenge.Kind, elapsed time.Duration, err error)
}

type Options struct {
	Classifier challenge.Classifier
	Fetcher    Fetcher
	Replier    Replier
	Analyzer   Analyzer // nil disables answering
	State      *state.Manager
	Timeout    time.Duration
	Observer   Observer
	Logger     *slog.Logger
}

// Pipeline answers one challenge message per Handle call. Handle never
// returns an error: failures are logged and counted in the module state.
type Pipeline struct {
	classifier challenge.Classifier
	fetcher    Fetcher
	replier    Replier
	analyzer   Analyzer
	state      *state.Manager
	timeout    time.Duration
	observer   Observer
	logger     *slog.Logger
}

func New(opts Options) *Pipeline {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Pipeline{
		classifier: opts.Classifier,
		fetcher:    opts.Fetcher,
		replier:    opts.Replier,
		analyzer:   opts.Analyzer,
		state:      opts.State,
		timeout:    timeout,
		observer:   opts.Observer,
		logger:     logging.OrDiscard(opts.Logger).With("component", "pipeline"),
	}
}

// Ready reports whether the pipeline would get past its gate right now.
func (p *Pipeline) Ready() bool {
	return p.analyzer != nil && p.state != nil && p.state.Enabled()
}

// Classify checks the caption, then the text, then the document file name.
// The dispatcher uses it to admit candidates; Handle only trusts the caption.
func Classify(c challenge.Classifier, msg bus.InboundMessage) (challenge.Kind, bool) {
	candidates := []string{msg.Caption, msg.Text}
	if msg.Document != nil {
		candidates = append(candidates, msg.Document.FileName)
	}
	for _, text := range candidates {
		if kind, ok := c.Classify(msg.SenderID, msg.ChatID, text); ok {
			return kind, true
		}
	}
	return "", false
}

func (p *Pipeline) Handle(ctx context.Context, msg bus.InboundMessage) Outcome {
	outcome, kind := p.handle(ctx, msg)
	if p.observer != nil {
		p.observer.ObserveOutcome(outcome, kind)
	}
	return outcome
}

func (p *Pipeline) handle(ctx context.Context, msg bus.InboundMessage) (Outcome, challenge.Kind) {
	if !p.Ready() {
		return OutcomeSkipped, ""
	}

	kind, ok := p.classifier.Classify(msg.SenderID, msg.ChatID, msg.Caption)
	if !ok {
		return OutcomeNotChallenge, ""
	}

	logger := p.logger.With("kind", kind, "chat_id", msg.ChatID, "message_id", msg.MessageID)

	att := msg.Image()
	if att == nil {
		logger.Debug("challenge without image")
		return OutcomeNoAttachment, kind
	}

	answer, err := p.respond(ctx, msg, att, kind, logger)
	if err != nil {
		logger.Error("challenge failed", "error", err)
		p.state.RecordError(ctx)
		return OutcomeFailed, kind
	}

	p.state.RecordSuccess(ctx, kind, answer)
	logger.Info("challenge answered", "answer", answer)
	return OutcomeAnswered, kind
}

// respond covers fetch, analyze and reply. The fetched file is removed on
// every path once it exists.
func (p *Pipeline) respond(ctx context.Context, msg bus.InboundMessage, att *bus.Attachment, kind challenge.Kind, logger *slog.Logger) (string, error) {
	if p.fetcher == nil || p.replier == nil {
		return "", errors.New("pipeline has no chat transport")
	}

	path, err := p.fetcher.Fetch(ctx, att)
	if err != nil {
		return "", fmt.Errorf("fetch attachment: %w", err)
	}
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("remove attachment failed", "path", path, "error", err)
		}
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read attachment: %w", err)
	}

	answer, err := p.analyze(ctx, data, kind)
	if err != nil {
		return "", err
	}
	if answer == "" {
		return "", ErrEmptyAnswer
	}

	if err := p.replier.Reply(ctx, msg.ChatID, msg.MessageID, answer); err != nil {
		return "", fmt.Errorf("send reply: %w", err)
	}
	return answer, nil
}

type analysisResult struct {
	answer string
	err    error
}

// analyze stops waiting once the budget expires, even if the analyzer
// does not honor its context.
func (p *Pipeline) analyze(ctx context.Context, data []byte, kind challenge.Kind) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan analysisResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- analysisResult{err: fmt.Errorf("analyzer panic: %v", r)}
			}
		}()
		answer, err := p.analyzer.Analyze(ctx, data, kind)
		done <- analysisResult{answer: answer, err: err}
	}()

	var res analysisResult
	select {
	case res = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.err = fmt.Errorf("%w after %s", ErrAnalysisTimeout, p.timeout)
		} else {
			res.err = fmt.Errorf("analysis interrupted: %w", ctx.Err())
		}
	}

	if p.observer != nil {
		p.observer.ObserveAnalysis(kind, time.Since(start), res.err)
	}
	return res.answer, res.err
}
