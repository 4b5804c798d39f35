package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stellarlinkco/chatfight/internal/bus"
	"github.com/stellarlinkco/chatfight/internal/logging"
	"github.com/stellarlinkco/chatfight/internal/state"
)

const helpText = "🤖 **ChatFight Auto-Responder**\n\n" +
	"🟢 **Comandos:**\n" +
	"• `-cf` - Ver estado y estadísticas\n" +
	"• `-cft` - Activar/Desactivar\n" +
	"• `-ping` - Verificar bot online"

// Messenger is the subset of the chat client commands need.
type Messenger interface {
	Send(ctx context.Context, chatID int64, replyTo int, text string) (int, error)
	Edit(ctx context.Context, chatID int64, messageID int, text string) error
	Delete(ctx context.Context, chatID int64, messageID int) error
}

type command struct {
	ttl time.Duration
	run func(h *Handler, ctx context.Context, chatID int64) (int, error)
}

// commands maps the trigger, prefix included, to its behavior. Every reply
// is deleted once its ttl has passed.
var commands = map[string]command{
	"-ping": {ttl: 3 * time.Second, run: (*Handler).ping},
	".help": {ttl: 30 * time.Second, run: (*Handler).help},
	"-cf":   {ttl: 30 * time.Second, run: (*Handler).status},
	"-cft":  {ttl: 5 * time.Second, run: (*Handler).toggle},
}

// Handler runs the administrative chat commands.
type Handler struct {
	messenger Messenger
	state     *state.Manager
	admins    map[int64]struct{}
	logger    *slog.Logger

	sleep func(ctx context.Context, d time.Duration)
	now   func() time.Time
}

// New builds a Handler. An empty adminIDs list lets anyone run commands.
func New(messenger Messenger, st *state.Manager, adminIDs []int64, logger *slog.Logger) *Handler {
	admins := make(map[int64]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = struct{}{}
	}
	return &Handler{
		messenger: messenger,
		state:     st,
		admins:    admins,
		logger:    logging.OrDiscard(logger).With("component", "command"),
		sleep:     sleepCtx,
		now:       time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Parse returns the command name in text, lowercased and without a @bot suffix.
func Parse(text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", false
	}
	name := strings.ToLower(fields[0])
	if at := strings.IndexByte(name, '@'); at > 0 {
		name = name[:at]
	}
	if _, ok := commands[name]; !ok {
		return "", false
	}
	return name, true
}

// allowed admits the account itself and any listed admin.
func (h *Handler) allowed(msg bus.InboundMessage) bool {
	if msg.Outgoing {
		return true
	}
	_, ok := h.admins[msg.SenderID]
	return ok
}

// Match reports whether msg is a command this sender may run.
func (h *Handler) Match(msg bus.InboundMessage) bool {
	if msg.Text == "" {
		return false
	}
	if _, ok := Parse(msg.Text); !ok {
		return false
	}
	return h.allowed(msg)
}

// Handle deletes the triggering message, replies, and deletes the reply
// after the command's ttl.
func (h *Handler) Handle(ctx context.Context, msg bus.InboundMessage) {
	name, ok := Parse(msg.Text)
	if !ok || !h.allowed(msg) {
		return
	}
	cmd := commands[name]
	logger := h.logger.With("command", name, "chat_id", msg.ChatID)

	if err := h.messenger.Delete(ctx, msg.ChatID, msg.MessageID); err != nil {
		logger.Warn("delete command message failed", "error", err)
	}

	replyID, err := cmd.run(h, ctx, msg.ChatID)
	if err != nil {
		logger.Error("command failed", "error", err)
		return
	}
	logger.Debug("command handled")

	h.sleep(ctx, cmd.ttl)
	if err := h.messenger.Delete(context.WithoutCancel(ctx), msg.ChatID, replyID); err != nil {
		logger.Warn("delete command reply failed", "error", err)
	}
}

func (h *Handler) ping(ctx context.Context, chatID int64) (int, error) {
	start := h.now()
	id, err := h.messenger.Send(ctx, chatID, 0, "pong…")
	if err != nil {
		return 0, fmt.Errorf("send pong: %w", err)
	}
	elapsed := h.now().Sub(start)
	if err := h.messenger.Edit(ctx, chatID, id, fmt.Sprintf("pong %d ms", elapsed.Milliseconds())); err != nil {
		h.logger.Warn("edit pong failed", "error", err)
	}
	return id, nil
}

func (h *Handler) help(ctx context.Context, chatID int64) (int, error) {
	id, err := h.messenger.Send(ctx, chatID, 0, helpText)
	if err != nil {
		return 0, fmt.Errorf("send help: %w", err)
	}
	return id, nil
}

func (h *Handler) status(ctx context.Context, chatID int64) (int, error) {
	id, err := h.messenger.Send(ctx, chatID, 0, state.FormatStatus(h.state.Snapshot()))
	if err != nil {
		return 0, fmt.Errorf("send status: %w", err)
	}
	return id, nil
}

func (h *Handler) toggle(ctx context.Context, chatID int64) (int, error) {
	text := "ChatFight ❌ Desactivado"
	if h.state.Toggle(ctx) {
		text = "ChatFight ✅ Activado"
	}
	id, err := h.messenger.Send(ctx, chatID, 0, text)
	if err != nil {
		return 0, fmt.Errorf("send toggle result: %w", err)
	}
	return id, nil
}
