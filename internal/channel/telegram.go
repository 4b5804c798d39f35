package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stellarlinkco/chatfight/internal/bus"
	"github.com/stellarlinkco/chatfight/internal/config"
)

const telegramChannelName = "telegram"

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetSelf() tgbotapi.User
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot interface
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return w.bot.Request(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

func (w *tgBotWrapper) GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error) {
	return w.bot.GetFile(config)
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

// DefaultBotFactory creates a real telegram bot.
var DefaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramChannel long-polls the Bot API, publishes every message to the bus
// and performs the outbound actions the responder needs.
type TelegramChannel struct {
	BaseChannel
	token       string
	bot         TelegramBot
	proxy       string
	downloadDir string
	httpClient  *http.Client
	cancel      context.CancelFunc
	botFactory  BotFactory
}

func NewTelegramChannel(cfg config.TelegramConfig, downloadDir string, b *bus.MessageBus, logger *slog.Logger) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, downloadDir, b, logger, DefaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, downloadDir string, b *bus.MessageBus, logger *slog.Logger, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if downloadDir == "" {
		downloadDir = os.TempDir()
	}
	if factory == nil {
		factory = DefaultBotFactory
	}

	return &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, logger),
		token:       cfg.Token,
		proxy:       cfg.Proxy,
		downloadDir: downloadDir,
		httpClient:  http.DefaultClient,
		botFactory:  factory,
	}, nil
}

func (t *TelegramChannel) initBot() error {
	client := t.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}
	t.httpClient = client

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	t.logger.Info("authorized", "username", bot.GetSelf().UserName)
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}
	if err := os.MkdirAll(t.downloadDir, 0755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message == nil {
					continue
				}
				t.handleMessage(ctx, update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	t.logger.Info("polling started")
	return nil
}

// handleMessage converts an update into a bus message. Attachments are only
// referenced here; the pipeline fetches them when it needs them.
func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}

	inbound := bus.InboundMessage{
		MessageID: msg.MessageID,
		SenderID:  msg.From.ID,
		ChatID:    msg.Chat.ID,
		Text:      msg.Text,
		Caption:   msg.Caption,
		Timestamp: time.Unix(int64(msg.Date), 0),
	}

	if len(msg.Photo) > 0 {
		// sizes are ordered smallest first
		photo := msg.Photo[len(msg.Photo)-1]
		inbound.Photo = &bus.Attachment{
			FileID:   photo.FileID,
			MimeType: "image/jpeg",
			FileSize: photo.FileSize,
		}
	}
	if msg.Document != nil {
		inbound.Document = &bus.Attachment{
			FileID:   msg.Document.FileID,
			FileName: msg.Document.FileName,
			MimeType: msg.Document.MimeType,
			FileSize: msg.Document.FileSize,
		}
	}

	if inbound.Text == "" && inbound.Caption == "" && inbound.Photo == nil && inbound.Document == nil {
		return
	}

	if !t.publish(ctx, inbound) {
		t.logger.Warn("dropped message on shutdown", "chat_id", inbound.ChatID, "message_id", inbound.MessageID)
	}
}

// Fetch downloads an attachment into the download directory and returns the
// path of the new file. The caller owns the file and must remove it.
func (t *TelegramChannel) Fetch(ctx context.Context, att *bus.Attachment) (string, error) {
	if t.bot == nil {
		return "", fmt.Errorf("telegram bot not initialized")
	}
	if att == nil || att.FileID == "" {
		return "", errors.New("no attachment to fetch")
	}

	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: att.FileID})
	if err != nil {
		return "", fmt.Errorf("get telegram file: %w", err)
	}

	client := t.httpClient
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.Link(t.token), nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download telegram file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download telegram file: unexpected status %d", resp.StatusCode)
	}

	path, err := saveAttachment(t.downloadDir, fileExt(file.FilePath, att.FileName), func(w io.Writer) error {
		_, err := io.Copy(w, resp.Body)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("write telegram file: %w", err)
	}
	return path, nil
}

// Reply sends text as a plain reply to the given message.
func (t *TelegramChannel) Reply(ctx context.Context, chatID int64, replyTo int, text string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram reply: %w", err)
	}
	return nil
}

// Send posts a markdown-formatted message and returns its id. replyTo may be 0.
// If Telegram rejects the HTML the text is sent again unformatted.
func (t *TelegramChannel) Send(ctx context.Context, chatID int64, replyTo int, text string) (int, error) {
	if t.bot == nil {
		return 0, fmt.Errorf("telegram bot not initialized")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	msg := tgbotapi.NewMessage(chatID, toTelegramHTML(text))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyToMessageID = replyTo
	sent, err := t.bot.Send(msg)
	if err != nil {
		msg.ParseMode = ""
		msg.Text = text
		sent, err = t.bot.Send(msg)
		if err != nil {
			return 0, fmt.Errorf("send telegram message: %w", err)
		}
	}
	return sent.MessageID, nil
}

// Edit replaces the text of a message the bot sent earlier.
func (t *TelegramChannel) Edit(ctx context.Context, chatID int64, messageID int, text string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	edit := tgbotapi.NewEditMessageText(chatID, messageID, toTelegramHTML(text))
	edit.ParseMode = tgbotapi.ModeHTML
	if _, err := t.bot.Request(edit); err != nil {
		return fmt.Errorf("edit telegram message: %w", err)
	}
	return nil
}

func (t *TelegramChannel) Delete(ctx context.Context, chatID int64, messageID int) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := t.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return fmt.Errorf("delete telegram message: %w", err)
	}
	return nil
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	t.logger.Info("stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

// SetHTTPClient replaces the client used for API calls and file downloads.
// A configured proxy still takes precedence at Start.
func (t *TelegramChannel) SetHTTPClient(client *http.Client) {
	t.httpClient = client
}

// toTelegramHTML converts basic markdown to Telegram HTML.
func toTelegramHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")

	s = replacePairs(s, "`", "<code>", "</code>")
	s = replacePairs(s, "**", "<b>", "</b>")
	// after bold so "**" is already consumed
	s = replacePairs(s, "*", "<i>", "</i>")
	return s
}

// replacePairs wraps every closed marker...marker span in open/close tags.
// An unmatched trailing marker is left as is.
func replacePairs(s, marker, open, close string) string {
	for {
		start := strings.Index(s, marker)
		if start == -1 {
			return s
		}
		end := strings.Index(s[start+len(marker):], marker)
		if end == -1 {
			return s
		}
		end += start + len(marker)
		s = s[:start] + open + s[start+len(marker):end] + close + s[end+len(marker):]
	}
}
