package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gotd/td/tg"

	"github.com/stellarlinkco/chatfight/internal/bus"
	"github.com/stellarlinkco/chatfight/internal/config"
)

const userChannelName = "telegram-user"

// UserAPI is the part of a logged-in MTProto session the channel calls.
type UserAPI interface {
	SendText(ctx context.Context, peer tg.InputPeerClass, replyTo int, text string) (int, error)
	EditText(ctx context.Context, peer tg.InputPeerClass, id int, text string) error
	Delete(ctx context.Context, peer tg.InputPeerClass, id int) error
	Download(ctx context.Context, loc tg.InputFileLocationClass, w io.Writer) error
}

// UserMessageHandler receives every new message the account sees.
type UserMessageHandler func(ctx context.Context, e tg.Entities, msg *tg.Message)

// UserSession is an MTProto client logged in as a user account.
type UserSession interface {
	// Run connects, logs in and calls ready with the API and the account id.
	// It blocks until ctx is done or the connection is lost for good.
	Run(ctx context.Context, ready func(ctx context.Context, api UserAPI, selfID int64) error) error
}

// UserSessionFactory creates sessions (allows mocking)
type UserSessionFactory func(cfg config.TelegramConfig, onMessage UserMessageHandler) (UserSession, error)

// UserChannel receives group messages as a user account. Unlike the Bot API it
// sees messages posted by other bots, and its replies are sent as the player.
type UserChannel struct {
	BaseChannel
	cfg         config.TelegramConfig
	downloadDir string
	factory     UserSessionFactory

	mu    sync.RWMutex
	api   UserAPI
	self  int64
	peers map[int64]tg.InputPeerClass

	cancel context.CancelFunc
	done   chan struct{}
}

func NewUserChannel(cfg config.TelegramConfig, downloadDir string, b *bus.MessageBus, logger *slog.Logger, factory UserSessionFactory) (*UserChannel, error) {
	if cfg.APIID == 0 || cfg.APIHash == "" {
		return nil, fmt.Errorf("telegram api id and api hash are required")
	}
	if downloadDir == "" {
		downloadDir = os.TempDir()
	}
	if factory == nil {
		factory = DefaultUserSessionFactory
	}
	return &UserChannel{
		BaseChannel: NewBaseChannel(userChannelName, b, logger),
		cfg:         cfg,
		downloadDir: downloadDir,
		factory:     factory,
		peers:       make(map[int64]tg.InputPeerClass),
	}, nil
}

// Start logs in and returns once the session is ready to send and receive.
func (u *UserChannel) Start(ctx context.Context) error {
	if err := os.MkdirAll(u.downloadDir, 0755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	session, err := u.factory(u.cfg, u.handleMessage)
	if err != nil {
		return fmt.Errorf("create telegram session: %w", err)
	}

	ctx, u.cancel = context.WithCancel(ctx)
	u.done = make(chan struct{})
	ready := make(chan error, 1)
	var started atomic.Bool

	go func() {
		defer close(u.done)
		err := session.Run(ctx, func(ctx context.Context, api UserAPI, selfID int64) error {
			u.mu.Lock()
			u.api = api
			u.self = selfID
			u.mu.Unlock()
			started.Store(true)
			ready <- nil
			<-ctx.Done()
			return ctx.Err()
		})

		u.mu.Lock()
		u.api = nil
		u.mu.Unlock()

		if !started.Load() {
			if err == nil {
				err = errors.New("session ended before login")
			}
			ready <- err
			return
		}
		if err != nil && ctx.Err() == nil {
			u.logger.Error("session ended", "error", err)
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			u.cancel()
			return fmt.Errorf("start telegram session: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	u.logger.Info("logged in", "self_id", u.selfID())
	return nil
}

func (u *UserChannel) Stop() error {
	if u.cancel != nil {
		u.cancel()
	}
	if u.done != nil {
		select {
		case <-u.done:
		case <-time.After(10 * time.Second):
			u.logger.Warn("session did not stop in time")
		}
	}
	u.logger.Info("stopped")
	return nil
}

func (u *UserChannel) selfID() int64 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.self
}

func (u *UserChannel) handleMessage(ctx context.Context, e tg.Entities, msg *tg.Message) {
	inbound, peer, ok := userInbound(u.selfID(), e, msg)
	if !ok {
		return
	}
	u.rememberPeer(inbound.ChatID, peer)

	if inbound.Text == "" && inbound.Caption == "" && inbound.Photo == nil && inbound.Document == nil {
		return
	}
	if !u.publish(ctx, inbound) {
		u.logger.Warn("dropped message on shutdown", "chat_id", inbound.ChatID, "message_id", inbound.MessageID)
	}
}

// rememberPeer keeps the addressable peer for a chat id. A peer without an
// access hash never replaces one that has it.
func (u *UserChannel) rememberPeer(chatID int64, peer tg.InputPeerClass) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if old, ok := u.peers[chatID]; ok && accessHash(old) != 0 && accessHash(peer) == 0 {
		return
	}
	u.peers[chatID] = peer
}

func (u *UserChannel) target(chatID int64) (UserAPI, tg.InputPeerClass, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.api == nil {
		return nil, nil, errors.New("telegram session not started")
	}
	peer, ok := u.peers[chatID]
	if !ok {
		return nil, nil, fmt.Errorf("unknown chat %d", chatID)
	}
	return u.api, peer, nil
}

// Fetch downloads an attachment into the download directory.
func (u *UserChannel) Fetch(ctx context.Context, att *bus.Attachment) (string, error) {
	if att == nil {
		return "", errors.New("no attachment to fetch")
	}
	loc, ok := att.Ref.(tg.InputFileLocationClass)
	if !ok || loc == nil {
		return "", errors.New("attachment has no file location")
	}
	u.mu.RLock()
	api := u.api
	u.mu.RUnlock()
	if api == nil {
		return "", errors.New("telegram session not started")
	}

	path, err := saveAttachment(u.downloadDir, fileExt(att.FileName), func(w io.Writer) error {
		return api.Download(ctx, loc, w)
	})
	if err != nil {
		return "", fmt.Errorf("download telegram file: %w", err)
	}
	return path, nil
}

func (u *UserChannel) Reply(ctx context.Context, chatID int64, replyTo int, text string) error {
	api, peer, err := u.target(chatID)
	if err != nil {
		return err
	}
	if _, err := api.SendText(ctx, peer, replyTo, text); err != nil {
		return fmt.Errorf("send telegram reply: %w", err)
	}
	return nil
}

// Send posts text with markdown markers removed and returns the message id.
func (u *UserChannel) Send(ctx context.Context, chatID int64, replyTo int, text string) (int, error) {
	api, peer, err := u.target(chatID)
	if err != nil {
		return 0, err
	}
	id, err := api.SendText(ctx, peer, replyTo, plainText(text))
	if err != nil {
		return 0, fmt.Errorf("send telegram message: %w", err)
	}
	return id, nil
}

func (u *UserChannel) Edit(ctx context.Context, chatID int64, messageID int, text string) error {
	api, peer, err := u.target(chatID)
	if err != nil {
		return err
	}
	if err := api.EditText(ctx, peer, messageID, plainText(text)); err != nil {
		return fmt.Errorf("edit telegram message: %w", err)
	}
	return nil
}

func (u *UserChannel) Delete(ctx context.Context, chatID int64, messageID int) error {
	api, peer, err := u.target(chatID)
	if err != nil {
		return err
	}
	if err := api.Delete(ctx, peer, messageID); err != nil {
		return fmt.Errorf("delete telegram message: %w", err)
	}
	return nil
}

var markdownMarkers = strings.NewReplacer("**", "", "`", "")

func plainText(s string) string {
	return markdownMarkers.Replace(s)
}

// channelChatID converts a channel id to the Bot API form (-100 prefix).
func channelChatID(channelID int64) int64 {
	return -1_000_000_000_000 - channelID
}

func chatPeer(e tg.Entities, peer tg.PeerClass) (int64, tg.InputPeerClass, bool) {
	switch p := peer.(type) {
	case *tg.PeerChannel:
		in := &tg.InputPeerChannel{ChannelID: p.ChannelID}
		if ch, ok := e.Channels[p.ChannelID]; ok && ch != nil {
			in.AccessHash = ch.AccessHash
		}
		return channelChatID(p.ChannelID), in, true
	case *tg.PeerChat:
		return -p.ChatID, &tg.InputPeerChat{ChatID: p.ChatID}, true
	case *tg.PeerUser:
		in := &tg.InputPeerUser{UserID: p.UserID}
		if user, ok := e.Users[p.UserID]; ok && user != nil {
			in.AccessHash = user.AccessHash
		}
		return p.UserID, in, true
	default:
		return 0, nil, false
	}
}

func accessHash(peer tg.InputPeerClass) int64 {
	switch p := peer.(type) {
	case *tg.InputPeerChannel:
		return p.AccessHash
	case *tg.InputPeerUser:
		return p.AccessHash
	default:
		return 0
	}
}

func senderID(from tg.PeerClass, chatID int64) int64 {
	switch p := from.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChannel:
		return channelChatID(p.ChannelID)
	case *tg.PeerChat:
		return -p.ChatID
	}
	// private chats omit the sender
	if chatID > 0 {
		return chatID
	}
	return 0
}

// userInbound converts an MTProto message to a bus message and the peer to
// answer it on.
func userInbound(selfID int64, e tg.Entities, m *tg.Message) (bus.InboundMessage, tg.InputPeerClass, bool) {
	if m == nil {
		return bus.InboundMessage{}, nil, false
	}
	chatID, peer, ok := chatPeer(e, m.PeerID)
	if !ok {
		return bus.InboundMessage{}, nil, false
	}

	in := bus.InboundMessage{
		MessageID: m.ID,
		ChatID:    chatID,
		Outgoing:  m.Out,
		Timestamp: time.Unix(int64(m.Date), 0),
	}
	if m.Out {
		in.SenderID = selfID
	} else {
		in.SenderID = senderID(m.FromID, chatID)
	}

	switch media := m.Media.(type) {
	case *tg.MessageMediaPhoto:
		if p, ok := media.Photo.(*tg.Photo); ok {
			if thumb, size := largestPhotoSize(p.Sizes); thumb != "" {
				in.Photo = &bus.Attachment{
					FileID:   strconv.FormatInt(p.ID, 10),
					MimeType: "image/jpeg",
					FileSize: size,
					Ref: &tg.InputPhotoFileLocation{
						ID:            p.ID,
						AccessHash:    p.AccessHash,
						FileReference: p.FileReference,
						ThumbSize:     thumb,
					},
				}
			}
		}
	case *tg.MessageMediaDocument:
		if d, ok := media.Document.(*tg.Document); ok {
			in.Document = &bus.Attachment{
				FileID:   strconv.FormatInt(d.ID, 10),
				FileName: documentName(d.Attributes),
				MimeType: d.MimeType,
				FileSize: int(d.Size),
				Ref: &tg.InputDocumentFileLocation{
					ID:            d.ID,
					AccessHash:    d.AccessHash,
					FileReference: d.FileReference,
				},
			}
		}
	}

	if in.Photo != nil || in.Document != nil {
		in.Caption = m.Message
	} else {
		in.Text = m.Message
	}
	return in, peer, true
}

// largestPhotoSize picks the size with the most pixels.
func largestPhotoSize(sizes []tg.PhotoSizeClass) (string, int) {
	var (
		best  int
		thumb string
		bytes int
	)
	for _, s := range sizes {
		switch s := s.(type) {
		case *tg.PhotoSize:
			if area := s.W * s.H; thumb == "" || area > best {
				best, thumb, bytes = area, s.Type, s.Size
			}
		case *tg.PhotoSizeProgressive:
			if area := s.W * s.H; thumb == "" || area > best {
				best, thumb = area, s.Type
				bytes = 0
				if n := len(s.Sizes); n > 0 {
					bytes = s.Sizes[n-1]
				}
			}
		}
	}
	return thumb, bytes
}

func documentName(attrs []tg.DocumentAttributeClass) string {
	for _, a := range attrs {
		if f, ok := a.(*tg.DocumentAttributeFilename); ok {
			return f.FileName
		}
	}
	return ""
}
