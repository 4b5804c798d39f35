package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/tg"

	"github.com/stellarlinkco/chatfight/internal/config"
)

// DefaultUserSessionFactory builds a gotd client that keeps its session in
// cfg.SessionFile. A first login reads the code Telegram sends from stdin.
func DefaultUserSessionFactory(cfg config.TelegramConfig, onMessage UserMessageHandler) (UserSession, error) {
	path := cfg.SessionFile
	if path == "" {
		path = config.DefaultSessionFile()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		if msg, ok := u.Message.(*tg.Message); ok {
			onMessage(ctx, e, msg)
		}
		return nil
	})
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		if msg, ok := u.Message.(*tg.Message); ok {
			onMessage(ctx, e, msg)
		}
		return nil
	})

	client := telegram.NewClient(cfg.APIID, cfg.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: path},
		UpdateHandler:  dispatcher,
	})
	return &gotdSession{
		client:   client,
		phone:    cfg.Phone,
		password: cfg.Password,
		in:       bufio.NewReader(os.Stdin),
		out:      os.Stderr,
	}, nil
}

type gotdSession struct {
	client   *telegram.Client
	phone    string
	password string
	in       *bufio.Reader
	out      io.Writer
}

func (s *gotdSession) Run(ctx context.Context, ready func(ctx context.Context, api UserAPI, selfID int64) error) error {
	return s.client.Run(ctx, func(ctx context.Context) error {
		if err := s.login(ctx); err != nil {
			return err
		}
		self, err := s.client.Self(ctx)
		if err != nil {
			return fmt.Errorf("get account: %w", err)
		}
		raw := s.client.API()
		return ready(ctx, &gotdAPI{
			raw:        raw,
			sender:     message.NewSender(raw),
			downloader: downloader.NewDownloader(),
		}, self.ID)
	})
}

func (s *gotdSession) login(ctx context.Context) error {
	status, err := s.client.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("auth status: %w", err)
	}
	if status.Authorized {
		return nil
	}
	if s.phone == "" {
		return errors.New("session is not logged in and no phone is configured")
	}

	flow := auth.NewFlow(
		auth.Constant(s.phone, s.password, auth.CodeAuthenticatorFunc(s.readCode)),
		auth.SendCodeOptions{},
	)
	if err := s.client.Auth().IfNecessary(ctx, flow); err != nil {
		return fmt.Errorf("telegram login: %w", err)
	}
	return nil
}

func (s *gotdSession) readCode(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	fmt.Fprint(s.out, "Telegram login code: ")
	line, err := s.in.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read login code: %w", err)
	}
	return strings.TrimSpace(line), nil
}

type gotdAPI struct {
	raw        *tg.Client
	sender     *message.Sender
	downloader *downloader.Downloader
}

func (a *gotdAPI) SendText(ctx context.Context, peer tg.InputPeerClass, replyTo int, text string) (int, error) {
	var (
		upd tg.UpdatesClass
		err error
	)
	if replyTo != 0 {
		upd, err = a.sender.To(peer).Reply(replyTo).Text(ctx, text)
	} else {
		upd, err = a.sender.To(peer).Text(ctx, text)
	}
	if err != nil {
		return 0, err
	}
	return sentMessageID(upd), nil
}

func (a *gotdAPI) EditText(ctx context.Context, peer tg.InputPeerClass, id int, text string) error {
	_, err := a.raw.MessagesEditMessage(ctx, &tg.MessagesEditMessageRequest{
		Peer:    peer,
		ID:      id,
		Message: text,
	})
	return err
}

func (a *gotdAPI) Delete(ctx context.Context, peer tg.InputPeerClass, id int) error {
	if ch, ok := peer.(*tg.InputPeerChannel); ok {
		_, err := a.raw.ChannelsDeleteMessages(ctx, &tg.ChannelsDeleteMessagesRequest{
			Channel: &tg.InputChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash},
			ID:      []int{id},
		})
		return err
	}
	_, err := a.raw.MessagesDeleteMessages(ctx, &tg.MessagesDeleteMessagesRequest{
		Revoke: true,
		ID:     []int{id},
	})
	return err
}

func (a *gotdAPI) Download(ctx context.Context, loc tg.InputFileLocationClass, w io.Writer) error {
	_, err := a.downloader.Download(a.raw, loc).Stream(ctx, w)
	return err
}

// sentMessageID finds the id of the message a send produced, 0 if absent.
func sentMessageID(upd tg.UpdatesClass) int {
	switch u := upd.(type) {
	case *tg.UpdateShortSentMessage:
		return u.ID
	case *tg.Updates:
		return updatesMessageID(u.Updates)
	case *tg.UpdatesCombined:
		return updatesMessageID(u.Updates)
	}
	return 0
}

func updatesMessageID(updates []tg.UpdateClass) int {
	for _, u := range updates {
		switch u := u.(type) {
		case *tg.UpdateMessageID:
			return u.ID
		case *tg.UpdateNewMessage:
			return messageID(u.Message)
		case *tg.UpdateNewChannelMessage:
			return messageID(u.Message)
		}
	}
	return 0
}

func messageID(m tg.MessageClass) int {
	if m == nil {
		return 0
	}
	return m.GetID()
}
