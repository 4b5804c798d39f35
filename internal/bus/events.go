package bus

import (
	"strings"
	"time"
)

// Attachment references a file held by the chat service. Nothing is
// downloaded until a consumer asks the channel to fetch it.
type Attachment struct {
	FileID   string
	FileName string
	MimeType string
	FileSize int
	Ref      any // transport handle needed to download the file, if any
}

// IsImage reports whether the attachment declares an image MIME type.
func (a *Attachment) IsImage() bool {
	return a != nil && strings.HasPrefix(strings.ToLower(a.MimeType), "image/")
}

type InboundMessage struct {
	MessageID int
	SenderID  int64
	ChatID    int64
	Outgoing  bool // sent by the account the responder runs as
	Text      string
	Caption   string
	Photo     *Attachment // largest size of the photo, if any
	Document  *Attachment
	Timestamp time.Time
}

// Body is the text a phrase or command is matched against: the caption when
// the message carries media, otherwise the text.
func (m *InboundMessage) Body() string {
	if m.Caption != "" {
		return m.Caption
	}
	return m.Text
}

// Image returns the attachment to analyze: the photo, else an image document.
func (m *InboundMessage) Image() *Attachment {
	if m.Photo != nil {
		return m.Photo
	}
	if m.Document.IsImage() {
		return m.Document
	}
	return nil
}

type MessageBus struct {
	Inbound chan InboundMessage
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 1
	}
	return &MessageBus{
		Inbound: make(chan InboundMessage, bufSize),
	}
}
