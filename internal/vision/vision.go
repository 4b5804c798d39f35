package vision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stellarlinkco/chatfight/internal/challenge"
	"github.com/stellarlinkco/chatfight/internal/config"
)

const (
	wordInstruction       = "Responde SOLO con la palabra que aparece en la imagen, sin puntos, sin comas, sin nada más. Solo la palabra."
	arithmeticInstruction = "Responde SOLO con el resultado del cálculo matemático de la imagen. Solo el número, sin puntos, sin comas. Fíjate siempre si el resultado es negativo o positivo: en las restas el orden de los términos altera el resultado."
	fallbackInstruction   = "Responde solo con lo que se pide en la imagen."
)

// Image is one picture sent to the vision service.
type Image struct {
	MediaType string
	Data      []byte
}

// DataURL encodes the image inline, the way OpenAI-compatible endpoints accept it.
func (i Image) DataURL() string {
	return "data:" + i.MediaType + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

// Backend sends one instruction and one image and returns the raw completion.
type Backend interface {
	Complete(ctx context.Context, instruction string, img Image) (string, error)
}

// Client turns challenge images into answers.
type Client struct {
	backend Backend
}

// New builds a Client for the configured provider.
func New(cfg config.VisionConfig) (*Client, error) {
	var (
		backend Backend
		err     error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", config.VisionProviderOpenAI:
		backend, err = NewOpenAIBackend(cfg)
	case config.VisionProviderAnthropic:
		backend, err = NewAnthropicBackend(cfg)
	default:
		return nil, fmt.Errorf("unknown vision provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewWithBackend(backend), nil
}

func NewWithBackend(backend Backend) *Client {
	return &Client{backend: backend}
}

// Instruction returns the prompt sent along with an image of the given kind.
func Instruction(kind challenge.Kind) string {
	switch kind {
	case challenge.KindWord:
		return wordInstruction
	case challenge.KindArithmetic:
		return arithmeticInstruction
	default:
		return fallbackInstruction
	}
}

// Analyze asks the backend to read the image and returns the sanitized answer.
// Errors are returned as-is to the caller; there is no retry here.
func (c *Client) Analyze(ctx context.Context, image []byte, kind challenge.Kind) (string, error) {
	if c == nil || c.backend == nil {
		return "", errors.New("vision client not configured")
	}
	if len(image) == 0 {
		return "", errors.New("empty image")
	}

	img := Image{MediaType: detectMediaType(image), Data: image}
	raw, err := c.backend.Complete(ctx, Instruction(kind), img)
	if err != nil {
		return "", fmt.Errorf("analyze %s image: %w", kind, err)
	}
	return Sanitize(raw), nil
}

var sanitizer = strings.NewReplacer(".", "", ",", "", " ", "")

// Sanitize trims the completion and strips periods, commas and spaces.
// Whitespace uncovered by the stripping is trimmed again so that
// Sanitize(Sanitize(s)) == Sanitize(s). The result may be empty.
func Sanitize(s string) string {
	return strings.TrimSpace(sanitizer.Replace(strings.TrimSpace(s)))
}

func detectMediaType(data []byte) string {
	mediaType := http.DetectContentType(data)
	if !strings.HasPrefix(mediaType, "image/") {
		return "image/jpeg"
	}
	return mediaType
}
