package vision

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stellarlinkco/chatfight/internal/challenge"
)

type recordingModel struct {
	req  model.Request
	resp *model.Response
	err  error
}

func (m *recordingModel) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	m.req = req
	return m.resp, m.err
}

func (m *recordingModel) CompleteStream(ctx context.Context, req model.Request, cb model.StreamHandler) error {
	return errors.New("not implemented")
}

func TestModelBackend_Complete(t *testing.T) {
	mdl := &recordingModel{resp: &model.Response{Message: model.Message{Role: "assistant", Content: "PERRO"}}}
	backend := NewModelBackend(model.ProviderFunc(func(context.Context) (model.Model, error) {
		return mdl, nil
	}), 100, 0.3)

	got, err := NewWithBackend(backend).Analyze(context.Background(), pngHeader, challenge.KindWord)
	if err != nil {
		t.Fatalf("Analyze error: %v", err)
	}
	if got != "PERRO" {
		t.Errorf("answer = %q, want PERRO", got)
	}

	if len(mdl.req.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(mdl.req.Messages))
	}
	blocks := mdl.req.Messages[0].ContentBlocks
	if len(blocks) != 2 {
		t.Fatalf("content blocks = %d, want 2", len(blocks))
	}
	if blocks[0].Type != model.ContentBlockText || blocks[0].Text != Instruction(challenge.KindWord) {
		t.Errorf("first block = %+v, want instruction text", blocks[0])
	}
	if blocks[1].Type != model.ContentBlockImage || blocks[1].MediaType != "image/png" {
		t.Errorf("second block = %+v, want png image", blocks[1])
	}
	if blocks[1].Data != base64.StdEncoding.EncodeToString(pngHeader) {
		t.Error("image block data mismatch")
	}
	if mdl.req.MaxTokens != 100 {
		t.Errorf("max tokens = %d, want 100", mdl.req.MaxTokens)
	}
	if mdl.req.Temperature == nil || *mdl.req.Temperature != 0.3 {
		t.Errorf("temperature = %v, want 0.3", mdl.req.Temperature)
	}
}

func TestModelBackend_ProviderError(t *testing.T) {
	backend := NewModelBackend(model.ProviderFunc(func(context.Context) (model.Model, error) {
		return nil, errors.New("no credentials")
	}), 100, 0)

	if _, err := backend.Complete(context.Background(), "x", Image{MediaType: "image/png", Data: pngHeader}); err == nil {
		t.Error("expected provider error")
	}
}

func TestModelBackend_ModelError(t *testing.T) {
	mdl := &recordingModel{err: errors.New("overloaded")}
	backend := NewModelBackend(model.ProviderFunc(func(context.Context) (model.Model, error) {
		return mdl, nil
	}), 100, 0)

	if _, err := backend.Complete(context.Background(), "x", Image{MediaType: "image/png", Data: pngHeader}); err == nil {
		t.Error("expected model error")
	}
}
