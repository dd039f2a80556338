package foundry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const defaultSystemPrompt = "You are a helpful assistant answering on behalf of an unavailable hosted agent. Keep replies short."

// ModelConfig selects the chat model used by local mode.
type ModelConfig struct {
	BaseURL      string
	Model        string
	APIKey       string
	ByAzure      bool
	APIVersion   string
	SystemPrompt string
}

// ChatModel is the slice of an eino chat model that local mode needs.
type ChatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// ModelResponder answers runs by sending the thread history to a chat model.
type ModelResponder struct {
	Model        ChatModel
	SystemPrompt string
}

func (r *ModelResponder) Respond(ctx context.Context, history []ThreadMessage) (string, error) {
	if r.Model == nil {
		return "", errors.New("chat model not configured")
	}
	prompt := r.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	input := make([]*schema.Message, 0, len(history)+1)
	input = append(input, &schema.Message{Role: schema.System, Content: prompt})
	for _, msg := range history {
		text := msg.Text()
		if text == "" {
			continue
		}
		switch msg.Role {
		case RoleUser:
			input = append(input, &schema.Message{Role: schema.User, Content: text})
		case RoleAssistant:
			input = append(input, &schema.Message{Role: schema.Assistant, Content: text})
		}
	}
	out, err := r.Model.Generate(ctx, input)
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	if out == nil || strings.TrimSpace(out.Content) == "" {
		return "", errors.New("generate reply: empty completion")
	}
	return out.Content, nil
}

// NewLocalAPI builds an in-memory API whose runs are answered by an
// OpenAI-compatible (or Azure OpenAI) deployment.
func NewLocalAPI(ctx context.Context, cfg ModelConfig) (*MemoryAPI, error) {
	if cfg.Model == "" {
		return nil, errors.New("local model name is required")
	}
	chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		BaseURL:    cfg.BaseURL,
		Model:      cfg.Model,
		APIKey:     cfg.APIKey,
		ByAzure:    cfg.ByAzure,
		APIVersion: cfg.APIVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("init local chat model: %w", err)
	}
	return NewMemoryAPI(&ModelResponder{Model: chatModel, SystemPrompt: cfg.SystemPrompt}), nil
}
