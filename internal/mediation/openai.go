package mediation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/commonground/mediation/internal/domain"
	"github.com/samber/lo"
	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI-compatible chat completion backend.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAIResponder asks a chat completion model for a JSON reply.
type OpenAIResponder struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

var _ Responder = (*OpenAIResponder)(nil)

// NewOpenAIResponder creates a chat completion backed responder.
func NewOpenAIResponder(cfg OpenAIConfig, logger *slog.Logger) *OpenAIResponder {
	if logger == nil {
		logger = slog.Default()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIResponder{
		client:  openai.NewClientWithConfig(oc),
		model:   model,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

type completionReply struct {
	Message     string `json:"message"`
	NextStage   string `json:"next_stage"`
	SafetyAlert string `json:"safety_alert"`
}

// Respond sends the conversation so far and parses the model's JSON answer.
func (r *OpenAIResponder) Respond(ctx context.Context, req Request) (*Reply, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: SystemPrompt(req),
	})
	messages = append(messages, lo.Map(req.History, func(m *domain.Message, _ int) openai.ChatCompletionMessage {
		return openai.ChatCompletionMessage{Role: chatRole(m.Role), Content: m.Content}
	})...)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Message,
	})

	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    r.model,
		Messages: messages,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		r.logger.Error("chat completion failed", "error", err, "session_id", req.SessionID)
		return nil, fmt.Errorf("completion error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("completion returned no choices")
	}

	return parseCompletion(resp.Choices[0].Message.Content)
}

func parseCompletion(content string) (*Reply, error) {
	content = strings.TrimSpace(content)
	// Some models wrap JSON in a markdown fence despite the response format.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var out completionReply
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	if strings.TrimSpace(out.Message) == "" {
		return nil, errEmptyReply
	}
	return &Reply{
		Message:     out.Message,
		NextStage:   strings.TrimSpace(out.NextStage),
		SafetyAlert: strings.TrimSpace(out.SafetyAlert),
	}, nil
}

func chatRole(role domain.Role) string {
	switch role {
	case domain.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case domain.RoleSystem:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}

// Close is a no-op; the HTTP client needs no teardown.
func (r *OpenAIResponder) Close() {}
