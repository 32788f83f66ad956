package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/voicecare/internal/config"
	"github.com/comigor/voicecare/internal/conversation"
	"github.com/comigor/voicecare/internal/logger"
)

const defaultSystemPrompt = "You are a warm, patient voice companion for an older adult living at home. " +
	"Answer in two or three short spoken sentences without lists or markup. " +
	"If the person describes a medical emergency, tell them calmly that help is being alerted " +
	"and that they should call their local emergency number if they can."

// DefaultMaxHistory bounds how many earlier messages are sent with each request.
const DefaultMaxHistory = 20

// ErrEmptyReply is returned when the model produced no text.
var ErrEmptyReply = errors.New("llm: empty reply")

// Reasoner answers the latest user turn of a conversation.
type Reasoner struct {
	client       Client
	model        string
	systemPrompt string
	maxHistory   int
	log          *slog.Logger
}

// NewReasoner creates a reasoner. An empty system prompt in cfg uses the
// built-in companion prompt.
func NewReasoner(client Client, cfg config.LLMConfig, log *slog.Logger) *Reasoner {
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	return &Reasoner{
		client:       client,
		model:        cfg.Model,
		systemPrompt: prompt,
		maxHistory:   DefaultMaxHistory,
		log:          logger.Or(log).With("component", "reasoner"),
	}
}

// Reply sends the system prompt and the tail of history, which must end
// with the user message being answered, and returns the assistant text.
// An emergency flag on the latest message is passed on to the model.
func (r *Reasoner) Reply(ctx context.Context, history []conversation.Message) (string, error) {
	if len(history) == 0 {
		return "", errors.New("llm: no message to answer")
	}
	if len(history) > r.maxHistory {
		history = history[len(history)-r.maxHistory:]
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: r.systemPrompt})
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Origin == conversation.OriginAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Text})
	}
	if last := history[len(history)-1]; last.Emergency {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: "The last message was flagged as a possible emergency. Caregivers have been alerted.",
		})
	}

	r.log.Debug("Calling LLM", "model", r.model, "messages", len(messages))
	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    r.model,
		Messages: messages,
	})
	if err != nil {
		r.log.Error("LLM call failed", "error", err)
		return "", fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyReply
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}
