// File path: internal/llm/providers/openai_client.go
package providers

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go/v2"

	"github.com/nicodishanthj/codeatlas/internal/common"
)

type OpenAIProvider struct {
	client       openai.Client
	defaultModel string
}

func NewOpenAIProvider(client openai.Client, defaultModel string) *OpenAIProvider {
	if strings.TrimSpace(defaultModel) == "" {
		defaultModel = "gpt-4o"
	}
	common.Logger().Info("llm: OpenAI provider configured", "chat_model", defaultModel)
	return &OpenAIProvider{client: client, defaultModel: defaultModel}
}

func (o *OpenAIProvider) Name() string {
	return "openai"
}

func (o *OpenAIProvider) params(req Request) openai.ChatCompletionNewParams {
	model := req.Model
	if strings.TrimSpace(model) == "" {
		model = o.defaultModel
	}
	params := openai.ChatCompletionNewParams{Model: openai.ChatModel(model)}
	if strings.TrimSpace(req.System) != "" {
		params.Messages = append(params.Messages, openai.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		switch strings.ToLower(msg.Role) {
		case "assistant":
			params.Messages = append(params.Messages, openai.AssistantMessage(msg.Content))
		case "system":
			params.Messages = append(params.Messages, openai.SystemMessage(msg.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(msg.Content))
		}
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	return params
}

func (o *OpenAIProvider) Chat(ctx context.Context, req Request) (Response, error) {
	logger := common.Logger()
	logger.Debug("llm: sending chat completion request", "model", req.Model, "messages", len(req.Messages))
	resp, err := o.client.Chat.Completions.New(ctx, o.params(req))
	if err != nil {
		logger.Error("llm: chat completion failed", "error", err)
		return Response{}, err
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("no choices returned")
	}
	return Response{
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}, nil
}

func (o *OpenAIProvider) ChatStream(ctx context.Context, req Request, onDelta func(string) error) (Response, error) {
	logger := common.Logger()
	logger.Debug("llm: opening chat completion stream", "model", req.Model, "messages", len(req.Messages))
	stream := o.client.Chat.Completions.NewStreaming(ctx, o.params(req))
	defer stream.Close()

	var builder strings.Builder
	var resp Response
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.PromptTokens > 0 {
			resp.PromptTokens = int(chunk.Usage.PromptTokens)
			resp.CompletionTokens = int(chunk.Usage.CompletionTokens)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		builder.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return Response{}, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		logger.Error("llm: chat stream failed", "error", err)
		return Response{}, err
	}
	resp.Content = builder.String()
	return resp, nil
}
