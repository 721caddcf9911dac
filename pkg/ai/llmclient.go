package ai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	log "github.com/sirupsen/logrus"
)

// LLMClient makes blocking completion calls against an OpenAI-compatible API.
type LLMClient struct {
	client *openai.Client
	model  string
}

func NewLLMClient(url, apiKey, model string, headers map[string]string) *LLMClient {
	options := []option.RequestOption{option.WithBaseURL(url)}

	if apiKey == "" {
		log.Info("no API key configured, will try unauthenticated access")
	} else {
		options = append(options, option.WithAPIKey(apiKey))
	}
	for k, v := range headers {
		if v != "" {
			options = append(options, option.WithHeader(k, v))
		}
	}

	client := openai.NewClient(options...)
	return &LLMClient{client: &client, model: model}
}

func (llm *LLMClient) Model() string {
	return llm.model
}

func (llm *LLMClient) Chat(ctx context.Context, instructions, data string) (string, error) {
	resp, err := llm.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(instructions),
			openai.UserMessage(data),
		},
		Model: llm.model,
	})
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("client didn't return any content choices")
	}

	return resp.Choices[0].Message.Content, nil
}
