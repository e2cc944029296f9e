package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v3"
	oaoption "github.com/openai/openai-go/v3/option"
)

// OpenAIProvider calls the OpenAI chat completions API with a JSON schema
// response format.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// NewOpenAIProvider creates an OpenAI client.
func NewOpenAIProvider(apiKey, model string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	return &OpenAIProvider{
		client: openai.NewClient(oaoption.WithAPIKey(apiKey), oaoption.WithMaxRetries(0)),
		model:  model,
	}, nil
}

// Name implements Provider.
func (o *OpenAIProvider) Name() string { return "openai" }

// Generate implements Provider.
func (o *OpenAIProvider) Generate(ctx context.Context, p Prompt) (Response, error) {
	schema, _ := ResponseSchema()
	completion, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("You plan shared weekly rituals for couples and answer in JSON only."),
			openai.UserMessage(p.Text),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        "rituals",
					Description: openai.String("Candidate weekly rituals"),
					Schema:      schema,
				},
			},
		},
	})
	if err != nil {
		return Response{}, fmt.Errorf("failed to create completion: %w", err)
	}
	if len(completion.Choices) == 0 || completion.Choices[0].Message.Content == "" {
		return Response{}, newError(CodeMalformed, "no content generated")
	}
	return Response{
		Content: completion.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
			Model:            completion.Model,
		},
	}, nil
}
