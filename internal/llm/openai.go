package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIClient targets an OpenAI-compatible chat completions API. Useful
// when the local backend speaks that dialect instead of the native one.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient builds a client. baseURL may be empty to use the default
// endpoint.
func NewOpenAIClient(apiKey, baseURL string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	cli := openai.NewClient(opts...)
	return &OpenAIClient{client: &cli}, nil
}

func (c *OpenAIClient) Generate(ctx context.Context, req Request) (*Stream, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("nil openai client")
	}
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(req.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(req.Prompt),
					},
				},
			},
		},
		Temperature: openai.Float(req.Options.Temperature),
	}
	if req.Options.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.Options.MaxOutputTokens))
	}
	if len(req.Options.StopSequences) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{
			OfStringArray: req.Options.StopSequences,
		}
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	next := func() (string, error) {
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			return delta, nil
		}
		if err := stream.Err(); err != nil {
			return "", classifyOpenAI(ctx, err)
		}
		return "", io.EOF
	}
	return NewStream(next, stream.Close), nil
}

func classifyOpenAI(ctx context.Context, err error) error {
	if ctxErr := classifyContext(ctx); ctxErr != nil {
		return ctxErr
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= 500 {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}
