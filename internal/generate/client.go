package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxGenerateTokens limits the response size for question generation.
const maxGenerateTokens = 8192

// retryMaxElapsed caps the total time spent retrying one provider call.
const retryMaxElapsed = 2 * time.Minute

var retryInitialInterval = 500 * time.Millisecond

// submitQuestionsFn is the function tool the model must call to return
// structured questions.
const submitQuestionsFn = "submit_questions"

// submitQuestionsTool is the OpenAI function tool schema for question
// generation.
var submitQuestionsTool = map[string]interface{}{
	"type": "function",
	"function": map[string]interface{}{
		"name":        submitQuestionsFn,
		"description": "Submit the generated multiple-choice quiz questions.",
		"parameters": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"questions": map[string]interface{}{
					"type":        "array",
					"description": "The generated questions.",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"prompt": map[string]interface{}{
								"type":        "string",
								"description": "The question text.",
							},
							"choices": map[string]interface{}{
								"type":        "array",
								"description": "The answer choices, 2 to 6 of them.",
								"items":       map[string]interface{}{"type": "string"},
								"minItems":    2,
								"maxItems":    6,
							},
							"correct_answer_index": map[string]interface{}{
								"type":        "integer",
								"description": "Zero-based index of the correct choice.",
							},
							"explanation": map[string]interface{}{
								"type":        "string",
								"description": "One or two sentences on why the correct choice is right.",
							},
							"difficulty": map[string]interface{}{
								"type":        "string",
								"description": "Question difficulty.",
								"enum":        []string{"easy", "medium", "hard"},
							},
						},
						"required":             []string{"prompt", "choices", "correct_answer_index"},
						"additionalProperties": false,
					},
				},
			},
			"required":             []string{"questions"},
			"additionalProperties": false,
		},
		"strict": true,
	},
}

// --- OpenAI chat completion wire types ---

// chatCompletionRequest matches the OpenAI Chat Completions API request format.
// Reference: https://platform.openai.com/docs/api-reference/chat/create
type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []interface{} `json:"tools,omitempty"`
	ToolChoice  interface{}   `json:"tool_choice,omitempty"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// chatMessage represents a message in the OpenAI chat format.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatCompletionResponse matches the OpenAI Chat Completions API response format.
type chatCompletionResponse struct {
	ID      string               `json:"id"`
	Object  string               `json:"object"`
	Created int64                `json:"created"`
	Model   string               `json:"model"`
	Choices []chatChoice         `json:"choices"`
	Usage   *chatCompletionUsage `json:"usage,omitempty"`
}

// chatChoice represents a single choice in the API response.
type chatChoice struct {
	Index        int               `json:"index"`
	Message      chatChoiceMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

// chatChoiceMessage represents the message content in a choice.
type chatChoiceMessage struct {
	Role      string     `json:"role"`
	Content   *string    `json:"content"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
}

// toolCall represents a function call requested by the model.
type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

// functionCall contains the function name and arguments.
type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// chatCompletionUsage tracks token usage.
type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// questionsPayload is the argument shape of the submit_questions tool call.
// Records stay raw here; normalization owns the field aliasing.
type questionsPayload struct {
	Questions []json.RawMessage `json:"questions"`
}

// speechRequest matches the OpenAI audio/speech request format.
type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// completeQuestions asks the model for n questions in the named category and
// returns the raw question records plus token usage. Usage is reported even
// on a decode failure so partial costs are still accounted.
func (s *Service) completeQuestions(ctx context.Context, categoryName string, n int) ([]json.RawMessage, chatCompletionUsage, error) {
	reqBody := chatCompletionRequest{
		Model: s.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: questionSystemPrompt},
			{Role: "user", Content: questionUserPrompt(categoryName, n)},
		},
		Tools:       []interface{}{submitQuestionsTool},
		ToolChoice:  map[string]interface{}{"type": "function", "function": map[string]string{"name": submitQuestionsFn}},
		Temperature: s.cfg.Temperature,
		MaxTokens:   maxGenerateTokens,
	}

	respBody, err := s.post(ctx, "/chat/completions", reqBody)
	if err != nil {
		return nil, chatCompletionUsage{}, err
	}

	var chatResp chatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, chatCompletionUsage{}, fmt.Errorf("decode response: %w", err)
	}

	var usage chatCompletionUsage
	if chatResp.Usage != nil {
		usage = *chatResp.Usage
	}

	if len(chatResp.Choices) == 0 {
		return nil, usage, fmt.Errorf("no response from model")
	}

	args, err := extractToolArguments(chatResp.Choices[0], submitQuestionsFn)
	if err != nil {
		return nil, usage, err
	}

	var payload questionsPayload
	if err := json.Unmarshal([]byte(args), &payload); err != nil {
		return nil, usage, fmt.Errorf("decode questions payload: %w", err)
	}
	return payload.Questions, usage, nil
}

// synthesize renders text to spoken audio and returns the mp3 bytes.
func (s *Service) synthesize(ctx context.Context, text string) ([]byte, error) {
	reqBody := speechRequest{
		Model:          s.cfg.TTSModel,
		Input:          text,
		Voice:          s.cfg.TTSVoice,
		ResponseFormat: "mp3",
	}
	return s.post(ctx, "/audio/speech", reqBody)
}

// extractToolArguments pulls the structured output from the tool call
// matching expectedFn, falling back to plain message content.
func extractToolArguments(choice chatChoice, expectedFn string) (string, error) {
	for _, tc := range choice.Message.ToolCalls {
		if tc.Type == "function" && tc.Function.Name == expectedFn {
			return tc.Function.Arguments, nil
		}
	}
	if choice.Message.Content != nil && *choice.Message.Content != "" {
		return *choice.Message.Content, nil
	}
	return "", fmt.Errorf("no tool call or content in model response")
}

// statusError reports a non-2xx provider response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.code, e.body)
}

// retryableStatus reports whether the provider response is worth retrying.
// Rate limits and server errors clear on their own; everything else is a
// request defect.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func (s *Service) retryBackoff(ctx context.Context) backoff.BackOffContext {
	// BackOff implementations are stateful; always build a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxElapsedTime = retryMaxElapsed
	var wrapped backoff.BackOff = bo
	if s.cfg.MaxAttempts > 0 {
		wrapped = backoff.WithMaxRetries(bo, uint64(s.cfg.MaxAttempts-1))
	}
	return backoff.WithContext(wrapped, ctx)
}

// post sends one JSON request to the provider and returns the response body,
// retrying transient failures with exponential backoff.
func (s *Service) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	url := strings.TrimRight(s.cfg.BaseURL, "/") + path

	var respBody []byte
	attempt := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

		resp, err := s.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("send request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			serr := &statusError{code: resp.StatusCode, body: truncateBody(string(respBody))}
			if retryableStatus(resp.StatusCode) {
				return serr
			}
			return backoff.Permanent(serr)
		}
		return nil
	}

	if err := backoff.Retry(attempt, s.retryBackoff(ctx)); err != nil {
		return nil, err
	}
	return respBody, nil
}

func truncateBody(body string) string {
	const max = 512
	if len(body) <= max {
		return body
	}
	return body[:max] + "..."
}
