package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"helpnow/server/internal/config"
)

var ErrEmptyResponse = errors.New("empty LLM response")

// Client 生成急救指引用的大模型客户端。
type Client interface {
	// Complete 根据对话生成文本；schema 不为空时要求模型输出符合 schema 的 JSON。
	Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error)
}

// Message 对话消息
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// JSONSchema 结构化输出的 schema 定义
type JSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict,omitempty"`
}

// NewClient 按 provider 创建客户端。
func NewClient(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(cfg.OpenAI), nil
	case "anthropic":
		return NewAnthropicClient(cfg.Anthropic), nil
	case "gemini":
		return NewGeminiClient(ctx, cfg.Gemini)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.Provider)
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// splitSystem 把 system 消息拼成一段，其余消息按顺序保留。
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	var rest []Message
	for _, msg := range messages {
		if msg.Role == "system" {
			system = append(system, msg.Content)
			continue
		}
		rest = append(rest, msg)
	}
	return strings.Join(system, "\n\n"), rest
}

// withSchemaHint 给不支持 json_schema 参数的 provider 在 system prompt 里附上 schema。
func withSchemaHint(system string, schema *JSONSchema) string {
	raw, err := json.Marshal(schema.Schema)
	if err != nil {
		return system
	}
	return strings.TrimSpace(system + "\n\nRespond with a single JSON object matching this JSON schema, no prose:\n" + string(raw))
}

// postJSON 发送 JSON 请求并返回响应体，非 200 视为错误。
func postJSON(ctx context.Context, hc *http.Client, url string, headers map[string]string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// OpenAIClient 走 Chat Completions 接口。
type OpenAIClient struct {
	config     config.LLMProviderConfig
	httpClient *http.Client
}

func NewOpenAIClient(cfg config.LLMProviderConfig) *OpenAIClient {
	return &OpenAIClient{
		config:     cfg,
		httpClient: newHTTPClient(cfg.Timeout),
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error) {
	reqBody := map[string]any{
		"model":                 c.config.Model,
		"messages":              messages,
		"temperature":           c.config.Temperature,
		"max_completion_tokens": c.config.MaxTokens,
	}
	// 推理模型会把 token 预算花在 reasoning 上，压低 effort 才能稳定拿到正文
	if isOpenAIReasoningModel(c.config.Model) {
		reqBody["reasoning_effort"] = "low"
		delete(reqBody, "temperature")
	}
	if schema != nil {
		reqBody["response_format"] = map[string]any{
			"type":        "json_schema",
			"json_schema": schema,
		}
	}

	respBody, err := postJSON(ctx, c.httpClient, strings.TrimRight(c.config.APIURL, "/")+"/chat/completions",
		map[string]string{"Authorization": "Bearer " + c.config.APIKey}, reqBody)
	if err != nil {
		return "", err
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if len(result.Choices) == 0 || strings.TrimSpace(result.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return result.Choices[0].Message.Content, nil
}

func isOpenAIReasoningModel(model string) bool {
	return strings.HasPrefix(model, "gpt-5") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3")
}

// AnthropicClient 走 Messages 接口。Anthropic 没有 json_schema 模式，
// schema 以文字形式追加到 system prompt。
type AnthropicClient struct {
	config     config.LLMProviderConfig
	httpClient *http.Client
}

func NewAnthropicClient(cfg config.LLMProviderConfig) *AnthropicClient {
	return &AnthropicClient{
		config:     cfg,
		httpClient: newHTTPClient(cfg.Timeout),
	}
}

func (c *AnthropicClient) Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error) {
	system, rest := splitSystem(messages)
	if schema != nil {
		system = withSchemaHint(system, schema)
	}

	msgs := make([]map[string]string, 0, len(rest))
	for _, msg := range rest {
		msgs = append(msgs, map[string]string{"role": msg.Role, "content": msg.Content})
	}
	reqBody := map[string]any{
		"model":       c.config.Model,
		"messages":    msgs,
		"max_tokens":  c.config.MaxTokens,
		"temperature": c.config.Temperature,
	}
	if system != "" {
		reqBody["system"] = system
	}

	respBody, err := postJSON(ctx, c.httpClient, strings.TrimRight(c.config.APIURL, "/")+"/messages", map[string]string{
		"x-api-key":         c.config.APIKey,
		"anthropic-version": "2023-06-01",
	}, reqBody)
	if err != nil {
		return "", err
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
			Type string `json:"type"`
		} `json:"content"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	var sb strings.Builder
	for _, part := range result.Content {
		if part.Type == "" || part.Type == "text" {
			sb.WriteString(part.Text)
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}
