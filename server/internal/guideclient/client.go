package guideclient

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

	"github.com/rs/zerolog"

	"helpnow/server/internal/model"
)

// GenericMessage 是服务端没有给出错误信息时的提示。
const GenericMessage = "Failed to get emergency guidance. Please try again."

var ErrGuidanceUnavailable = errors.New("guidance unavailable")

// QueryError 是一次指引查询失败。Message 可直接展示给用户。
type QueryError struct {
	Status  int
	Message string
	Err     error
}

func (e *QueryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("guidance query failed (status %d): %s: %v", e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("guidance query failed (status %d): %s", e.Status, e.Message)
}

func (e *QueryError) Unwrap() error { return ErrGuidanceUnavailable }

// Client 把转写发给指引接口。单次请求，不重试，不缓存。
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     zerolog.Logger
}

func New(endpoint string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Submit 提交转写，返回校验过的场景。
func (c *Client) Submit(ctx context.Context, transcript string) (model.EmergencyScenario, error) {
	body, err := json.Marshal(model.GuideRequest{Query: transcript})
	if err != nil {
		return model.EmergencyScenario{}, &QueryError{Message: GenericMessage, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return model.EmergencyScenario{}, &QueryError{Message: GenericMessage, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Msg("guidance request failed")
		return model.EmergencyScenario{}, &QueryError{Message: GenericMessage, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.EmergencyScenario{}, &QueryError{Status: resp.StatusCode, Message: GenericMessage, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := GenericMessage
		var errResp model.ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && strings.TrimSpace(errResp.Error) != "" {
			msg = errResp.Error
		}
		c.logger.Warn().Int("status", resp.StatusCode).Str("error", msg).Msg("guidance endpoint returned error")
		return model.EmergencyScenario{}, &QueryError{Status: resp.StatusCode, Message: msg}
	}

	var sc model.EmergencyScenario
	if err := json.Unmarshal(respBody, &sc); err != nil {
		return model.EmergencyScenario{}, &QueryError{Status: resp.StatusCode, Message: GenericMessage, Err: fmt.Errorf("decode scenario: %w", err)}
	}
	if err := sc.Validate(); err != nil {
		return model.EmergencyScenario{}, &QueryError{Status: resp.StatusCode, Message: GenericMessage, Err: err}
	}

	c.logger.Debug().Str("scenario", sc.ID).Dur("latency", time.Since(start)).Msg("guidance received")
	return sc, nil
}
