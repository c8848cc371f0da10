// Package statusclient はワーカープロセスから API サーバーへジョブ状態を報告する HTTP クライアントです。
package statusclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yourusername/convert-forge/internal/jobs"
)

// Client は /api/convert/status/:id を通してジョブレコードを読み書きします。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New は Client を作成します。timeout が 0 以下の場合は 10 秒を使います。
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Get はジョブを取得します。
func (c *Client) Get(ctx context.Context, jobID string) (*jobs.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.statusURL(jobID), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// Update は状態更新を送信し、更新後のジョブを返します。
func (c *Client) Update(ctx context.Context, jobID string, upd jobs.Update) (*jobs.Job, error) {
	body, err := json.Marshal(upd)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.statusURL(jobID), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) statusURL(jobID string) string {
	return fmt.Sprintf("%s/api/convert/status/%s", c.baseURL, url.PathEscape(jobID))
}

func (c *Client) do(req *http.Request) (*jobs.Job, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read status response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp.StatusCode, data)
	}
	var job jobs.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w", err)
	}
	return &job, nil
}

// responseError は API のエラー応答をジョブ操作のエラーに戻します。
func responseError(status int, data []byte) error {
	var body errorBody
	_ = json.Unmarshal(data, &body)
	message := body.Message
	if message == "" {
		message = strings.TrimSpace(string(data))
	}
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", jobs.ErrNotFound, message)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", jobs.ErrInvalidTransition, message)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", jobs.ErrInvalidUpdate, message)
	}
	return fmt.Errorf("status api returned %d: %s", status, message)
}
