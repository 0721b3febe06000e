package advisory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"autotrader/internal/logger"
)

// Request is one advisory call.
type Request struct {
	TraceID string
	Asset   string
	System  string
	User    string
}

// Advisor is the external advisory service.
type Advisor interface {
	Advise(ctx context.Context, req Request) (string, error)
}

// OpenAIClient talks to any OpenAI-compatible /chat/completions endpoint.
type OpenAIClient struct {
	BaseURL      string
	APIKey       string
	Model        string
	ExtraHeaders map[string]string
	// MaxRetries applies to 429/5xx only; the caller's context still bounds
	// the whole exchange.
	MaxRetries int
	HTTPClient *http.Client
}

func NewOpenAIClient(baseURL, apiKey, model string, headers map[string]string) *OpenAIClient {
	return &OpenAIClient{
		BaseURL:      baseURL,
		APIKey:       apiKey,
		Model:        model,
		ExtraHeaders: headers,
		MaxRetries:   1,
		HTTPClient:   &http.Client{},
	}
}

func (c *OpenAIClient) endpoint() string {
	url := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if url == "" {
		url = "https://api.openai.com/v1"
	}
	url = strings.TrimSuffix(url, "/chat/completions")
	return url + "/chat/completions"
}

func (c *OpenAIClient) Advise(ctx context.Context, req Request) (string, error) {
	messages := make([]map[string]string, 0, 2)
	if req.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.System})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.User})
	body, err := json.Marshal(map[string]any{
		"model":           c.Model,
		"messages":        messages,
		"temperature":     0.2,
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return "", err
	}
	url := c.endpoint()
	httpc := c.HTTPClient
	if httpc == nil {
		httpc = http.DefaultClient
	}
	logger.Debugf("[advisory] POST %s trace=%s headers=%v", url, req.TraceID, c.maskedHeaders())

	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		out, retryAfter, err := c.do(ctx, httpc, url, body)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if retryAfter < 0 || attempt == c.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(retryAfter):
		}
	}
	return "", lastErr
}

// do performs one round trip. retryAfter < 0 means the error is final.
func (c *OpenAIClient) do(ctx context.Context, httpc *http.Client, url string, body []byte) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", -1, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	for k, v := range c.ExtraHeaders {
		req.Header.Set(k, v)
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return "", -1, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		var r struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
			return "", -1, fmt.Errorf("decode completion: %w", err)
		}
		if len(r.Choices) == 0 {
			return "", -1, errors.New("empty choices")
		}
		return r.Choices[0].Message.Content, 0, nil
	}

	var eresp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&eresp)
	msg := strings.TrimSpace(eresp.Error.Message)
	if msg == "" {
		msg = resp.Status
	}
	err = fmt.Errorf("status=%d: %s", resp.StatusCode, msg)
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		wait := 800 * time.Millisecond
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil {
				wait = time.Duration(secs) * time.Second
			}
		}
		return "", wait, err
	}
	return "", -1, err
}

func (c *OpenAIClient) maskedHeaders() map[string]string {
	out := map[string]string{"Content-Type": "application/json"}
	if c.APIKey != "" {
		out["Authorization"] = "Bearer " + mask(c.APIKey)
	}
	for k, v := range c.ExtraHeaders {
		lk := strings.ToLower(k)
		if strings.Contains(lk, "key") || strings.Contains(lk, "token") || strings.Contains(lk, "auth") {
			v = mask(v)
		}
		out[k] = v
	}
	return out
}

func mask(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
