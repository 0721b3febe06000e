package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"autotrader/internal/logger"
)

// TextNotifier is the minimal outbound text channel.
type TextNotifier interface {
	SendText(ctx context.Context, text string) error
}

type Telegram struct {
	BotToken string
	ChatID   string
	BaseURL  string
	Client   *http.Client
}

func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		BotToken: botToken,
		ChatID:   chatID,
		BaseURL:  "https://api.telegram.org",
		Client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// SendText posts a message, retrying up to three times.
func (t *Telegram) SendText(ctx context.Context, text string) error {
	if t.BotToken == "" || t.ChatID == "" {
		return fmt.Errorf("telegram is not configured")
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.BaseURL, "/"), t.BotToken)
	body, err := json.Marshal(map[string]any{"chat_id": t.ChatID, "text": text})
	if err != nil {
		return err
	}
	var lastErr error
	for i := 0; i < 3; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := t.Client.Do(req)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode/100 == 2 {
				return nil
			}
			err = fmt.Errorf("telegram status=%d", resp.StatusCode)
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * time.Second):
		}
	}
	return lastErr
}

// AlertSink forwards warn-and-above events to a TextNotifier from its own
// goroutine so a slow channel never stalls the dispatcher.
type AlertSink struct {
	notifier TextNotifier
	min      Severity
	queue    chan Event
}

func NewAlertSink(n TextNotifier, min Severity, buffer int) *AlertSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &AlertSink{notifier: n, min: min, queue: make(chan Event, buffer)}
}

func (s *AlertSink) Publish(e Event) {
	if !e.Severity.AtLeast(s.min) {
		return
	}
	select {
	case s.queue <- e:
	default:
		logger.Warnf("[notify] alert queue full, dropping %s", e.Kind)
	}
}

func (s *AlertSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-s.queue:
			sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := s.notifier.SendText(sendCtx, FormatAlert(e)); err != nil {
				logger.Warnf("[notify] alert send failed kind=%s: %v", e.Kind, err)
			}
			cancel()
		}
	}
}

// FormatAlert renders an event as a short plain-text message.
func FormatAlert(e Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(string(e.Severity)), e.Kind)
	if e.Asset != "" {
		fmt.Fprintf(&b, " %s", e.Asset)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " (%s)", e.Reason)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, "\n%s", e.Message)
	}
	fmt.Fprintf(&b, "\n%s", e.Time.Format(time.RFC3339))
	return b.String()
}
