// Package notify предоставляет клиент для внешнего realtime-шлюза событий.
//
// Публикация выполняется строго после коммита финансовой транзакции и
// только по принципу best-effort: единственная попытка, отказ шлюза
// никогда не блокирует и не откатывает уже зафиксированную операцию.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Типы публикуемых событий.
const (
	EventPoolUpdate = "pool-update"
	EventWinner     = "winner"
)

// Client инкапсулирует HTTP-взаимодействие с realtime-шлюзом.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Event — событие для внешнего канала уведомлений.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// NewClient создаёт HTTP-клиент для публикации событий по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Publish отправляет событие в шлюз. Ровно одна попытка, без ретраев.
func (c *Client) Publish(ctx context.Context, eventType string, payload any) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("notify client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(Event{Type: eventType, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	url := fmt.Sprintf("%s/api/events", base)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
