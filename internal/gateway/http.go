package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/granjadebolso/granja-sync/internal/domain"
)

// SessionSource отдает токен для подписи исходящих запросов.
type SessionSource interface {
	Session(ctx context.Context) (*domain.Session, error)
}

// Client — HTTP-реализация удаленного шлюза записей поверх REST API сервера.
// Никакой надежности здесь нет: ретраи, предохранитель и таймауты навешивает
// ReliabilityWrapper уровнем выше.
type Client struct {
	baseURL  string
	http     *http.Client
	sessions SessionSource
}

func NewClient(baseURL string, sessions SessionSource) *Client {
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		http:     &http.Client{}, // таймаут задает контекст вызова
		sessions: sessions,
	}
}

func (c *Client) Insert(ctx context.Context, table string, row map[string]any) error {
	return c.send(ctx, http.MethodPost, "/v1/records/"+table, row)
}

func (c *Client) Update(ctx context.Context, table, id string, row map[string]any) error {
	return c.send(ctx, http.MethodPatch, "/v1/records/"+table+"/"+id, row)
}

func (c *Client) Upsert(ctx context.Context, table string, row map[string]any) error {
	id, _ := row["id"].(string)
	if id == "" {
		return fmt.Errorf("gateway: upsert without pk")
	}
	return c.send(ctx, http.MethodPut, "/v1/records/"+table+"/"+id, row)
}

func (c *Client) Delete(ctx context.Context, table, id string) error {
	return c.send(ctx, http.MethodDelete, "/v1/records/"+table+"/"+id, nil)
}

// FetchSince забирает строки таблицы с updated_at строго больше since.
func (c *Client) FetchSince(ctx context.Context, table string, since time.Time) ([]map[string]any, error) {
	endpoint := fmt.Sprintf("%s/v1/sync/%s?since=%s",
		c.baseURL, table, url.QueryEscape(since.Format(time.RFC3339Nano)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: build request: %w", err)
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: fetch %s: %w", table, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var rows []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("gateway: decode %s delta: %w", table, err)
	}
	return rows, nil
}

func (c *Client) send(ctx context.Context, method, path string, row map[string]any) error {
	var body io.Reader
	if row != nil {
		buf, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("gateway: marshal row: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	return checkStatus(resp)
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	sess, err := c.sessions.Session(ctx)
	if err != nil || sess == nil {
		return fmt.Errorf("gateway: no session: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	// 429: уважаем Retry-After, если сервер его прислал
	if resp.StatusCode == http.StatusTooManyRequests {
		wait := 5 * time.Second
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil {
				wait = time.Duration(secs) * time.Second
			}
		}
		return &ThrottleError{
			RetryAfter: wait,
			Cause:      &StatusError{Code: resp.StatusCode, Body: string(body)},
		}
	}

	return &StatusError{Code: resp.StatusCode, Body: string(body)}
}
