package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/granjadebolso/granja-sync/internal/domain"
)

// CredentialsSession — провайдер сессии для демона: логинится по паре
// логин/пароль и кэширует токен до истечения. Перелогин ленивый, при
// первом запросе после протухания.
type CredentialsSession struct {
	baseURL  string
	username string
	password string
	http     *http.Client

	mu     sync.Mutex
	cached *domain.Session
}

func NewCredentialsSession(baseURL, username, password string) *CredentialsSession {
	return &CredentialsSession{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *CredentialsSession) Session(ctx context.Context) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Минута запаса, чтобы токен не протух посреди push-прохода
	if s.cached != nil && time.Until(s.cached.ExpiresAt) > time.Minute {
		return s.cached, nil
	}

	buf, _ := json.Marshal(domain.LoginRequest{Username: s.username, Password: s.password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/auth/token", bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("session: build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session: login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("session: login rejected with status %d", resp.StatusCode)
	}

	var tr domain.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("session: decode token response: %w", err)
	}

	s.cached = &domain.Session{
		UserID:      tr.UserID,
		AccessToken: tr.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}
	return s.cached, nil
}

// Invalidate сбрасывает кэш (например, после 401 от сервера).
func (s *CredentialsSession) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}
