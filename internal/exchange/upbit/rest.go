package upbit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"tradebot/internal/exchange"
)

type apiError struct {
	Status int
	Name   string
	Msg    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("Ошибка биржи: %s (name=%s, status=%d)", e.Msg, e.Name, e.Status)
}

type errorEnvelope struct {
	Error struct {
		Name    json.RawMessage `json:"name"`
		Message string          `json:"message"`
	} `json:"error"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, auth bool, out any) error {
	if err := c.gate.Wait(ctx); err != nil {
		return err
	}

	urlStr := c.baseURL + path
	if len(params) > 0 {
		urlStr += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, nil)
	if err != nil {
		return fmt.Errorf("Не удалось создать запрос: %w", err)
	}

	if auth {
		token, err := c.authToken(params)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Ошибка запроса: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("Не удалось прочитать ответ: %w", err)
	}

	if resp.StatusCode >= 400 {
		var envelope errorEnvelope
		name := ""
		msg := resp.Status
		if json.Unmarshal(data, &envelope) == nil {
			name = string(envelope.Error.Name)
			if envelope.Error.Message != "" {
				msg = envelope.Error.Message
			}
		}
		return &apiError{Status: resp.StatusCode, Name: name, Msg: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("Не удалось разобрать ответ: %w", err)
	}

	return nil
}

// withRetry — до retryAttempts попыток с задержкой retryDelay*номер
// попытки. 429 пережидается той же шкалой, отказы биржи не повторяются.
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			return err
		}

		if attempt == retryAttempts {
			break
		}
		wait := time.Duration(attempt) * retryDelay
		entry := c.log.WithComponent("upbit").WithError(err).WithFields(map[string]interface{}{
			"attempt": attempt,
			"wait":    wait.String(),
		})
		if isRateLimitError(err) {
			entry.Warn("Лимит запросов, пережидаем.")
		} else {
			entry.Warn("Ошибка, повторяем запрос.")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var api *apiError
	if errors.As(err, &api) {
		return api.Status == http.StatusTooManyRequests || api.Status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// http.Client заворачивает сетевые ошибки в *url.Error.
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func isRateLimitError(err error) bool {
	var api *apiError
	if errors.As(err, &api) {
		return api.Status == http.StatusTooManyRequests
	}
	return false
}

// classifyOrderError переводит отказ биржи в типизированную ошибку.
// Такие ошибки наверх уходят как есть, без повторов.
func classifyOrderError(err error) error {
	var api *apiError
	if !errors.As(err, &api) {
		return err
	}
	switch {
	case containsAny(api.Name, "insufficient_funds"):
		return fmt.Errorf("%w: %s", exchange.ErrInsufficientBalance, api.Msg)
	case containsAny(api.Name, "under_min_total"):
		return fmt.Errorf("%w: %s", exchange.ErrBelowMinNotional, api.Msg)
	case containsAny(api.Name, "order_not_found"):
		return fmt.Errorf("%w: %s", exchange.ErrOrderNotFound, api.Msg)
	case api.Status >= 400 && api.Status < 500 && api.Status != http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", exchange.ErrOrderRejected, api.Msg)
	}
	return err
}
