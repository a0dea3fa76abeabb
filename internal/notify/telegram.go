package notify

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
	"sync"
	"time"

	"tradebot/internal/logger"
)

type Command string

const (
	CommandStatus    Command = "status"
	CommandBalance   Command = "balance"
	CommandPositions Command = "positions"
	CommandStop      Command = "stop"
	CommandStart     Command = "start"
)

// Notifier — исходящие уведомления и входящие команды через Telegram.
// Отправка fire-and-forget: неудача логируется, бесконечных повторов
// нет.
type Notifier struct {
	token   string
	chatID  string
	apiBase string
	client  *http.Client
	log     *logger.Logger

	// Опросы могут накладываться: таймаут HTTP длиннее периода опроса.
	// Мьютекс сериализует их, offset двигается строго по порядку.
	mu     sync.Mutex
	offset int64
}

func New(token, chatID string, log *logger.Logger) *Notifier {
	return &Notifier{
		token:   token,
		chatID:  chatID,
		apiBase: "https://api.telegram.org",
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

func (n *Notifier) Enabled() bool {
	return n.token != "" && n.chatID != ""
}

func (n *Notifier) Notify(ctx context.Context, text string) error {
	if !n.Enabled() {
		return nil
	}

	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    text,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("Не удалось подготовить уведомление: %w", err)
	}

	apiURL := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("Не удалось создать запрос: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("Не удалось отправить уведомление: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("Неуспешный статус уведомления %d: %s", resp.StatusCode, string(data))
	}
	return nil
}

type updateItem struct {
	UpdateID int64 `json:"update_id"`
	Message  struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

type updatesResponse struct {
	OK     bool         `json:"ok"`
	Result []updateItem `json:"result"`
}

// PollCommands забирает свежие сообщения своего чата и переводит их в
// команды. Незнакомый текст игнорируется.
func (n *Notifier) PollCommands(ctx context.Context) ([]Command, error) {
	if !n.Enabled() {
		return nil, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	params := url.Values{}
	params.Set("timeout", "0")
	if n.offset > 0 {
		params.Set("offset", strconv.FormatInt(n.offset, 10))
	}

	apiURL := fmt.Sprintf("%s/bot%s/getUpdates?%s", n.apiBase, n.token, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("Не удалось создать запрос: %w", err)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Не удалось опросить команды: %w", err)
	}
	defer resp.Body.Close()

	var updates updatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&updates); err != nil {
		return nil, fmt.Errorf("Не удалось разобрать команды: %w", err)
	}

	var commands []Command
	for _, update := range updates.Result {
		if update.UpdateID >= n.offset {
			n.offset = update.UpdateID + 1
		}
		if strconv.FormatInt(update.Message.Chat.ID, 10) != n.chatID {
			continue
		}
		if cmd, ok := parseCommand(update.Message.Text); ok {
			commands = append(commands, cmd)
		}
	}
	return commands, nil
}

func parseCommand(text string) (Command, bool) {
	text = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), "/")))
	switch Command(text) {
	case CommandStatus, CommandBalance, CommandPositions, CommandStop, CommandStart:
		return Command(text), true
	}
	return "", false
}
