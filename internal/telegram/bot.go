// Package telegram sends detection alerts to a Telegram chat.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"lookout/internal/events"
)

const defaultAPIURL = "https://api.telegram.org"

// Config holds Telegram bot configuration
type Config struct {
	BotToken string
	ChatID   string
	// Cooldown is the minimum time between two alerts of one class on one resource
	Cooldown time.Duration
	// Classes limits alerts to these class names. Empty means every class.
	Classes []string
	// APIURL overrides the Telegram endpoint
	APIURL string
}

// Response represents the response from Telegram API
type Response struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// Bot is an event sink posting alerts to one chat
type Bot struct {
	cfg        Config
	classes    map[string]bool
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// New creates a bot. Token and chat id are required.
func New(cfg Config, logger *slog.Logger) (*Bot, error) {
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return nil, errors.New("telegram bot token and chat ID are required")
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	if logger == nil {
		logger = slog.Default()
	}

	classes := make(map[string]bool, len(cfg.Classes))
	for _, c := range cfg.Classes {
		if c = strings.TrimSpace(c); c != "" {
			classes[c] = true
		}
	}

	return &Bot{
		cfg:        cfg,
		classes:    classes,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "telegram"),
		now:        time.Now,
		lastSent:   make(map[string]time.Time),
	}, nil
}

// Persist sends an alert for e unless its class is filtered or still cooling down
func (b *Bot) Persist(ctx context.Context, e *events.Event) error {
	if len(b.classes) > 0 && !b.classes[e.ClassName] {
		return nil
	}
	key := e.Resource() + "/" + e.ClassName
	if !b.reserve(key) {
		return nil
	}

	caption := alertText(e)
	var err error
	if len(e.Frame) > 0 {
		err = b.sendPhoto(ctx, e.Frame, caption)
	} else {
		err = b.sendMessage(ctx, caption)
	}
	if err != nil {
		b.release(key)
		return err
	}
	b.logger.Debug("alert sent", "resource", e.Resource(), "class", e.ClassName)
	return nil
}

// SendTestMessage verifies the bot configuration
func (b *Bot) SendTestMessage(ctx context.Context) error {
	return b.sendMessage(ctx, fmt.Sprintf("<b>Lookout test message</b>\n\nTelegram alerts are working.\nSent at: %s",
		b.now().Format("2 Jan 2006, 15:04:05 MST")))
}

// reserve claims the alert slot of key when its cooldown has elapsed
func (b *Bot) reserve(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if last, ok := b.lastSent[key]; ok && now.Sub(last) < b.cfg.Cooldown {
		return false
	}
	b.lastSent[key] = now
	return true
}

func (b *Bot) release(key string) {
	b.mu.Lock()
	delete(b.lastSent, key)
	b.mu.Unlock()
}

func alertText(e *events.Event) string {
	source := e.CameraName
	switch {
	case source == "" && e.CameraID != nil:
		source = fmt.Sprintf("camera %d", *e.CameraID)
	case source == "" && e.JobID != "":
		source = "video " + e.JobID
	}
	if e.JobID != "" && e.CameraName != "" {
		source += " (video " + e.JobID + ")"
	}
	return fmt.Sprintf(
		"<b>Detection Alert</b>\n\n"+
			"Source: %s\n"+
			"Detected: %s (%.0f%%)\n"+
			"Model: %s\n"+
			"Time: %s",
		html.EscapeString(source),
		html.EscapeString(e.ClassName),
		e.Confidence*100,
		html.EscapeString(e.ModelType),
		e.Timestamp.Format("2 Jan 2006, 15:04:05 MST"),
	)
}

func (b *Bot) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", strings.TrimRight(b.cfg.APIURL, "/"), b.cfg.BotToken, method)
}

// sendPhoto sends a photo using multipart form data
func (b *Bot) sendPhoto(ctx context.Context, photo []byte, caption string) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", b.cfg.ChatID); err != nil {
		return fmt.Errorf("failed to write chat_id field: %w", err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return fmt.Errorf("failed to write caption field: %w", err)
		}
		if err := writer.WriteField("parse_mode", "HTML"); err != nil {
			return fmt.Errorf("failed to write parse_mode field: %w", err)
		}
	}

	part, err := writer.CreateFormFile("photo", "detection.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photo); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint("sendPhoto"), &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return b.do(req)
}

func (b *Bot) sendMessage(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id":    b.cfg.ChatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint("sendMessage"), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return b.do(req)
}

// do sends req and checks the Telegram response envelope
func (b *Bot) do(req *http.Request) error {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	var tr Response
	if err := json.Unmarshal(data, &tr); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !tr.OK {
		return fmt.Errorf("telegram API error %d: %s", tr.ErrorCode, tr.Description)
	}
	return nil
}
