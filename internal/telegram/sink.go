// internal/telegram/sink.go
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

// Config configures the Telegram notification sink.
type Config struct {
	Token  string
	ChatID string
	// APIURL overrides the Bot API endpoint; empty uses api.telegram.org.
	APIURL      string
	RatePerSec  int
	SendTimeout time.Duration
}

// Sink delivers HTML-formatted messages to a single Telegram chat.
type Sink struct {
	bot     *tele.Bot
	chat    tele.Recipient
	limiter *rate.Limiter
	logger  *slog.Logger
}

// chatID accepts both numeric ids and @channel usernames.
type chatID string

func (c chatID) Recipient() string { return string(c) }

// New builds a Sink. The bot is created offline so construction never calls the API.
func New(cfg Config, logger *slog.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		return nil, errors.New("telegram chat id is empty")
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 1
	}

	bot, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Sink{
		bot:     bot,
		chat:    chatID(strings.TrimSpace(cfg.ChatID)),
		limiter: rate.NewLimiter(rate.Limit(perSec), perSec),
		logger:  logger,
	}, nil
}

// Send delivers text with HTML parse mode and link previews disabled.
// It waits for the rate limiter first and gives up if ctx ends while waiting.
func (s *Sink) Send(ctx context.Context, text string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limiter: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := s.bot.Send(s.chat, text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	s.logger.Debug("Telegram message sent", "message_id", msg.ID, "length", len(text))
	return nil
}
