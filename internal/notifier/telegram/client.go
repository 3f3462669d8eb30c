// Package telegram delivers formatted posts to a Telegram chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"gopkg.in/telebot.v3"

	"post_relay/internal/domain"
)

type Config struct {
	BaseURL          string
	Token            string
	ChatID           string
	Timeout          time.Duration
	MaxAttempts      int
	RetryDelay       time.Duration
	MaxRateLimitWait time.Duration
}

// chat accepts both numeric ids and @channel usernames.
type chat string

func (c chat) Recipient() string { return string(c) }

// Notifier implements service.Notifier on top of telebot.
type Notifier struct {
	bot              *telebot.Bot
	chat             chat
	maxAttempts      int
	retryDelay       time.Duration
	maxRateLimitWait time.Duration
	logger           *slog.Logger
}

// New builds an offline bot: no request is made until the first Send.
func New(cfg Config, logger *slog.Logger) (*Notifier, error) {
	bot, err := telebot.NewBot(telebot.Settings{
		URL:     cfg.BaseURL,
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	return &Notifier{
		bot:              bot,
		chat:             chat(cfg.ChatID),
		maxAttempts:      attempts,
		retryDelay:       cfg.RetryDelay,
		maxRateLimitWait: cfg.MaxRateLimitWait,
		logger:           logger.With("notifier", "telegram"),
	}, nil
}

// Send delivers msg, retrying transient failures. Telegram does not
// deduplicate, so a retry after an ambiguous failure may post twice.
func (n *Notifier) Send(ctx context.Context, msg domain.NotificationMessage) (*domain.DeliveryReceipt, error) {
	opts := &telebot.SendOptions{
		ParseMode:             telebot.ParseMode(msg.ParseMode),
		DisableWebPagePreview: true,
	}

	var (
		sent     *telebot.Message
		attempts int
	)

	err := retry.Do(
		func() error {
			attempts++
			m, err := n.bot.Send(n.chat, msg.Text, opts)
			if err != nil {
				if wait, ok := floodWait(err); ok && wait > n.maxRateLimitWait {
					return retry.Unrecoverable(err)
				}
				return err
			}
			sent = m
			return nil
		},
		retry.Attempts(uint(n.maxAttempts)),
		retry.Delay(n.retryDelay),
		retry.DelayType(n.delay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(isRetryable),
		retry.OnRetry(func(_ uint, err error) {
			n.logger.Warn("send failed, retrying",
				"handle", msg.Handle,
				"post_id", msg.PostID,
				"attempt", attempts,
				"max_attempts", n.maxAttempts,
				"error", err,
			)
		}),
	)
	if err != nil {
		return nil, &domain.DeliveryError{PostID: msg.PostID, Attempts: attempts, Err: err}
	}

	receipt := &domain.DeliveryReceipt{
		MessageID: sent.ID,
		ChatID:    string(n.chat),
		SentAt:    time.Now(),
	}
	if sent.Unixtime > 0 {
		receipt.SentAt = sent.Time()
	}

	n.logger.Debug("message sent",
		"handle", msg.Handle,
		"post_id", msg.PostID,
		"message_id", sent.ID,
	)

	return receipt, nil
}

func (n *Notifier) delay(k uint, err error, config *retry.Config) time.Duration {
	if wait, ok := floodWait(err); ok && wait > 0 {
		return wait
	}
	return retry.FixedDelay(k, err, config)
}

func floodWait(err error) (time.Duration, bool) {
	var flood telebot.FloodError
	if errors.As(err, &flood) {
		return time.Duration(flood.RetryAfter) * time.Second, true
	}
	var floodPtr *telebot.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return time.Duration(floodPtr.RetryAfter) * time.Second, true
	}
	return 0, false
}

// isRetryable gives up on Telegram client errors such as a missing chat or
// a revoked token. Flood control and everything else is retried.
func isRetryable(err error) bool {
	if !retry.IsRecoverable(err) {
		return false
	}
	if _, ok := floodWait(err); ok {
		return true
	}
	code, ok := statusCode(err)
	if !ok {
		return true
	}
	return code < 400 || code >= 500 || code == http.StatusTooManyRequests
}

// telebot only returns *telebot.Error for descriptions it knows; anything
// else arrives as a plain "telegram: <description> (<code>)" error.
var plainErrorCode = regexp.MustCompile(`^telegram: .*\((\d{3})\)$`)

func statusCode(err error) (int, bool) {
	var apiErr *telebot.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	m := plainErrorCode.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	code, convErr := strconv.Atoi(m[1])
	return code, convErr == nil
}
