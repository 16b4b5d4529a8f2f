package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-channel-digest/internal/domain"
	"tg-channel-digest/internal/infra/backoff"
	"tg-channel-digest/internal/infra/metrics"
)

// botAPI покрывает используемую часть Bot API клиента.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Options задаёт поведение отправителя.
type Options struct {
	// MessageLimit ограничивает длину одной части в рунах.
	MessageLimit int
	// ChunkAttempts — число попыток отправки одной части.
	ChunkAttempts int
	// FloodAuto: ждать столько, сколько запросил Telegram; иначе FloodFixed.
	FloodAuto  bool
	FloodFixed time.Duration
	// NetworkBackoff — базовая пауза при сетевых ошибках, растёт линейно.
	NetworkBackoff time.Duration
}

func (o *Options) defaults() {
	if o.MessageLimit <= 0 {
		o.MessageLimit = defaultMessageLimit
	}
	if o.ChunkAttempts <= 0 {
		o.ChunkAttempts = 3
	}
	if o.FloodFixed <= 0 {
		o.FloodFixed = 30 * time.Second
	}
	if o.NetworkBackoff <= 0 {
		o.NetworkBackoff = 2 * time.Second
	}
}

// Sender доставляет дайджесты через Bot API, разбивая длинный текст на части.
// Flood-wait пережидается внутри попытки, блокировка ботом терминальна.
type Sender struct {
	bot  botAPI
	log  zerolog.Logger
	opts Options
}

// NewSender создаёт отправителя.
func NewSender(bot botAPI, log zerolog.Logger, opts Options) *Sender {
	opts.defaults()
	return &Sender{bot: bot, log: log, opts: opts}
}

// SendText отправляет текст пользователю и возвращает количество отправленных
// сообщений. Части до первой ошибки не отзываются: повтор задачи доставит
// хвост ещё раз, это принятый компромисс.
func (s *Sender) SendText(ctx context.Context, chatID int64, text, parseMode string) (int, error) {
	parts := SplitMessage(text, s.opts.MessageLimit)
	if len(parts) == 0 {
		return 0, nil
	}

	sent := 0
	for _, part := range parts {
		if err := s.sendChunk(ctx, chatID, part, parseMode); err != nil {
			return sent, err
		}
		sent++
		metrics.MessagesSent.Inc()
	}
	return sent, nil
}

func (s *Sender) sendChunk(ctx context.Context, chatID int64, part, parseMode string) error {
	var lastErr error
	for attempt := 1; attempt <= s.opts.ChunkAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = parseMode
		msg.DisableWebPagePreview = true

		start := time.Now()
		_, err := s.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
		if err == nil {
			return nil
		}
		lastErr = err

		if isForbidden(err) {
			metrics.FatalDeliveries.Inc()
			return fmt.Errorf("chat %d: %v: %w", chatID, err, domain.ErrDeliveryForbidden)
		}

		if retryAfter, ok := floodWait(err); ok {
			metrics.FloodWaits.Inc()
			// Flood-сигнал без retry_after пережидается фиксированной паузой.
			pause := s.opts.FloodFixed
			if s.opts.FloodAuto && retryAfter > 0 {
				pause = retryAfter
			}
			s.log.Warn().Int64("chat", chatID).Dur("pause", pause).Msg("доставка: flood wait от Telegram")
			if !backoff.Wait(ctx.Done(), pause) {
				return ctx.Err()
			}
			continue
		}

		pause := s.opts.NetworkBackoff * time.Duration(attempt)
		s.log.Warn().Err(err).Int64("chat", chatID).Int("attempt", attempt).Msg("доставка: сетевая ошибка, повтор")
		if !backoff.Wait(ctx.Done(), pause) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("chat %d: %v: %w", chatID, lastErr, domain.ErrRateLimited)
}

func isForbidden(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == 403 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "bot was blocked") || strings.Contains(msg, "user is deactivated") ||
		strings.Contains(msg, "chat not found")
}

func floodWait(err error) (time.Duration, bool) {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "too many requests") {
		return 0, true
	}
	return 0, false
}

var _ domain.DigestSender = (*Sender)(nil)
