package telegram

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-channel-digest/internal/domain"
)

type stubBot struct {
	sent []string
	errs []error
}

func (b *stubBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg, ok := c.(tgbotapi.MessageConfig)
	if !ok {
		return tgbotapi.Message{}, errors.New("unexpected chattable")
	}
	var err error
	if len(b.errs) > 0 {
		err = b.errs[0]
		b.errs = b.errs[1:]
	}
	if err != nil {
		return tgbotapi.Message{}, err
	}
	b.sent = append(b.sent, msg.Text)
	return tgbotapi.Message{MessageID: len(b.sent)}, nil
}

func testOptions() Options {
	return Options{
		MessageLimit:   40,
		ChunkAttempts:  3,
		FloodAuto:      true,
		FloodFixed:     2 * time.Millisecond,
		NetworkBackoff: time.Millisecond,
	}
}

func TestSendTextSplitsLongMessage(t *testing.T) {
	bot := &stubBot{}
	sender := NewSender(bot, zerolog.Nop(), testOptions())

	text := strings.Repeat("строка дайджеста\n", 10)
	sent, err := sender.SendText(context.Background(), 100, text, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent != len(bot.sent) {
		t.Fatalf("sent count mismatch: %d != %d", sent, len(bot.sent))
	}
	if len(bot.sent) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(bot.sent))
	}
	for i, part := range bot.sent {
		if length := len([]rune(part)); length > 40 {
			t.Fatalf("chunk %d exceeds limit: %d", i, length)
		}
	}
}

func TestSendTextRetriesNetworkError(t *testing.T) {
	bot := &stubBot{errs: []error{&net.OpError{Op: "dial", Err: errors.New("connection refused")}}}
	sender := NewSender(bot, zerolog.Nop(), testOptions())

	sent, err := sender.SendText(context.Background(), 100, "короткий дайджест", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent != 1 {
		t.Fatalf("expected 1 message after retry, got %d", sent)
	}
}

func TestSendTextFloodWaitThenSuccess(t *testing.T) {
	flood := &tgbotapi.Error{
		Code:               429,
		Message:            "Too Many Requests: retry after 1",
		ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 0},
	}
	bot := &stubBot{errs: []error{flood}}
	sender := NewSender(bot, zerolog.Nop(), testOptions())

	sent, err := sender.SendText(context.Background(), 100, "короткий дайджест", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent != 1 {
		t.Fatalf("expected 1 message, got %d", sent)
	}
}

func TestSendTextFloodWithoutRetryAfterWaitsFixed(t *testing.T) {
	flood := &tgbotapi.Error{Code: 429, Message: "Too Many Requests"}
	bot := &stubBot{errs: []error{flood}}
	opts := testOptions()
	opts.FloodFixed = 30 * time.Millisecond
	sender := NewSender(bot, zerolog.Nop(), opts)

	start := time.Now()
	sent, err := sender.SendText(context.Background(), 100, "короткий дайджест", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent != 1 {
		t.Fatalf("expected 1 message, got %d", sent)
	}
	if elapsed := time.Since(start); elapsed < opts.FloodFixed {
		t.Fatalf("flood signal without retry_after must pause for FloodFixed, waited only %v", elapsed)
	}
}

func TestSendTextForbiddenIsTerminal(t *testing.T) {
	blocked := &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}
	bot := &stubBot{errs: []error{blocked, blocked, blocked}}
	sender := NewSender(bot, zerolog.Nop(), testOptions())

	_, err := sender.SendText(context.Background(), 100, "короткий дайджест", "")
	if !errors.Is(err, domain.ErrDeliveryForbidden) {
		t.Fatalf("expected ErrDeliveryForbidden, got %v", err)
	}
	if len(bot.sent) != 0 {
		t.Fatalf("no message should be delivered")
	}
}

func TestSendTextExhaustedAttempts(t *testing.T) {
	netErr := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	bot := &stubBot{errs: []error{netErr, netErr, netErr}}
	sender := NewSender(bot, zerolog.Nop(), testOptions())

	_, err := sender.SendText(context.Background(), 100, "короткий дайджест", "")
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited after exhausted attempts, got %v", err)
	}
}
