package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"tg-channel-digest/internal/domain"
)

// EventSucceeded — единственное событие, продлевающее подписку.
const EventSucceeded = "payment.succeeded"

// Options задаёт значения по умолчанию для неполных вебхуков.
type Options struct {
	// Provider подставляется, если вебхук не назвал провайдера.
	Provider string
	// Plan и PlanDays применяются при продлении, если событие их не несёт.
	Plan     string
	PlanDays int
}

func (o *Options) defaults() {
	if o.PlanDays <= 0 {
		o.PlanDays = 30
	}
}

// Webhook — разобранное уведомление платёжного провайдера.
type Webhook struct {
	Event    string `json:"event"`
	Provider string `json:"provider"`
	ExtID    string `json:"ext_id"`
	TGUserID int64  `json:"tg_user_id"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Plan     string `json:"plan"`
	Days     int    `json:"days"`
	// Signature дублирует подпись в теле для провайдеров без заголовка.
	// Считается по вебхуку без самого поля signature.
	Signature string `json:"signature,omitempty"`
}

// Result сообщает, что произошло с вебхуком.
type Result struct {
	// Applied — подписка продлена этим вызовом.
	Applied bool
	// Duplicate — платёж уже был обработан раньше.
	Duplicate bool
	// UnknownUser — пользователь не найден, запись не создавалась.
	UnknownUser bool
}

// Service обрабатывает платёжные вебхуки. Идемпотентность держится на
// уникальности (provider, ext_id): сколько бы раз провайдер ни повторил
// уведомление, подписка продлевается не больше одного раза.
type Service struct {
	log      zerolog.Logger
	users    domain.UserRepo
	payments domain.PaymentRepo
	opts     Options
}

// NewService создаёт обработчик платежей.
func NewService(log zerolog.Logger, users domain.UserRepo, payments domain.PaymentRepo, opts Options) *Service {
	opts.defaults()
	return &Service{log: log, users: users, payments: payments, opts: opts}
}

// VerifySignature сверяет HMAC-SHA256 подпись тела вебхука.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Apply сохраняет платёж и продлевает подписку для нового успешного события.
func (s *Service) Apply(ctx context.Context, webhook Webhook, payload []byte) (Result, error) {
	provider := webhook.Provider
	if provider == "" {
		provider = s.opts.Provider
	}
	if provider == "" || webhook.ExtID == "" {
		return Result{}, fmt.Errorf("вебхук без provider или ext_id")
	}

	user, err := s.users.FindUser(ctx, 0, webhook.TGUserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.log.Warn().Int64("tg_user", webhook.TGUserID).Str("ext_id", webhook.ExtID).Msg("payments: пользователь не найден, вебхук пропущен")
			return Result{UnknownUser: true}, nil
		}
		return Result{}, fmt.Errorf("find user %d: %w", webhook.TGUserID, err)
	}

	payment := domain.Payment{
		UserID:   user.ID,
		Provider: provider,
		ExtID:    webhook.ExtID,
		Amount:   webhook.Amount,
		Currency: webhook.Currency,
		Status:   webhook.Event,
		Payload:  payload,
	}
	stored, isNew, err := s.payments.InsertPaymentIdempotent(ctx, payment)
	if err != nil {
		return Result{}, fmt.Errorf("insert payment %s/%s: %w", webhook.Provider, webhook.ExtID, err)
	}
	if !isNew {
		s.log.Info().Int64("payment", stored.ID).Str("ext_id", webhook.ExtID).Msg("payments: повторный вебхук, без изменений")
		return Result{Duplicate: true}, nil
	}

	if webhook.Event != EventSucceeded {
		s.log.Info().Str("event", webhook.Event).Str("ext_id", webhook.ExtID).Msg("payments: событие сохранено без продления")
		return Result{}, nil
	}

	plan := webhook.Plan
	if plan == "" {
		plan = s.opts.Plan
	}
	days := webhook.Days
	if days <= 0 {
		days = s.opts.PlanDays
	}
	if err := s.users.ExtendSubscription(ctx, user.ID, plan, days); err != nil {
		return Result{}, fmt.Errorf("extend subscription %d: %w", user.ID, err)
	}
	s.log.Info().Int64("user", user.ID).Int("days", days).Str("plan", plan).Msg("payments: подписка продлена")
	return Result{Applied: true}, nil
}
