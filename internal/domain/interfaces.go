package domain

import (
	"context"
	"time"
)

// ChannelRepo управляет каналами-источниками.
type ChannelRepo interface {
	// EnsureChannel создаёт канал при первом упоминании либо возвращает существующий.
	// Непустой title обновляет ранее неизвестное название.
	EnsureChannel(ctx context.Context, tgChannelID int64, title string) (Channel, error)
	ListActiveChannelIDs(ctx context.Context) ([]int64, error)
	// AdvanceCursor сдвигает курсор канала вперёд. Без блокировок: истиной
	// о «уже обработано» служит идемпотентная вставка поста.
	AdvanceCursor(ctx context.Context, channelID, msgID int64) error
}

// PostRepo управляет постами.
type PostRepo interface {
	// UpsertPost вставляет пост либо возвращает существующий по (channel_id, msg_id).
	// Второй результат — признак «новая запись».
	UpsertPost(ctx context.Context, post Post) (int64, bool, error)
	GetPost(ctx context.Context, postID int64) (Post, error)
	// FindEarlierPostByHash ищет более ранний пост с тем же хэшем текста.
	FindEarlierPostByHash(ctx context.Context, textHash string, excludePostID int64) (int64, error)
}

// SummaryRepo управляет суммаризациями.
type SummaryRepo interface {
	GetSummary(ctx context.Context, postID int64) (Summary, error)
	UpsertSummary(ctx context.Context, summary Summary) error
}

// UserRepo управляет пользователями и подписками.
type UserRepo interface {
	UpsertByTGID(ctx context.Context, tgUserID int64, lang string) (User, error)
	// FindUser ищет пользователя по внутреннему либо внешнему идентификатору.
	FindUser(ctx context.Context, userID, tgUserID int64) (User, error)
	ListActiveSubscribers(ctx context.Context) ([]User, error)
	// ExtendSubscription продлевает подписку на days дней от максимума
	// (сейчас, текущий paid_until) и активирует её.
	ExtendSubscription(ctx context.Context, userID int64, plan string, days int) error
}

// UserChannelRepo хранит подписки пользователей на каналы.
type UserChannelRepo interface {
	ListUserChannelIDs(ctx context.Context, userID int64) ([]int64, error)
	AttachChannelToUser(ctx context.Context, userID, channelID int64) error
}

// DigestRepo сохраняет дайджесты и выбирает материал для них.
type DigestRepo interface {
	// ListRecentSummaries возвращает суммаризации постов указанных каналов,
	// созданные не раньше since, от новых к старым, не более limit строк.
	ListRecentSummaries(ctx context.Context, channelIDs []int64, since time.Time, limit int) ([]SummaryItem, error)
	// CreateDigest сохраняет дайджест и его позиции одной транзакцией.
	CreateDigest(ctx context.Context, digest Digest) (Digest, error)
}

// PaymentRepo сохраняет платежи идемпотентно по (provider, ext_id).
type PaymentRepo interface {
	// InsertPaymentIdempotent возвращает запись и признак «платёж действительно новый».
	InsertPaymentIdempotent(ctx context.Context, payment Payment) (Payment, bool, error)
}

// TaskRunRepo отслеживает попытки обработки задач очередей.
type TaskRunRepo interface {
	// EnsureTaskRun регистрирует попытку и возвращает признак завершённости
	// и номер текущей попытки.
	EnsureTaskRun(ctx context.Context, taskID string) (bool, int, error)
	MarkTaskDone(ctx context.Context, taskID string) error
}

// AccountRepo возвращает MTProto-аккаунты ingestion-пула.
type AccountRepo interface {
	ListMTProtoAccounts(ctx context.Context, pool string) ([]MTProtoAccount, error)
}

// LLMRequest описывает запрос на генерацию.
type LLMRequest struct {
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// LLMResult содержит текст и статистику токенов.
type LLMResult struct {
	Text      string
	Model     string
	TokensIn  int
	TokensOut int
}

// LLMClient выполняет запрос к языковой модели. Ограничения провайдера
// (429, троттлинг, таймаут) приводятся к ErrRateLimited.
type LLMClient interface {
	Generate(ctx context.Context, req LLMRequest) (LLMResult, error)
}

// DigestSender отправляет текст пользователю, разбивая его на части.
// Возвращает количество отправленных сообщений. Блокировка ботом
// приводится к ErrDeliveryForbidden, исчерпание повторов — к ErrRateLimited.
type DigestSender interface {
	SendText(ctx context.Context, chatID int64, text, parseMode string) (int, error)
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	// Once выполняет функцию, только если ключ удалось захватить первым.
	Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
}
