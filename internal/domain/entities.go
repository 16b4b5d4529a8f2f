package domain

import "time"

// ChannelStatus описывает состояние канала-источника.
type ChannelStatus string

const (
	// ChannelActive — канал отслеживается ingestion-воркером.
	ChannelActive ChannelStatus = "active"
	// ChannelInactive — канал отключён, но история сохранена.
	ChannelInactive ChannelStatus = "inactive"
)

// Channel описывает публичный канал Telegram, из которого собираются посты.
type Channel struct {
	ID          int64
	TGChannelID int64
	Title       string
	Status      ChannelStatus
	LastMsgID   int64
	CreatedAt   time.Time
}

// Post представляет одно сообщение канала. Пара (ChannelID, MsgID) уникальна.
type Post struct {
	ID          int64
	ChannelID   int64
	MsgID       int64
	PublishedAt time.Time
	TextHash    string
	RawText     string
	CreatedAt   time.Time
}

// Summary содержит результат суммаризации поста, по одному на пост.
// Для коротких постов модель равна "technical", а токены и стоимость не заполняются.
type Summary struct {
	PostID      int64
	SummaryText string
	Model       string
	TokensIn    *int
	TokensOut   *int
	Cost        *float64
	CreatedAt   time.Time
}

// User описывает пользователя Telegram.
type User struct {
	ID       int64
	TGUserID int64
	Lang     string
}

// SubscriptionStatus описывает состояние платной подписки.
type SubscriptionStatus string

const (
	// SubscriptionActive — подписка оплачена и действует.
	SubscriptionActive SubscriptionStatus = "active"
	// SubscriptionExpired — срок подписки истёк.
	SubscriptionExpired SubscriptionStatus = "expired"
)

// Subscription хранит план и срок действия подписки пользователя.
type Subscription struct {
	UserID    int64
	Status    SubscriptionStatus
	Plan      string
	PaidUntil time.Time
}

// SummaryItem — строка дайджеста: пост, его канал и текст суммаризации.
type SummaryItem struct {
	PostID       int64
	ChannelID    int64
	ChannelTitle string
	SummaryText  string
	CreatedAt    time.Time
}

// Digest фиксирует отправленный пользователю набор суммаризаций за слот.
// История append-only: после создания дайджест не изменяется.
type Digest struct {
	ID     int64
	UserID int64
	Slot   string
	Items  []DigestItem
}

// DigestItem описывает одну позицию дайджеста в порядке отбора.
type DigestItem struct {
	PostID     int64
	OrderIndex int
}

// Payment хранит платёж провайдера. Пара (Provider, ExtID) уникальна:
// повторная доставка вебхука не создаёт второй записи.
type Payment struct {
	ID       int64
	UserID   int64
	Provider string
	ExtID    string
	Amount   string
	Currency string
	Status   string
	Payload  []byte
}

// MTProtoAccount описывает сессию ingestion-шарда, хранящуюся в БД.
type MTProtoAccount struct {
	Name    string
	Pool    string
	APIID   int
	APIHash string
}
