package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-channel-digest/internal/domain"
	"tg-channel-digest/internal/infra/metrics"
)

// Postgres реализует репозитории конвейера на основе pgxpool.
// Все проверки идемпотентности опираются на уникальные ключи БД:
// «кто-то уже вставил» — дешёвый штатный исход, а не ошибка.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.ChannelRepo     = (*Postgres)(nil)
	_ domain.PostRepo        = (*Postgres)(nil)
	_ domain.SummaryRepo     = (*Postgres)(nil)
	_ domain.UserRepo        = (*Postgres)(nil)
	_ domain.UserChannelRepo = (*Postgres)(nil)
	_ domain.DigestRepo      = (*Postgres)(nil)
	_ domain.PaymentRepo     = (*Postgres)(nil)
	_ domain.TaskRunRepo     = (*Postgres)(nil)
	_ domain.AccountRepo     = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// IsTransient сообщает, стоит ли повторить запрос после ошибки соединения.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Класс 08 — connection exception.
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08"
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// EnsureChannel создаёт канал при первом упоминании либо возвращает существующий.
func (p *Postgres) EnsureChannel(ctx context.Context, tgChannelID int64, title string) (domain.Channel, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var ch domain.Channel
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO channels (tg_channel_id, title, status)
VALUES ($1, $2, 'active')
ON CONFLICT (tg_channel_id) DO UPDATE
SET title = CASE WHEN EXCLUDED.title <> '' THEN EXCLUDED.title ELSE channels.title END
RETURNING id, tg_channel_id, title, status, last_msg_id, created_at
`, tgChannelID, title).Scan(&ch.ID, &ch.TGChannelID, &ch.Title, &ch.Status, &ch.LastMsgID, &ch.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "channels_ensure", "channels", start, err)
	return ch, err
}

// ListActiveChannelIDs возвращает внешние идентификаторы активных каналов.
func (p *Postgres) ListActiveChannelIDs(ctx context.Context) ([]int64, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT tg_channel_id FROM channels WHERE status = 'active' ORDER BY id`)
	metrics.ObserveNetworkRequest("postgres", "channels_list_active", "channels", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AdvanceCursor сдвигает курсор канала вперёд. Допустима гонка между шардами:
// курсор никогда не откатывается, а истиной служит уникальность постов.
func (p *Postgres) AdvanceCursor(ctx context.Context, channelID, msgID int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE channels SET last_msg_id = GREATEST(last_msg_id, $2) WHERE id = $1
`, channelID, msgID)
	metrics.ObserveNetworkRequest("postgres", "channels_cursor", "channels", start, err)
	return err
}

// UpsertPost вставляет пост либо возвращает существующий по (channel_id, msg_id).
func (p *Postgres) UpsertPost(ctx context.Context, post domain.Post) (int64, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var id int64
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO posts (channel_id, msg_id, published_at, text_hash, raw_text)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (channel_id, msg_id) DO NOTHING
RETURNING id
`, post.ChannelID, post.MsgID, post.PublishedAt, post.TextHash, post.RawText).Scan(&id)
	if err == nil {
		metrics.ObserveNetworkRequest("postgres", "posts_insert", "posts", start, nil)
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		metrics.ObserveNetworkRequest("postgres", "posts_insert", "posts", start, err)
		return 0, false, err
	}

	err = p.pool.QueryRow(ctx, `
SELECT id FROM posts WHERE channel_id = $1 AND msg_id = $2
`, post.ChannelID, post.MsgID).Scan(&id)
	metrics.ObserveNetworkRequest("postgres", "posts_select_existing", "posts", start, err)
	if err != nil {
		return 0, false, err
	}
	return id, false, nil
}

// GetPost возвращает пост по идентификатору.
func (p *Postgres) GetPost(ctx context.Context, postID int64) (domain.Post, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var post domain.Post
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, channel_id, msg_id, published_at, text_hash, raw_text, created_at
FROM posts WHERE id = $1
`, postID).Scan(&post.ID, &post.ChannelID, &post.MsgID, &post.PublishedAt, &post.TextHash, &post.RawText, &post.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "posts_get", "posts", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Post{}, domain.ErrNotFound
	}
	return post, err
}

// FindEarlierPostByHash ищет самый ранний другой пост с тем же хэшем текста.
func (p *Postgres) FindEarlierPostByHash(ctx context.Context, textHash string, excludePostID int64) (int64, error) {
	if textHash == "" {
		return 0, domain.ErrNotFound
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var id int64
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id FROM posts
WHERE text_hash = $1 AND id <> $2
ORDER BY created_at ASC
LIMIT 1
`, textHash, excludePostID).Scan(&id)
	metrics.ObserveNetworkRequest("postgres", "posts_find_by_hash", "posts", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	return id, err
}

// GetSummary возвращает суммаризацию поста.
func (p *Postgres) GetSummary(ctx context.Context, postID int64) (domain.Summary, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var (
		s         domain.Summary
		tokensIn  sql.NullInt64
		tokensOut sql.NullInt64
		cost      sql.NullFloat64
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT post_id, summary_text, model, tokens_in, tokens_out, cost, created_at
FROM summaries WHERE post_id = $1
`, postID).Scan(&s.PostID, &s.SummaryText, &s.Model, &tokensIn, &tokensOut, &cost, &s.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "summaries_get", "summaries", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Summary{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Summary{}, err
	}
	if tokensIn.Valid {
		v := int(tokensIn.Int64)
		s.TokensIn = &v
	}
	if tokensOut.Valid {
		v := int(tokensOut.Int64)
		s.TokensOut = &v
	}
	if cost.Valid {
		v := cost.Float64
		s.Cost = &v
	}
	return s, nil
}

// UpsertSummary сохраняет суммаризацию, перезаписывая существующую.
func (p *Postgres) UpsertSummary(ctx context.Context, summary domain.Summary) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var tokensIn, tokensOut sql.NullInt64
	if summary.TokensIn != nil {
		tokensIn = sql.NullInt64{Int64: int64(*summary.TokensIn), Valid: true}
	}
	if summary.TokensOut != nil {
		tokensOut = sql.NullInt64{Int64: int64(*summary.TokensOut), Valid: true}
	}
	var cost sql.NullFloat64
	if summary.Cost != nil {
		cost = sql.NullFloat64{Float64: *summary.Cost, Valid: true}
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO summaries (post_id, summary_text, model, tokens_in, tokens_out, cost)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (post_id) DO UPDATE
SET summary_text = EXCLUDED.summary_text,
    model = EXCLUDED.model,
    tokens_in = EXCLUDED.tokens_in,
    tokens_out = EXCLUDED.tokens_out,
    cost = EXCLUDED.cost,
    created_at = now()
`, summary.PostID, summary.SummaryText, summary.Model, tokensIn, tokensOut, cost)
	metrics.ObserveNetworkRequest("postgres", "summaries_upsert", "summaries", start, err)
	return err
}

// UpsertByTGID создаёт пользователя при первом обращении.
func (p *Postgres) UpsertByTGID(ctx context.Context, tgUserID int64, lang string) (domain.User, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var u domain.User
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO users (tg_user_id, lang)
VALUES ($1, $2)
ON CONFLICT (tg_user_id) DO UPDATE
SET lang = CASE WHEN EXCLUDED.lang <> '' THEN EXCLUDED.lang ELSE users.lang END
RETURNING id, tg_user_id, lang
`, tgUserID, lang).Scan(&u.ID, &u.TGUserID, &u.Lang)
	metrics.ObserveNetworkRequest("postgres", "users_upsert", "users", start, err)
	return u, err
}

// FindUser ищет пользователя по внутреннему либо внешнему идентификатору.
func (p *Postgres) FindUser(ctx context.Context, userID, tgUserID int64) (domain.User, error) {
	if userID == 0 && tgUserID == 0 {
		return domain.User{}, domain.ErrNotFound
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var u domain.User
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, tg_user_id, lang FROM users
WHERE ($1 <> 0 AND id = $1) OR ($2 <> 0 AND tg_user_id = $2)
LIMIT 1
`, userID, tgUserID).Scan(&u.ID, &u.TGUserID, &u.Lang)
	metrics.ObserveNetworkRequest("postgres", "users_find", "users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrNotFound
	}
	return u, err
}

// ListActiveSubscribers возвращает пользователей с действующей подпиской.
func (p *Postgres) ListActiveSubscribers(ctx context.Context) ([]domain.User, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT DISTINCT u.id, u.tg_user_id, u.lang
FROM users u
JOIN subscriptions s ON s.user_id = u.id
WHERE s.status = 'active'
ORDER BY u.id
`)
	metrics.ObserveNetworkRequest("postgres", "users_list_active", "users", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.TGUserID, &u.Lang); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ExtendSubscription активирует подписку и продлевает её на days дней
// от максимума (сейчас, текущий paid_until).
func (p *Postgres) ExtendSubscription(ctx context.Context, userID int64, plan string, days int) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO subscriptions (user_id, status, plan, paid_until)
VALUES ($1, 'active', $2, now() + make_interval(days => $3))
ON CONFLICT (user_id) DO UPDATE
SET status = 'active',
    plan = EXCLUDED.plan,
    paid_until = GREATEST(subscriptions.paid_until, now()) + make_interval(days => $3)
`, userID, plan, days)
	metrics.ObserveNetworkRequest("postgres", "subscriptions_extend", "subscriptions", start, err)
	return err
}

// ListUserChannelIDs возвращает каналы, на которые подписан пользователь.
func (p *Postgres) ListUserChannelIDs(ctx context.Context, userID int64) ([]int64, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT channel_id FROM user_channels WHERE user_id = $1 ORDER BY channel_id
`, userID)
	metrics.ObserveNetworkRequest("postgres", "user_channels_list", "user_channels", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AttachChannelToUser подписывает пользователя на канал.
func (p *Postgres) AttachChannelToUser(ctx context.Context, userID, channelID int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO user_channels (user_id, channel_id)
VALUES ($1, $2)
ON CONFLICT DO NOTHING
`, userID, channelID)
	metrics.ObserveNetworkRequest("postgres", "user_channels_attach", "user_channels", start, err)
	return err
}

// ListRecentSummaries возвращает материал для дайджеста: суммаризации постов
// указанных каналов не старше since, от новых к старым.
func (p *Postgres) ListRecentSummaries(ctx context.Context, channelIDs []int64, since time.Time, limit int) ([]domain.SummaryItem, error) {
	if len(channelIDs) == 0 {
		return nil, nil
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT p.id, p.channel_id, c.title, s.summary_text, s.created_at
FROM posts p
JOIN summaries s ON s.post_id = p.id
JOIN channels c ON c.id = p.channel_id
WHERE p.channel_id = ANY($1) AND s.created_at >= $2
ORDER BY s.created_at DESC
LIMIT $3
`, channelIDs, since, limit)
	metrics.ObserveNetworkRequest("postgres", "summaries_list_recent", "summaries", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.SummaryItem
	for rows.Next() {
		var item domain.SummaryItem
		if err := rows.Scan(&item.PostID, &item.ChannelID, &item.ChannelTitle, &item.SummaryText, &item.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CreateDigest сохраняет дайджест и его позиции одной транзакцией.
func (p *Postgres) CreateDigest(ctx context.Context, digest domain.Digest) (domain.Digest, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return domain.Digest{}, err
	}
	defer tx.Rollback(ctx)

	start := time.Now()
	err = tx.QueryRow(ctx, `
INSERT INTO digests (user_id, slot)
VALUES ($1, $2)
RETURNING id
`, digest.UserID, digest.Slot).Scan(&digest.ID)
	metrics.ObserveNetworkRequest("postgres", "digests_insert", "digests", start, err)
	if err != nil {
		return domain.Digest{}, err
	}

	batch := &pgx.Batch{}
	for _, item := range digest.Items {
		batch.Queue(`
INSERT INTO digest_items (digest_id, post_id, order_index)
VALUES ($1, $2, $3)
`, digest.ID, item.PostID, item.OrderIndex)
	}
	start = time.Now()
	br := tx.SendBatch(ctx, batch)
	for range digest.Items {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			metrics.ObserveNetworkRequest("postgres", "digest_items_batch", "digest_items", start, err)
			return domain.Digest{}, err
		}
	}
	if err := br.Close(); err != nil {
		metrics.ObserveNetworkRequest("postgres", "digest_items_batch", "digest_items", start, err)
		return domain.Digest{}, err
	}
	metrics.ObserveNetworkRequest("postgres", "digest_items_batch", "digest_items", start, nil)

	if err := tx.Commit(ctx); err != nil {
		return domain.Digest{}, err
	}
	return digest, nil
}

// InsertPaymentIdempotent сохраняет платёж. Повторный вебхук с тем же
// (provider, ext_id) возвращает существующую запись и признак «не новый».
func (p *Postgres) InsertPaymentIdempotent(ctx context.Context, payment domain.Payment) (domain.Payment, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO payments (user_id, provider, ext_id, amount, currency, status, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (provider, ext_id) DO NOTHING
RETURNING id
`, payment.UserID, payment.Provider, payment.ExtID, payment.Amount, payment.Currency, payment.Status, payment.Payload).Scan(&payment.ID)
	if err == nil {
		metrics.ObserveNetworkRequest("postgres", "payments_insert", "payments", start, nil)
		return payment, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		metrics.ObserveNetworkRequest("postgres", "payments_insert", "payments", start, err)
		return domain.Payment{}, false, err
	}

	var existing domain.Payment
	err = p.pool.QueryRow(ctx, `
SELECT id, user_id, provider, ext_id, amount, currency, status, payload
FROM payments WHERE provider = $1 AND ext_id = $2
`, payment.Provider, payment.ExtID).Scan(&existing.ID, &existing.UserID, &existing.Provider,
		&existing.ExtID, &existing.Amount, &existing.Currency, &existing.Status, &existing.Payload)
	metrics.ObserveNetworkRequest("postgres", "payments_select_existing", "payments", start, err)
	if err != nil {
		return domain.Payment{}, false, err
	}
	return existing, false, nil
}

// EnsureTaskRun регистрирует попытку обработки задачи и возвращает признак
// завершённости и номер текущей попытки.
func (p *Postgres) EnsureTaskRun(ctx context.Context, taskID string) (bool, int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var (
		done    bool
		attempt int
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO task_runs (task_id, attempts, done)
VALUES ($1, 1, false)
ON CONFLICT (task_id) DO UPDATE
SET attempts = CASE WHEN task_runs.done THEN task_runs.attempts ELSE task_runs.attempts + 1 END
RETURNING done, attempts
`, taskID).Scan(&done, &attempt)
	metrics.ObserveNetworkRequest("postgres", "task_runs_ensure", "task_runs", start, err)
	return done, attempt, err
}

// MarkTaskDone помечает задачу завершённой.
func (p *Postgres) MarkTaskDone(ctx context.Context, taskID string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE task_runs SET done = true, finished_at = now() WHERE task_id = $1
`, taskID)
	metrics.ObserveNetworkRequest("postgres", "task_runs_done", "task_runs", start, err)
	return err
}

// ListMTProtoAccounts возвращает MTProto-аккаунты указанного пула.
func (p *Postgres) ListMTProtoAccounts(ctx context.Context, pool string) ([]domain.MTProtoAccount, error) {
	if pool == "" {
		pool = "default"
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT name, pool, api_id, api_hash
FROM mtproto_sessions
WHERE pool = $1
ORDER BY name
`, pool)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_list", "mtproto_sessions", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.MTProtoAccount
	for rows.Next() {
		var account domain.MTProtoAccount
		if err := rows.Scan(&account.Name, &account.Pool, &account.APIID, &account.APIHash); err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// loadSession возвращает байты MTProto-сессии по имени.
func (p *Postgres) loadSession(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var data []byte
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT data FROM mtproto_sessions WHERE name = $1`, name).Scan(&data)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_load", "mtproto_sessions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("mtproto session %s: %w", name, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	clone := make([]byte, len(data))
	copy(clone, data)
	return clone, nil
}

// storeSession сохраняет байты MTProto-сессии.
func (p *Postgres) storeSession(ctx context.Context, name string, data []byte) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	tmp := make([]byte, len(data))
	copy(tmp, data)

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE mtproto_sessions SET data = $2, updated_at = now() WHERE name = $1
`, name, tmp)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_store", "mtproto_sessions", start, err)
	return err
}
