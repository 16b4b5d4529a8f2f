package digest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-channel-digest/internal/domain"
)

type stubUserRepo struct {
	users []domain.User
}

func (r *stubUserRepo) UpsertByTGID(context.Context, int64, string) (domain.User, error) {
	return domain.User{}, errors.New("не используется")
}

func (r *stubUserRepo) FindUser(context.Context, int64, int64) (domain.User, error) {
	return domain.User{}, domain.ErrNotFound
}

func (r *stubUserRepo) ListActiveSubscribers(context.Context) ([]domain.User, error) {
	return r.users, nil
}

func (r *stubUserRepo) ExtendSubscription(context.Context, int64, string, int) error {
	return errors.New("не используется")
}

type stubUserChannelRepo struct {
	byUser map[int64][]int64
}

func (r *stubUserChannelRepo) ListUserChannelIDs(_ context.Context, userID int64) ([]int64, error) {
	return r.byUser[userID], nil
}

func (r *stubUserChannelRepo) AttachChannelToUser(context.Context, int64, int64) error {
	return nil
}

type stubDigestRepo struct {
	items   []domain.SummaryItem
	created []domain.Digest
	nextID  int64
}

func (r *stubDigestRepo) ListRecentSummaries(_ context.Context, channelIDs []int64, since time.Time, limit int) ([]domain.SummaryItem, error) {
	allowed := make(map[int64]struct{}, len(channelIDs))
	for _, id := range channelIDs {
		allowed[id] = struct{}{}
	}
	var out []domain.SummaryItem
	for _, item := range r.items {
		if _, ok := allowed[item.ChannelID]; !ok {
			continue
		}
		if item.CreatedAt.Before(since) {
			continue
		}
		if len(out) >= limit {
			break
		}
		out = append(out, item)
	}
	return out, nil
}

func (r *stubDigestRepo) CreateDigest(_ context.Context, digest domain.Digest) (domain.Digest, error) {
	r.nextID++
	digest.ID = r.nextID
	r.created = append(r.created, digest)
	return digest, nil
}

type stubDeliveryQueue struct {
	jobs []domain.DeliveryJob
}

func (q *stubDeliveryQueue) Enqueue(_ context.Context, job domain.DeliveryJob) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *stubDeliveryQueue) Receive(context.Context) (domain.DeliveryJob, domain.AckFunc, error) {
	return domain.DeliveryJob{}, nil, errors.New("не используется")
}

// memCache повторяет семантику Redis SETNX: захват ключа единожды,
// снятие при ошибке функции.
type memCache struct {
	keys map[string]struct{}
}

func newMemCache() *memCache {
	return &memCache{keys: map[string]struct{}{}}
}

func (c *memCache) Once(_ context.Context, key string, _ time.Duration, fn func() error) error {
	if _, ok := c.keys[key]; ok {
		return nil
	}
	c.keys[key] = struct{}{}
	if err := fn(); err != nil {
		delete(c.keys, key)
		return err
	}
	return nil
}

func (c *memCache) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (c *memCache) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("не найдено")
}

func newService(users *stubUserRepo, channels *stubUserChannelRepo, digests *stubDigestRepo, queue *stubDeliveryQueue, cache domain.Cache) *Service {
	return NewService(zerolog.Nop(), users, channels, digests, queue, cache, Options{})
}

func TestRunBuildsDigestForSubscriber(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 10, 0, 0, time.UTC)
	users := &stubUserRepo{users: []domain.User{{ID: 1, TGUserID: 500}}}
	channels := &stubUserChannelRepo{byUser: map[int64][]int64{1: {7}}}
	digests := &stubDigestRepo{items: []domain.SummaryItem{{
		PostID:       11,
		ChannelID:    7,
		ChannelTitle: "Тестовый канал",
		SummaryText:  "Короткая заметка, без суммаризации.",
		CreatedAt:    now.Add(-time.Hour),
	}}}
	queue := &stubDeliveryQueue{}
	svc := newService(users, channels, digests, queue, newMemCache())

	stats, err := svc.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if stats.Created != 1 || stats.Skipped != 0 {
		t.Fatalf("неожиданная сводка: %+v", stats)
	}
	if len(digests.created) != 1 {
		t.Fatalf("ожидали один дайджест, получили %d", len(digests.created))
	}
	if len(queue.jobs) != 1 {
		t.Fatalf("ожидали одну задачу доставки, получили %d", len(queue.jobs))
	}
	job := queue.jobs[0]
	if job.ChatID != 500 {
		t.Fatalf("доставка должна идти во внешний чат пользователя, получили %d", job.ChatID)
	}
	if !strings.Contains(job.Text, "• Тестовый канал: Короткая заметка, без суммаризации.") {
		t.Fatalf("неожиданный текст дайджеста: %q", job.Text)
	}
	if job.ID == "" {
		t.Fatalf("задача доставки должна иметь идентификатор")
	}
}

func TestRunSkipsUserWithoutSummaries(t *testing.T) {
	now := time.Now().UTC()
	users := &stubUserRepo{users: []domain.User{{ID: 1, TGUserID: 500}}}
	channels := &stubUserChannelRepo{byUser: map[int64][]int64{1: {7}}}
	digests := &stubDigestRepo{}
	queue := &stubDeliveryQueue{}
	svc := newService(users, channels, digests, queue, newMemCache())

	stats, err := svc.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if stats.Skipped != 1 || stats.Created != 0 {
		t.Fatalf("пользователь без материала должен пропускаться: %+v", stats)
	}
	if len(digests.created) != 0 || len(queue.jobs) != 0 {
		t.Fatalf("без материала не должно быть ни дайджеста, ни доставки")
	}
}

func TestRunSkipsUserWithoutChannels(t *testing.T) {
	now := time.Now().UTC()
	users := &stubUserRepo{users: []domain.User{{ID: 1, TGUserID: 500}}}
	channels := &stubUserChannelRepo{byUser: map[int64][]int64{}}
	digests := &stubDigestRepo{items: []domain.SummaryItem{{PostID: 1, ChannelID: 7, SummaryText: "текст", CreatedAt: now}}}
	queue := &stubDeliveryQueue{}
	svc := newService(users, channels, digests, queue, newMemCache())

	stats, err := svc.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if stats.Skipped != 1 {
		t.Fatalf("пользователь без каналов должен пропускаться: %+v", stats)
	}
}

func TestRunSameSlotBuildsOnce(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 10, 0, 0, time.UTC)
	users := &stubUserRepo{users: []domain.User{{ID: 1, TGUserID: 500}}}
	channels := &stubUserChannelRepo{byUser: map[int64][]int64{1: {7}}}
	digests := &stubDigestRepo{items: []domain.SummaryItem{{
		PostID: 11, ChannelID: 7, ChannelTitle: "Канал", SummaryText: "текст", CreatedAt: now.Add(-time.Hour),
	}}}
	queue := &stubDeliveryQueue{}
	cache := newMemCache()
	svc := newService(users, channels, digests, queue, cache)

	if _, err := svc.Run(context.Background(), now); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	// Повторный прогон внутри того же слота: ключ уже захвачен.
	if _, err := svc.Run(context.Background(), now.Add(5*time.Minute)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(digests.created) != 1 || len(queue.jobs) != 1 {
		t.Fatalf("один слот должен давать один дайджест: created=%d jobs=%d", len(digests.created), len(queue.jobs))
	}
}

func TestRunEmptySummariesSkipFormatting(t *testing.T) {
	now := time.Now().UTC()
	users := &stubUserRepo{users: []domain.User{{ID: 1, TGUserID: 500}}}
	channels := &stubUserChannelRepo{byUser: map[int64][]int64{1: {7}}}
	digests := &stubDigestRepo{items: []domain.SummaryItem{{
		PostID: 11, ChannelID: 7, SummaryText: "   ", CreatedAt: now.Add(-time.Minute),
	}}}
	queue := &stubDeliveryQueue{}
	svc := newService(users, channels, digests, queue, newMemCache())

	stats, err := svc.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if stats.Created != 0 || len(digests.created) != 0 {
		t.Fatalf("пустое форматирование не должно создавать дайджест")
	}
}
