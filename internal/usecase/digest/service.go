package digest

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-channel-digest/internal/domain"
	"tg-channel-digest/internal/infra/metrics"
)

// Options задаёт параметры построения дайджестов.
type Options struct {
	// Lookback — глубина выборки суммаризаций.
	Lookback time.Duration
	// MaxItems ограничивает число строк выборки из БД на пользователя.
	MaxItems int
	// MaxLines ограничивает число строк в тексте дайджеста.
	MaxLines int
	// SlotPeriod определяет границы слота: два запуска внутри одного
	// периода строят один и тот же слот.
	SlotPeriod time.Duration
}

func (o *Options) defaults() {
	if o.Lookback <= 0 {
		o.Lookback = 12 * time.Hour
	}
	if o.MaxItems <= 0 {
		o.MaxItems = 100
	}
	if o.MaxLines <= 0 {
		o.MaxLines = 10
	}
	if o.SlotPeriod <= 0 {
		o.SlotPeriod = 30 * time.Minute
	}
}

// RunStats — сводка одного прогона планировщика.
type RunStats struct {
	Subscribers int
	Created     int
	Skipped     int
}

// Service строит дайджесты для активных подписчиков и ставит задачи доставки.
// Повтор слота для пользователя блокируется через cache.Once: упавший прогон
// не дублирует дайджесты, построенные параллельным инстансом.
type Service struct {
	log          zerolog.Logger
	users        domain.UserRepo
	userChannels domain.UserChannelRepo
	digests      domain.DigestRepo
	queue        domain.DeliveryQueue
	cache        domain.Cache
	opts         Options
}

// NewService создаёт планировщик дайджестов.
func NewService(log zerolog.Logger, users domain.UserRepo, userChannels domain.UserChannelRepo, digests domain.DigestRepo, queue domain.DeliveryQueue, cache domain.Cache, opts Options) *Service {
	opts.defaults()
	return &Service{log: log, users: users, userChannels: userChannels, digests: digests, queue: queue, cache: cache, opts: opts}
}

// Run строит дайджесты за слот, содержащий момент now.
// Ошибки по отдельным пользователям не прерывают прогон.
func (s *Service) Run(ctx context.Context, now time.Time) (RunStats, error) {
	metrics.SchedulerRuns.Inc()

	slot := now.UTC().Truncate(s.opts.SlotPeriod).Format(time.RFC3339)
	since := now.UTC().Add(-s.opts.Lookback)

	users, err := s.users.ListActiveSubscribers(ctx)
	if err != nil {
		return RunStats{}, fmt.Errorf("list subscribers: %w", err)
	}

	stats := RunStats{Subscribers: len(users)}
	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		created, err := s.buildForUser(ctx, user, slot, since)
		if err != nil {
			s.log.Error().Err(err).Int64("user", user.ID).Str("slot", slot).Msg("scheduler: не удалось построить дайджест")
			continue
		}
		if created {
			stats.Created++
		} else {
			stats.Skipped++
		}
	}
	s.log.Info().Str("slot", slot).Int("subscribers", stats.Subscribers).Int("created", stats.Created).Int("skipped", stats.Skipped).Msg("scheduler: прогон завершён")
	return stats, nil
}

func (s *Service) buildForUser(ctx context.Context, user domain.User, slot string, since time.Time) (bool, error) {
	channelIDs, err := s.userChannels.ListUserChannelIDs(ctx, user.ID)
	if err != nil {
		return false, fmt.Errorf("list user channels: %w", err)
	}
	if len(channelIDs) == 0 {
		metrics.UsersSkipped.Inc()
		return false, nil
	}

	items, err := s.digests.ListRecentSummaries(ctx, channelIDs, since, s.opts.MaxItems)
	if err != nil {
		return false, fmt.Errorf("list summaries: %w", err)
	}
	if len(items) == 0 {
		metrics.UsersSkipped.Inc()
		return false, nil
	}

	text, used := FormatDigest(items, s.opts.MaxLines)
	if text == "" {
		metrics.UsersSkipped.Inc()
		s.log.Debug().Int64("user", user.ID).Msg("scheduler: все суммаризации пустые, пропуск")
		return false, nil
	}

	created := false
	guardKey := "digest:slot:" + slot + ":" + strconv.FormatInt(user.ID, 10)
	err = s.cache.Once(ctx, guardKey, s.opts.SlotPeriod*2, func() error {
		saved, err := s.digests.CreateDigest(ctx, domain.Digest{UserID: user.ID, Slot: slot, Items: used})
		if err != nil {
			return fmt.Errorf("create digest: %w", err)
		}
		job := domain.DeliveryJob{
			ID:     uuid.NewString(),
			ChatID: user.TGUserID,
			Text:   text,
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("enqueue delivery %d: %w", saved.ID, err)
		}
		metrics.DigestsCreated.Inc()
		s.log.Info().Int64("user", user.ID).Int64("digest", saved.ID).Int("items", len(used)).Msg("scheduler: дайджест поставлен в доставку")
		created = true
		return nil
	})
	return created, err
}
