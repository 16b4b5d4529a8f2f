package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-channel-digest/internal/domain"
	"tg-channel-digest/internal/infra/backoff"
	"tg-channel-digest/internal/infra/metrics"
	"tg-channel-digest/internal/textutil"
)

// Options настраивает обработку входящих событий.
type Options struct {
	// Transient сообщает, стоит ли повторить запись после ошибки хранилища;
	// nil отключает повторы.
	Transient func(error) bool
	// StorageAttempts — число попыток записи при временных ошибках.
	StorageAttempts int
}

func (o *Options) defaults() {
	if o.Transient == nil {
		o.Transient = func(error) bool { return false }
	}
	if o.StorageAttempts <= 0 {
		o.StorageAttempts = 5
	}
}

// ChannelEvent — одно новое сообщение канала, полученное шардом.
type ChannelEvent struct {
	TGChannelID  int64
	ChannelTitle string
	MsgID        int64
	PublishedAt  time.Time
	Text         string
}

// Service сохраняет входящие сообщения и ставит задачи суммаризации.
// Дедупликация опирается на уникальность (channel_id, msg_id) в БД,
// поэтому повторная доставка апдейта безопасна.
type Service struct {
	log      zerolog.Logger
	channels domain.ChannelRepo
	posts    domain.PostRepo
	queue    domain.SummarizeQueue
	opts     Options
}

// NewService создаёт сервис.
func NewService(log zerolog.Logger, channels domain.ChannelRepo, posts domain.PostRepo, queue domain.SummarizeQueue, opts Options) *Service {
	opts.defaults()
	return &Service{log: log, channels: channels, posts: posts, queue: queue, opts: opts}
}

// HandleMessage обрабатывает событие шарда: нормализует текст, сохраняет пост
// и ставит задачу суммаризации. Пустые после нормализации сообщения и дубли
// отбрасываются молча.
func (s *Service) HandleMessage(ctx context.Context, event ChannelEvent) error {
	if event.TGChannelID == 0 {
		s.log.Debug().Int64("msg", event.MsgID).Msg("ingest: событие без канала, пропуск")
		return nil
	}

	text := textutil.Normalize(event.Text)
	if text == "" {
		s.log.Debug().Int64("channel", event.TGChannelID).Int64("msg", event.MsgID).Msg("ingest: пустой текст после нормализации, пропуск")
		return nil
	}

	publishedAt := event.PublishedAt
	if publishedAt.IsZero() {
		publishedAt = time.Now().UTC()
	}

	var (
		channel domain.Channel
		postID  int64
		isNew   bool
	)
	err := s.withRetry(ctx, "ensure_channel", func() error {
		var err error
		channel, err = s.channels.EnsureChannel(ctx, event.TGChannelID, event.ChannelTitle)
		return err
	})
	if err != nil {
		return fmt.Errorf("ensure channel %d: %w", event.TGChannelID, err)
	}

	post := domain.Post{
		ChannelID:   channel.ID,
		MsgID:       event.MsgID,
		PublishedAt: publishedAt,
		TextHash:    textutil.HashText(text),
		RawText:     text,
	}
	err = s.withRetry(ctx, "upsert_post", func() error {
		var err error
		postID, isNew, err = s.posts.UpsertPost(ctx, post)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert post %d/%d: %w", event.TGChannelID, event.MsgID, err)
	}
	if !isNew {
		metrics.PostsDuplicate.Inc()
		s.log.Debug().Int64("channel", event.TGChannelID).Int64("msg", event.MsgID).Msg("ingest: дубль поста, пропуск")
		return nil
	}
	metrics.PostsIngested.Inc()

	if err := s.channels.AdvanceCursor(ctx, channel.ID, event.MsgID); err != nil {
		// Курсор вспомогательный: пост уже сохранён, ошибку достаточно залогировать.
		s.log.Warn().Err(err).Int64("channel", event.TGChannelID).Msg("ingest: не удалось сдвинуть курсор")
	}

	if err := s.queue.Enqueue(ctx, domain.SummarizeJob{PostID: postID}); err != nil {
		return fmt.Errorf("enqueue summarize %d: %w", postID, err)
	}
	s.log.Info().Int64("channel", event.TGChannelID).Int64("msg", event.MsgID).Int64("post", postID).Msg("ingest: пост сохранён")
	return nil
}

func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= s.opts.StorageAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !s.opts.Transient(lastErr) {
			return lastErr
		}
		if attempt == s.opts.StorageAttempts {
			break
		}
		s.log.Warn().Err(lastErr).Str("op", op).Int("attempt", attempt).Msg("ingest: временная ошибка хранилища, повтор")
		if !backoff.Wait(ctx.Done(), backoff.Default.Next(attempt)) {
			return ctx.Err()
		}
	}
	metrics.IngestDropped.Inc()
	return lastErr
}
