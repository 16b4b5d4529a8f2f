package mtproto

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"

	"tg-channel-digest/internal/domain"
	"tg-channel-digest/internal/infra/backoff"
	"tg-channel-digest/internal/infra/metrics"
	"tg-channel-digest/internal/usecase/ingest"
)

// floodWaitExtra добавляется к паузе, запрошенной Telegram.
const floodWaitExtra = 5 * time.Second

// MessageHandler принимает новые сообщения каналов.
type MessageHandler interface {
	HandleMessage(ctx context.Context, event ingest.ChannelEvent) error
}

// Shard держит одно MTProto-соединение и слушает назначенные ему каналы.
// Сессия должна быть авторизована заранее, интерактивного логина нет.
type Shard struct {
	log     zerolog.Logger
	account domain.MTProtoAccount
	storage session.Storage
	handler MessageHandler
	allowed map[int64]struct{}
}

// NewShard создаёт шард для аккаунта account, слушающий каналы channelIDs
// (внешние идентификаторы Telegram).
func NewShard(log zerolog.Logger, account domain.MTProtoAccount, storage session.Storage, handler MessageHandler, channelIDs []int64) *Shard {
	allowed := make(map[int64]struct{}, len(channelIDs))
	for _, id := range channelIDs {
		allowed[id] = struct{}{}
	}
	return &Shard{
		log:     log.With().Str("session", account.Name).Logger(),
		account: account,
		storage: storage,
		handler: handler,
		allowed: allowed,
	}
}

// Run держит соединение до отмены контекста, переподключаясь после обрывов
// с экспоненциальным бэкоффом. Flood wait пережидается с запасом.
func (s *Shard) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.runOnce(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return ctx.Err()
		}
		attempt++
		metrics.ShardReconnects.WithLabelValues(s.account.Name).Inc()

		pause := backoff.Reconnect.Next(attempt)
		if wait, ok := tgerr.AsFloodWait(err); ok {
			metrics.ShardFloodWaits.WithLabelValues(s.account.Name).Inc()
			pause = wait + floodWaitExtra
		}
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("pause", pause).Msg("shard: соединение потеряно, переподключение")
		if !backoff.Wait(ctx.Done(), pause) {
			return ctx.Err()
		}
	}
}

func (s *Shard) runOnce(ctx context.Context) error {
	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewChannelMessage(s.onChannelMessage)

	client := telegram.NewClient(s.account.APIID, s.account.APIHash, telegram.Options{
		SessionStorage: s.storage,
		UpdateHandler:  dispatcher,
	})

	return client.Run(ctx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("auth status: %w", err)
		}
		if !status.Authorized {
			return fmt.Errorf("сессия %s не авторизована", s.account.Name)
		}
		s.log.Info().Int("channels", len(s.allowed)).Msg("shard: подключён, слушаем апдейты")
		<-ctx.Done()
		return ctx.Err()
	})
}

func (s *Shard) onChannelMessage(ctx context.Context, e tg.Entities, update *tg.UpdateNewChannelMessage) error {
	msg, ok := update.Message.(*tg.Message)
	if !ok {
		return nil
	}
	peer, ok := msg.PeerID.(*tg.PeerChannel)
	if !ok {
		return nil
	}
	if _, ok := s.allowed[peer.ChannelID]; !ok {
		return nil
	}

	title := ""
	if channel, ok := e.Channels[peer.ChannelID]; ok {
		title = channel.Title
	}

	event := ingest.ChannelEvent{
		TGChannelID:  peer.ChannelID,
		ChannelTitle: title,
		MsgID:        int64(msg.ID),
		PublishedAt:  time.Unix(int64(msg.Date), 0).UTC(),
		Text:         msg.Message,
	}
	if err := s.handler.HandleMessage(ctx, event); err != nil {
		// Ошибка одного сообщения не должна ронять соединение.
		s.log.Error().Err(err).Int64("channel", peer.ChannelID).Int("msg", msg.ID).Msg("shard: сообщение не обработано")
	}
	return nil
}
