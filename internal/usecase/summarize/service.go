package summarize

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-channel-digest/internal/domain"
	"tg-channel-digest/internal/infra/metrics"
	"tg-channel-digest/internal/textutil"
)

// TechnicalSummaryText подставляется вместо генерации для коротких постов
// и для пустых ответов модели.
const TechnicalSummaryText = "Короткая заметка, без суммаризации."

// TechnicalModel помечает суммаризации, созданные без обращения к LLM.
const TechnicalModel = "technical"

// Options задаёт пороги суммаризации.
type Options struct {
	// MinTextLen — минимальная длина текста в рунах для вызова LLM.
	MinTextLen int
	// MaxTextLen — жёсткий потолок длины текста, уходящего в промпт.
	MaxTextLen int
	// LLMTimeout ограничивает один вызов генерации.
	LLMTimeout time.Duration
	// Temperature и MaxTokens передаются провайдеру как есть.
	Temperature float64
	MaxTokens   int
}

func (o *Options) defaults() {
	if o.MinTextLen <= 0 {
		o.MinTextLen = 200
	}
	if o.MaxTextLen <= 0 {
		o.MaxTextLen = 8000
	}
	if o.LLMTimeout <= 0 {
		o.LLMTimeout = 45 * time.Second
	}
}

// Service превращает посты в суммаризации. Результат идемпотентен:
// по одному посту хранится не больше одной суммаризации, повтор задачи
// после готовой записи ничего не делает.
type Service struct {
	log       zerolog.Logger
	posts     domain.PostRepo
	summaries domain.SummaryRepo
	llm       domain.LLMClient
	opts      Options
}

// NewService создаёт сервис суммаризации.
func NewService(log zerolog.Logger, posts domain.PostRepo, summaries domain.SummaryRepo, llm domain.LLMClient, opts Options) *Service {
	opts.defaults()
	return &Service{log: log, posts: posts, summaries: summaries, llm: llm, opts: opts}
}

// SummarizePost обрабатывает задачу суммаризации одного поста.
// Отсутствие поста — штатный no-op, ErrRateLimited пробрасывается наверх
// для повторной постановки задачи.
func (s *Service) SummarizePost(ctx context.Context, postID int64) error {
	post, err := s.posts.GetPost(ctx, postID)
	if errors.Is(err, domain.ErrNotFound) {
		s.log.Warn().Int64("post", postID).Msg("summarize: пост не найден, задача завершена")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get post %d: %w", postID, err)
	}

	if _, err := s.summaries.GetSummary(ctx, postID); err == nil {
		s.log.Debug().Int64("post", postID).Msg("summarize: суммаризация уже есть, пропуск")
		return nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("get summary %d: %w", postID, err)
	}

	if len([]rune(post.RawText)) < s.opts.MinTextLen {
		return s.store(ctx, domain.Summary{
			PostID:      postID,
			SummaryText: TechnicalSummaryText,
			Model:       TechnicalModel,
		})
	}

	// Тот же текст в другом посте уже суммаризирован: копируем дословно,
	// не тратя токены.
	if earlierID, err := s.posts.FindEarlierPostByHash(ctx, post.TextHash, postID); err == nil {
		if earlier, err := s.summaries.GetSummary(ctx, earlierID); err == nil {
			metrics.SummaryHashReuse.Inc()
			s.log.Info().Int64("post", postID).Int64("source", earlierID).Msg("summarize: совпадение хэша, суммаризация скопирована")
			return s.store(ctx, domain.Summary{
				PostID:      postID,
				SummaryText: earlier.SummaryText,
				Model:       earlier.Model,
				TokensIn:    earlier.TokensIn,
				TokensOut:   earlier.TokensOut,
				Cost:        earlier.Cost,
			})
		}
	}

	prompt := buildPrompt(post, textutil.ClipRunes(post.RawText, s.opts.MaxTextLen))
	llmCtx, cancel := context.WithTimeout(ctx, s.opts.LLMTimeout)
	defer cancel()

	result, err := s.llm.Generate(llmCtx, domain.LLMRequest{
		Prompt:      prompt,
		Temperature: s.opts.Temperature,
		MaxTokens:   s.opts.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("generate summary %d: %w", postID, err)
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		s.log.Warn().Int64("post", postID).Str("model", result.Model).Msg("summarize: пустой ответ модели, техническая заглушка")
		text = TechnicalSummaryText
	}

	summary := domain.Summary{
		PostID:      postID,
		SummaryText: text,
		Model:       result.Model,
	}
	if result.TokensIn > 0 {
		tokensIn := result.TokensIn
		summary.TokensIn = &tokensIn
	}
	if result.TokensOut > 0 {
		tokensOut := result.TokensOut
		summary.TokensOut = &tokensOut
	}
	return s.store(ctx, summary)
}

func (s *Service) store(ctx context.Context, summary domain.Summary) error {
	if err := s.summaries.UpsertSummary(ctx, summary); err != nil {
		return fmt.Errorf("store summary %d: %w", summary.PostID, err)
	}
	metrics.SummariesStored.WithLabelValues(summary.Model).Inc()
	return nil
}

func buildPrompt(post domain.Post, text string) string {
	var b strings.Builder
	b.WriteString("Суммаризируй пост Telegram-канала в 1-2 предложения на русском языке.\n")
	b.WriteString("Сохрани ключевые факты и цифры, убери воду и эмодзи.\n\n")
	b.WriteString("Канал: ")
	b.WriteString(strconv.FormatInt(post.ChannelID, 10))
	b.WriteString("\nОпубликовано: ")
	b.WriteString(post.PublishedAt.UTC().Format(time.RFC3339))
	b.WriteString("\n\nТекст поста:\n")
	b.WriteString(text)
	return b.String()
}
