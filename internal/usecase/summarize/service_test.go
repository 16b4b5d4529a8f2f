package summarize

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-channel-digest/internal/domain"
	"tg-channel-digest/internal/infra/openai"
	"tg-channel-digest/internal/textutil"
)

type stubPostRepo struct {
	posts  map[int64]domain.Post
	byHash map[string]int64
}

func newStubPostRepo(posts ...domain.Post) *stubPostRepo {
	r := &stubPostRepo{posts: map[int64]domain.Post{}, byHash: map[string]int64{}}
	for _, p := range posts {
		r.posts[p.ID] = p
		if _, ok := r.byHash[p.TextHash]; !ok {
			r.byHash[p.TextHash] = p.ID
		}
	}
	return r
}

func (r *stubPostRepo) UpsertPost(context.Context, domain.Post) (int64, bool, error) {
	return 0, false, errors.New("не используется")
}

func (r *stubPostRepo) GetPost(_ context.Context, postID int64) (domain.Post, error) {
	post, ok := r.posts[postID]
	if !ok {
		return domain.Post{}, domain.ErrNotFound
	}
	return post, nil
}

func (r *stubPostRepo) FindEarlierPostByHash(_ context.Context, textHash string, excludePostID int64) (int64, error) {
	id, ok := r.byHash[textHash]
	if !ok || id == excludePostID {
		return 0, domain.ErrNotFound
	}
	return id, nil
}

type stubSummaryRepo struct {
	summaries map[int64]domain.Summary
}

func newStubSummaryRepo() *stubSummaryRepo {
	return &stubSummaryRepo{summaries: map[int64]domain.Summary{}}
}

func (r *stubSummaryRepo) GetSummary(_ context.Context, postID int64) (domain.Summary, error) {
	s, ok := r.summaries[postID]
	if !ok {
		return domain.Summary{}, domain.ErrNotFound
	}
	return s, nil
}

func (r *stubSummaryRepo) UpsertSummary(_ context.Context, summary domain.Summary) error {
	r.summaries[summary.PostID] = summary
	return nil
}

type stubLLM struct {
	result domain.LLMResult
	err    error
	calls  int
}

func (l *stubLLM) Generate(context.Context, domain.LLMRequest) (domain.LLMResult, error) {
	l.calls++
	if l.err != nil {
		return domain.LLMResult{}, l.err
	}
	return l.result, nil
}

func post(id int64, text string) domain.Post {
	return domain.Post{
		ID:          id,
		ChannelID:   1,
		MsgID:       id,
		PublishedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		TextHash:    textutil.HashText(text),
		RawText:     text,
	}
}

func TestSummarizeShortPostTechnical(t *testing.T) {
	posts := newStubPostRepo(post(1, "Короткий анонс"))
	summaries := newStubSummaryRepo()
	llm := &stubLLM{}
	svc := NewService(zerolog.Nop(), posts, summaries, llm, Options{})

	if err := svc.SummarizePost(context.Background(), 1); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	got := summaries.summaries[1]
	if got.SummaryText != TechnicalSummaryText {
		t.Fatalf("ожидали техническую заглушку, получили %q", got.SummaryText)
	}
	if got.Model != TechnicalModel {
		t.Fatalf("ожидали модель %q, получили %q", TechnicalModel, got.Model)
	}
	if got.TokensIn != nil || got.TokensOut != nil {
		t.Fatalf("токены технической суммаризации не заполняются")
	}
	if llm.calls != 0 {
		t.Fatalf("короткий пост не должен вызывать LLM")
	}
}

func TestSummarizeMissingPostIsNoop(t *testing.T) {
	svc := NewService(zerolog.Nop(), newStubPostRepo(), newStubSummaryRepo(), &stubLLM{}, Options{})
	if err := svc.SummarizePost(context.Background(), 99); err != nil {
		t.Fatalf("отсутствие поста должно завершать задачу без ошибки: %v", err)
	}
}

func TestSummarizeExistingSummarySkipped(t *testing.T) {
	longText := strings.Repeat("содержательный текст ", 20)
	posts := newStubPostRepo(post(1, longText))
	summaries := newStubSummaryRepo()
	summaries.summaries[1] = domain.Summary{PostID: 1, SummaryText: "готово", Model: "gpt"}
	llm := &stubLLM{}
	svc := NewService(zerolog.Nop(), posts, summaries, llm, Options{})

	if err := svc.SummarizePost(context.Background(), 1); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if llm.calls != 0 {
		t.Fatalf("повтор задачи не должен вызывать LLM")
	}
	if summaries.summaries[1].SummaryText != "готово" {
		t.Fatalf("существующая суммаризация не должна перезаписываться")
	}
}

func TestSummarizeHashReuseCopiesVerbatim(t *testing.T) {
	longText := strings.Repeat("одинаковый репост ", 20)
	first := post(1, longText)
	second := post(2, longText)
	posts := newStubPostRepo(first, second)
	summaries := newStubSummaryRepo()
	tokensIn, tokensOut := 120, 40
	cost := 0.0042
	summaries.summaries[1] = domain.Summary{
		PostID:      1,
		SummaryText: "Суммаризация оригинала",
		Model:       "gpt-4o-mini",
		TokensIn:    &tokensIn,
		TokensOut:   &tokensOut,
		Cost:        &cost,
	}
	llm := &stubLLM{}
	svc := NewService(zerolog.Nop(), posts, summaries, llm, Options{})

	if err := svc.SummarizePost(context.Background(), 2); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if llm.calls != 0 {
		t.Fatalf("совпадение хэша не должно вызывать LLM")
	}
	got := summaries.summaries[2]
	if got.SummaryText != "Суммаризация оригинала" || got.Model != "gpt-4o-mini" {
		t.Fatalf("суммаризация должна копироваться дословно: %+v", got)
	}
	if got.TokensIn == nil || *got.TokensIn != 120 || got.TokensOut == nil || *got.TokensOut != 40 {
		t.Fatalf("токены должны копироваться вместе с текстом: %+v", got)
	}
	if got.Cost == nil || *got.Cost != 0.0042 {
		t.Fatalf("стоимость должна копироваться вместе с текстом: %+v", got)
	}
}

func TestSummarizeLLMFlow(t *testing.T) {
	longText := strings.Repeat("новость о запуске ", 20)
	posts := newStubPostRepo(post(1, longText))
	summaries := newStubSummaryRepo()
	llm := &stubLLM{result: domain.LLMResult{Text: "  Краткая суммаризация.  ", Model: "gpt-4o-mini", TokensIn: 300, TokensOut: 25}}
	svc := NewService(zerolog.Nop(), posts, summaries, llm, Options{})

	if err := svc.SummarizePost(context.Background(), 1); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	got := summaries.summaries[1]
	if got.SummaryText != "Краткая суммаризация." {
		t.Fatalf("текст должен быть обрезан по пробелам: %q", got.SummaryText)
	}
	if got.TokensIn == nil || *got.TokensIn != 300 || got.TokensOut == nil || *got.TokensOut != 25 {
		t.Fatalf("токены должны сохраняться: %+v", got)
	}
	if got.Cost != nil {
		t.Fatalf("стоимость не рассчитывается")
	}
}

func TestSummarizeEmptyLLMAnswerFallsBack(t *testing.T) {
	longText := strings.Repeat("новость о запуске ", 20)
	posts := newStubPostRepo(post(1, longText))
	summaries := newStubSummaryRepo()
	llm := &stubLLM{result: domain.LLMResult{Text: "   ", Model: "gpt-4o-mini"}}
	svc := NewService(zerolog.Nop(), posts, summaries, llm, Options{})

	if err := svc.SummarizePost(context.Background(), 1); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if summaries.summaries[1].SummaryText != TechnicalSummaryText {
		t.Fatalf("пустой ответ модели должен давать техническую заглушку")
	}
}

func TestSummarizeRateLimitIsRetryable(t *testing.T) {
	longText := strings.Repeat("новость о запуске ", 20)
	posts := newStubPostRepo(post(1, longText))
	summaries := newStubSummaryRepo()
	llm := &stubLLM{err: domain.ErrRateLimited}
	svc := NewService(zerolog.Nop(), posts, summaries, llm, Options{})

	err := svc.SummarizePost(context.Background(), 1)
	if err == nil {
		t.Fatalf("ожидали ошибку")
	}
	if domain.Classify(err) != domain.FailureRetryable {
		t.Fatalf("ограничение провайдера должно классифицироваться как повторяемое: %v", err)
	}
	if len(summaries.summaries) != 0 {
		t.Fatalf("при ошибке генерации суммаризация не сохраняется")
	}
}

func TestSummarizeWithMockClient(t *testing.T) {
	longText := strings.Repeat("новость о запуске ", 20)
	posts := newStubPostRepo(post(1, longText))
	summaries := newStubSummaryRepo()
	svc := NewService(zerolog.Nop(), posts, summaries, openai.NewMock(""), Options{})

	if err := svc.SummarizePost(context.Background(), 1); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	got := summaries.summaries[1]
	if !strings.HasPrefix(got.SummaryText, "⚡ Mock Digest") {
		t.Fatalf("ожидали детерминированный мок-ответ, получили %q", got.SummaryText)
	}
}
