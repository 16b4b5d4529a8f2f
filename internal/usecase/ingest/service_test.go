package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-channel-digest/internal/domain"
)

type stubChannelRepo struct {
	channels map[int64]domain.Channel
	nextID   int64
	cursor   map[int64]int64
}

func newStubChannelRepo() *stubChannelRepo {
	return &stubChannelRepo{channels: map[int64]domain.Channel{}, cursor: map[int64]int64{}}
}

func (r *stubChannelRepo) EnsureChannel(_ context.Context, tgChannelID int64, title string) (domain.Channel, error) {
	if ch, ok := r.channels[tgChannelID]; ok {
		if title != "" {
			ch.Title = title
			r.channels[tgChannelID] = ch
		}
		return ch, nil
	}
	r.nextID++
	ch := domain.Channel{ID: r.nextID, TGChannelID: tgChannelID, Title: title, Status: domain.ChannelActive}
	r.channels[tgChannelID] = ch
	return ch, nil
}

func (r *stubChannelRepo) ListActiveChannelIDs(context.Context) ([]int64, error) { return nil, nil }

func (r *stubChannelRepo) AdvanceCursor(_ context.Context, channelID, msgID int64) error {
	if msgID > r.cursor[channelID] {
		r.cursor[channelID] = msgID
	}
	return nil
}

type stubPostRepo struct {
	posts  map[[2]int64]int64
	nextID int64
	fails  int
}

func newStubPostRepo() *stubPostRepo {
	return &stubPostRepo{posts: map[[2]int64]int64{}}
}

func (r *stubPostRepo) UpsertPost(_ context.Context, post domain.Post) (int64, bool, error) {
	if r.fails > 0 {
		r.fails--
		return 0, false, errors.New("соединение прервано")
	}
	key := [2]int64{post.ChannelID, post.MsgID}
	if id, ok := r.posts[key]; ok {
		return id, false, nil
	}
	r.nextID++
	r.posts[key] = r.nextID
	return r.nextID, true, nil
}

func (r *stubPostRepo) GetPost(context.Context, int64) (domain.Post, error) {
	return domain.Post{}, domain.ErrNotFound
}

func (r *stubPostRepo) FindEarlierPostByHash(context.Context, string, int64) (int64, error) {
	return 0, domain.ErrNotFound
}

type stubSummarizeQueue struct {
	jobs []domain.SummarizeJob
}

func (q *stubSummarizeQueue) Enqueue(_ context.Context, job domain.SummarizeJob) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *stubSummarizeQueue) Receive(context.Context) (domain.SummarizeJob, domain.AckFunc, error) {
	return domain.SummarizeJob{}, nil, errors.New("не используется")
}

func event(text string) ChannelEvent {
	return ChannelEvent{
		TGChannelID:  1001,
		ChannelTitle: "Тестовый канал",
		MsgID:        42,
		PublishedAt:  time.Now().UTC(),
		Text:         text,
	}
}

func TestHandleMessageStoresAndEnqueues(t *testing.T) {
	channels := newStubChannelRepo()
	posts := newStubPostRepo()
	queue := &stubSummarizeQueue{}
	svc := NewService(zerolog.Nop(), channels, posts, queue, Options{})

	if err := svc.HandleMessage(context.Background(), event("Тестовый пост")); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(queue.jobs) != 1 {
		t.Fatalf("ожидали одну задачу суммаризации, получили %d", len(queue.jobs))
	}
	if channels.cursor[1] != 42 {
		t.Fatalf("курсор должен сдвинуться до 42, получили %d", channels.cursor[1])
	}
}

func TestHandleMessageDuplicateEnqueuesOnce(t *testing.T) {
	channels := newStubChannelRepo()
	posts := newStubPostRepo()
	queue := &stubSummarizeQueue{}
	svc := NewService(zerolog.Nop(), channels, posts, queue, Options{})

	if err := svc.HandleMessage(context.Background(), event("Тестовый пост")); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := svc.HandleMessage(context.Background(), event("Тестовый пост")); err != nil {
		t.Fatalf("повторная доставка не должна падать: %v", err)
	}
	if len(queue.jobs) != 1 {
		t.Fatalf("дубль не должен порождать вторую задачу, получили %d", len(queue.jobs))
	}
}

func TestHandleMessageEmptyTextDropped(t *testing.T) {
	channels := newStubChannelRepo()
	posts := newStubPostRepo()
	queue := &stubSummarizeQueue{}
	svc := NewService(zerolog.Nop(), channels, posts, queue, Options{})

	if err := svc.HandleMessage(context.Background(), event(" \u200b \ufeff ")); err != nil {
		t.Fatalf("пустой текст не должен давать ошибку: %v", err)
	}
	if len(queue.jobs) != 0 {
		t.Fatalf("пустой текст не должен порождать задачи")
	}
	if len(posts.posts) != 0 {
		t.Fatalf("пустой текст не должен сохраняться")
	}
}

func TestHandleMessageRetriesTransientStorage(t *testing.T) {
	channels := newStubChannelRepo()
	posts := newStubPostRepo()
	posts.fails = 2
	queue := &stubSummarizeQueue{}
	transient := func(err error) bool { return err != nil }
	svc := NewService(zerolog.Nop(), channels, posts, queue, Options{Transient: transient})

	if err := svc.HandleMessage(context.Background(), event("Тестовый пост")); err != nil {
		t.Fatalf("временные ошибки должны перекрываться повторами: %v", err)
	}
	if len(queue.jobs) != 1 {
		t.Fatalf("после повторов ожидали одну задачу, получили %d", len(queue.jobs))
	}
}

func TestHandleMessageRespectsStorageAttempts(t *testing.T) {
	channels := newStubChannelRepo()
	posts := newStubPostRepo()
	posts.fails = 3
	queue := &stubSummarizeQueue{}
	transient := func(err error) bool { return err != nil }
	svc := NewService(zerolog.Nop(), channels, posts, queue, Options{Transient: transient, StorageAttempts: 2})

	if err := svc.HandleMessage(context.Background(), event("Тестовый пост")); err == nil {
		t.Fatalf("после исчерпания попыток ожидали ошибку")
	}
	if len(queue.jobs) != 0 {
		t.Fatalf("событие без записи не должно порождать задачи")
	}
}
