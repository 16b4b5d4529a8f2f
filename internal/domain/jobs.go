package domain

import (
	"context"
	"strconv"
)

// SummarizeJob — задача суммаризации одного поста. Срочные задачи кладутся
// в отдельную именованную очередь, сама задача о приоритете не знает.
type SummarizeJob struct {
	PostID int64 `json:"post_id"`
}

// TaskID возвращает идемпотентный идентификатор задачи в реестре попыток.
func (j SummarizeJob) TaskID() string {
	return "summarize:" + strconv.FormatInt(j.PostID, 10)
}

// DeliveryJob — задача доставки готового дайджеста в чат.
type DeliveryJob struct {
	ID        string `json:"job_id"`
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// AckFunc подтверждает обработку задачи либо возвращает её в очередь.
type AckFunc func(success bool) error

// SummarizeQueue — именованная очередь задач суммаризации.
type SummarizeQueue interface {
	Enqueue(ctx context.Context, job SummarizeJob) error
	Receive(ctx context.Context) (SummarizeJob, AckFunc, error)
}

// DeliveryQueue — именованная очередь задач доставки.
type DeliveryQueue interface {
	Enqueue(ctx context.Context, job DeliveryJob) error
	Receive(ctx context.Context) (DeliveryJob, AckFunc, error)
}
