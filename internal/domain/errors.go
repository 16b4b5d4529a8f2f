package domain

import "errors"

// Сентинельные ошибки конвейера. Адаптеры приводят ошибки провайдеров к ним,
// чтобы воркеры не зависели от конкретных клиентских библиотек.
var (
	// ErrNotFound — запрошенной записи нет; для воркеров это штатный no-op.
	ErrNotFound = errors.New("запись не найдена")

	// ErrRateLimited — провайдер просит замедлиться (429, троттлинг, таймаут).
	ErrRateLimited = errors.New("провайдер ограничивает запросы")

	// ErrDeliveryForbidden — получатель заблокировал бота; доставка прекращается навсегда.
	ErrDeliveryForbidden = errors.New("доставка запрещена получателем")
)

// FailureKind — классификация ошибки для политики повторов.
type FailureKind int

const (
	// FailureFatal — повтор не имеет смысла.
	FailureFatal FailureKind = iota
	// FailureRetryable — задача возвращается в очередь с бэкоффом.
	FailureRetryable
	// FailureNotFound — данных нет, задача завершена без побочных эффектов.
	FailureNotFound
)

// Classify сводит ошибку к виду отказа. Nil считается фатальным использованием:
// вызывающий обязан проверять ошибку до классификации.
func Classify(err error) FailureKind {
	switch {
	case errors.Is(err, ErrNotFound):
		return FailureNotFound
	case errors.Is(err, ErrRateLimited):
		return FailureRetryable
	default:
		return FailureFatal
	}
}
