package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition — переход отсутствует в таблице допустимых.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrStatusConflict — CAS по (id, status) не нашёл документ; статус уже изменён.
	ErrStatusConflict = errors.New("status conflict")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrForbidden — у субъекта нет прав на операцию.
	ErrForbidden = errors.New("forbidden")
	// ErrRefundNotAllowedForStatus — возврат можно запросить только для DELIVERED/RETURNED.
	ErrRefundNotAllowedForStatus = errors.New("refund not allowed for status")
	// ErrBadSignature — подпись webhook не совпала.
	ErrBadSignature = errors.New("bad signature")
	// ErrProviderUnavailable — внешний провайдер не ответил или вернул ошибку.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrDuplicateEvent — событие уже обработано (мягкая ошибка).
	ErrDuplicateEvent = errors.New("duplicate event")
	// ErrLockHeld — операционная блокировка занята другим исполнителем (мягкая ошибка).
	ErrLockHeld = errors.New("lock held")
	// ErrPolicyDenied — выбранный способ оплаты запрещён политикой.
	ErrPolicyDenied = errors.New("policy denied")

	// ErrNotFound — общая ошибка отсутствия записи.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKey — нарушение уникального индекса.
	ErrDuplicateKey = errors.New("duplicate key")

	// Ошибка отсутствующего идентификатора заказа.
	ErrOrderIDRequired = errors.New("order_id is required")
	// Ошибка отсутствующего телефона получателя.
	ErrPhoneRequired = errors.New("phone is required")
	// Ошибка неизвестного статуса заказа.
	ErrUnknownStatus = errors.New("unknown order status")
	// Ошибка отрицательной суммы.
	ErrAmountNegative = errors.New("amount must be non-negative")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item qty must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// ErrTTNAlreadySet — накладная уже записана в заказ.
	ErrTTNAlreadySet = errors.New("ttn already set")
	// ErrInvalidArgument — некорректные входные данные запроса.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ProviderError описывает ошибку внешнего провайдера (Fondy, Новая Почта, Telegram).
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Provider, msg)
}

// Unwrap позволяет errors.Is(err, ErrProviderUnavailable).
func (e *ProviderError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrProviderUnavailable, e.Err}
	}
	return []error{ErrProviderUnavailable}
}

// Permanent — 4xx от провайдера: повторять бессмысленно.
func (e *ProviderError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != 408 && e.StatusCode != 429
}

// IsPermanentProviderError проверяет, что в цепочке есть постоянная ошибка провайдера.
func IsPermanentProviderError(err error) bool {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Permanent()
	}
	return false
}

// IsSoft — ошибки, которые вызывающий трактует как успех.
func IsSoft(err error) bool {
	return errors.Is(err, ErrDuplicateEvent) || errors.Is(err, ErrLockHeld)
}

// IsConflict проверяет, является ли ошибка конфликтом статуса.
func IsConflict(err error) bool {
	return errors.Is(err, ErrStatusConflict)
}
