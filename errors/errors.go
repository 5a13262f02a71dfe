package errors

import (
	"errors"
	"fmt"
)

// Base error types
var (
	ErrNotEligible          = errors.New("not eligible")
	ErrNoCapacity           = errors.New("no servers available")
	ErrAuthorityUnavailable = errors.New("credential authority unavailable")
	ErrAlreadyClaimed       = errors.New("reward already claimed")
	ErrNotFound             = errors.New("not found")
	ErrBusy                 = errors.New("another request is in progress")
)

// Kind is the category of a lifecycle failure.
type Kind string

const (
	KindNotEligible          Kind = "not_eligible"
	KindNoCapacity           Kind = "no_capacity"
	KindAuthorityUnavailable Kind = "authority_unavailable"
	KindAlreadyClaimed       Kind = "already_claimed"
	KindNotFound             Kind = "not_found"
	KindBusy                 Kind = "busy"
)

var sentinelByKind = map[Kind]error{
	KindNotEligible:          ErrNotEligible,
	KindNoCapacity:           ErrNoCapacity,
	KindAuthorityUnavailable: ErrAuthorityUnavailable,
	KindAlreadyClaimed:       ErrAlreadyClaimed,
	KindNotFound:             ErrNotFound,
	KindBusy:                 ErrBusy,
}

// LifecycleError is the structured error returned by every core operation.
type LifecycleError struct {
	Kind         Kind
	Op           string // e.g. "issue", "extend", "credit_pending"
	SubscriberID string
	Err          error
}

func (e *LifecycleError) Error() string {
	msg := string(e.Kind)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.SubscriberID != "" {
		return fmt.Sprintf("%s failed for subscriber %s: %s", e.Op, e.SubscriberID, msg)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, msg)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *LifecycleError) Is(target error) bool {
	if target == nil {
		return false
	}
	if sentinel, ok := sentinelByKind[e.Kind]; ok && sentinel == target {
		return true
	}
	return errors.Is(e.Err, target)
}

// New creates a LifecycleError of the given kind.
func New(kind Kind, op, subscriberID string, err error) *LifecycleError {
	if err == nil {
		err = sentinelByKind[kind]
	}
	return &LifecycleError{Kind: kind, Op: op, SubscriberID: subscriberID, Err: err}
}

func NotEligible(op, subscriberID, reason string) error {
	return New(KindNotEligible, op, subscriberID, fmt.Errorf("%w: %s", ErrNotEligible, reason))
}

func NotFound(op, subscriberID, what string) error {
	return New(KindNotFound, op, subscriberID, fmt.Errorf("%s %w", what, ErrNotFound))
}

func AuthorityUnavailable(op, subscriberID string, cause error) error {
	return New(KindAuthorityUnavailable, op, subscriberID, fmt.Errorf("%w: %w", ErrAuthorityUnavailable, cause))
}

// KindOf returns the lifecycle kind of err, or "" for foreign errors.
func KindOf(err error) Kind {
	var le *LifecycleError
	if errors.As(err, &le) {
		return le.Kind
	}
	for kind, sentinel := range sentinelByKind {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}

// IsRetryable reports whether the caller may retry the same request later.
// Expected outcomes (not eligible, already claimed, not found) are final.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNoCapacity, KindAuthorityUnavailable, KindBusy:
		return true
	}
	return false
}

// UserMessage is the text the bot shows for err.
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindNotEligible:
		return "🚫 Это действие сейчас недоступно для вашего аккаунта."
	case KindNoCapacity:
		return "😿 Свободных серверов сейчас нет, попробуйте чуть позже."
	case KindAuthorityUnavailable:
		return "⏳ Сервис ключей временно недоступен, попробуйте чуть позже."
	case KindAlreadyClaimed:
		return "🎁 Бонусы за приглашения уже начислены."
	case KindNotFound:
		return "Ничего не нашли. Отправьте /start, чтобы начать."
	case KindBusy:
		return "⏳ Предыдущий запрос ещё обрабатывается."
	}
	return "❌ Что-то пошло не так, попробуйте позже."
}
