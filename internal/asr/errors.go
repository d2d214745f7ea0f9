package asr

import (
	"fmt"
	"time"
)

// Kind is the closed set of recognition failure classes. Every error crossing a
// package boundary in the engine is an *Error carrying one of these.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectionTimeout
	KindSendTimeout
	KindReceiveTimeout
	KindRateLimited
	KindUnauthorized
	KindServerError
	KindNoConnection
	KindTokenFailed
	KindRecognitionTimeout
	KindAudioFormat
)

func (k Kind) String() string {
	switch k {
	case KindConnectionTimeout:
		return "connection-timeout"
	case KindSendTimeout:
		return "send-timeout"
	case KindReceiveTimeout:
		return "receive-timeout"
	case KindRateLimited:
		return "rate-limited"
	case KindUnauthorized:
		return "unauthorized"
	case KindServerError:
		return "server-error"
	case KindNoConnection:
		return "no-connection"
	case KindTokenFailed:
		return "token-failed"
	case KindRecognitionTimeout:
		return "recognition-timeout"
	case KindAudioFormat:
		return "audio-format-error"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind is worth another attempt
// against the same backend. Rate limiting is deliberately not retryable here:
// the retry controller fails fast and lets the caller decide.
func (k Kind) Retryable() bool {
	switch k {
	case KindConnectionTimeout, KindSendTimeout, KindReceiveTimeout, KindServerError:
		return true
	default:
		return false
	}
}

// Error is the tagged recognition error. Message is the internal diagnostic;
// UserMessage() is what a UI may show.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// RetryAfter carries the server-issued wait hint of a rate-limited
	// response. Zero when the server gave none.
	RetryAfter time.Duration
}

func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func WrapError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("asr %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("asr %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// UserMessage returns the kind-specific text shown to the end user, independent
// of the diagnostic message.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindConnectionTimeout, KindSendTimeout, KindReceiveTimeout:
		return "网络连接超时，请检查网络后重试"
	case KindRateLimited:
		return "请求过于频繁，请稍后再试"
	case KindUnauthorized, KindTokenFailed:
		return "语音服务授权失败，请稍后再试"
	case KindServerError:
		return "语音服务暂时不可用，请稍后再试"
	case KindNoConnection:
		return "当前无网络连接，已切换为离线识别"
	case KindRecognitionTimeout:
		return "识别超时，请重新说一遍"
	case KindAudioFormat:
		return "音频格式不支持"
	default:
		return "语音识别失败，请重试"
	}
}
