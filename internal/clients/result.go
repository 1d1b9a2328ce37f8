// Package clients adapts the external OCR and language-model services to a
// uniform three-way result so the pipeline applies one retry policy to all of them.
package clients

import (
	"time"
)

// Kind is the outcome of one adapter invocation.
type Kind int

const (
	KindSuccess Kind = iota
	KindRetriable
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetriable:
		return "retriable"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// Result is a tagged outcome: Value is set on success, Err otherwise.
type Result[T any] struct {
	Kind       Kind
	Value      T
	Err        error
	RetryAfter time.Duration // provider hint, zero when absent
}

func Succeeded[T any](v T) Result[T] {
	return Result[T]{Kind: KindSuccess, Value: v}
}

func Retriable[T any](err error) Result[T] {
	return Result[T]{Kind: KindRetriable, Err: err}
}

func Fatal[T any](err error) Result[T] {
	return Result[T]{Kind: KindFatal, Err: err}
}

func (r Result[T]) OK() bool { return r.Kind == KindSuccess }
