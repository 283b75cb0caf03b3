package camera

import (
	"errors"
	"fmt"
)

// Kind はエラー分類を表す
type Kind string

const (
	// KindInvalidArgument は呼び出し引数の不正
	KindInvalidArgument Kind = "invalidArgument"
	// KindIllegalState は現在の状態では許されない操作
	KindIllegalState Kind = "illegalState"
	// KindNotFound は未知のハンドル・デバイス・モード
	KindNotFound Kind = "notFound"
	// KindOperationFailed はバックエンド操作やI/Oの失敗
	KindOperationFailed Kind = "operationFailed"
	// KindUnknown は分類不能な失敗
	KindUnknown Kind = "unknown"
)

// Error は分類付きのエラー
// 呼び出し元へ同期的に返すエラーは全てこの型で表す
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// NewError は新しいErrorを作成する
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError は下位エラーを分類付きで包む
func WrapError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		cause:   err,
	}
}

// Error はエラーメッセージを返す
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap は下位エラーを返す
func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf はエラーの分類を取得する
// 分類付きでないエラーはKindUnknownとして扱う
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindUnknown
}
