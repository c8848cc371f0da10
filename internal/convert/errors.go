package convert

import "fmt"

const (
	CodeUnsupportedFormat   = "UNSUPPORTED_FORMAT"
	CodeToolNotFound        = "TOOL_NOT_FOUND"
	CodeExternalToolFailure = "EXTERNAL_TOOL_FAILURE"
	CodeOutputMissing       = "OUTPUT_MISSING"
	CodeEmptyOutput         = "EMPTY_OUTPUT"
)

// 比較用の番兵値です。errors.Is はコードのみで一致を判定します。
var (
	ErrUnsupportedFormat   = &Error{Code: CodeUnsupportedFormat}
	ErrToolNotFound        = &Error{Code: CodeToolNotFound}
	ErrExternalToolFailure = &Error{Code: CodeExternalToolFailure}
	ErrOutputMissing       = &Error{Code: CodeOutputMissing}
	ErrEmptyOutput         = &Error{Code: CodeEmptyOutput}
)

// Error は変換処理の失敗を表します。いずれもジョブにとっては終了扱いです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is はエラーコードが一致するかを判定します。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func unsupportedFormat(format string) *Error {
	return newError(CodeUnsupportedFormat, fmt.Sprintf("サポートされていない出力形式です: %s", format), nil)
}
