package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Output は外部コマンドの標準出力と標準エラー出力です。
type Output struct {
	Stdout string
	Stderr string
}

// Runner は外部コマンドを同期実行し、終了コードを結果に変換します。
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Output, error)
}

// ExecRunner は os/exec を使う Runner です。
type ExecRunner struct {
	Timeout time.Duration
}

// Run はコマンドを実行します。起動失敗は TOOL_NOT_FOUND、非ゼロ終了は EXTERNAL_TOOL_FAILURE になります。
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (Output, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Output{}, newError(CodeToolNotFound, fmt.Sprintf("外部ツール %s を起動できませんでした: %v", name, err), err)
	}
	err := cmd.Wait()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return out, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, newError(CodeExternalToolFailure, fmt.Sprintf("%s が中断されました: %v", name, ctxErr), ctxErr)
	}
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	return out, toolFailure(name, code, out)
}

func toolFailure(name string, code int, out Output) *Error {
	diag := strings.TrimSpace(out.Stderr)
	if diag == "" {
		diag = strings.TrimSpace(out.Stdout)
	}
	return newError(CodeExternalToolFailure, fmt.Sprintf("%s が終了コード %d で失敗しました: %s", name, code, diag), nil)
}
