// Package convert は外部変換ツールの選択と実行を提供します。
//
// 変換アルゴリズム自体は実装せず、出力形式の分類ごとに外部ツールを 1 つ起動します。
// ツールの契約は「終了コード 0 かつ空でない出力ファイル」です。
package convert

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Tools は外部ツールの実行ファイルパスです。
type Tools struct {
	LibreOffice string
	PdfToText   string
	Pandoc      string
	ImageMagick string
	FFmpeg      string
}

// Request は 1 回の変換の入力です。
type Request struct {
	InputPath    string
	OutputPath   string
	InputFormat  string
	OutputFormat string
}

// Executor は出力形式の分類に応じて変換ツールを選択して実行します。
type Executor struct {
	runner Runner
	tools  Tools
}

// NewExecutor は Executor を作成します。
func NewExecutor(runner Runner, tools Tools) *Executor {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Executor{runner: runner, tools: withDefaultTools(tools)}
}

func withDefaultTools(t Tools) Tools {
	if t.LibreOffice == "" {
		t.LibreOffice = "soffice"
	}
	if t.PdfToText == "" {
		t.PdfToText = "pdftotext"
	}
	if t.Pandoc == "" {
		t.Pandoc = "pandoc"
	}
	if t.ImageMagick == "" {
		t.ImageMagick = "magick"
	}
	if t.FFmpeg == "" {
		t.FFmpeg = "ffmpeg"
	}
	return t
}

// Convert は変換を実行し、ツールの終了まで待ちます。
// 入力形式と出力形式が同じ場合はツールを起動せずにコピーします。
func (e *Executor) Convert(ctx context.Context, req Request, progress ProgressReporter) error {
	req.InputFormat = NormalizeFormat(req.InputFormat)
	req.OutputFormat = NormalizeFormat(req.OutputFormat)

	category := CategoryOf(req.OutputFormat)
	if category == CategoryNone {
		return unsupportedFormat(req.OutputFormat)
	}
	if _, err := os.Stat(req.InputPath); err != nil {
		return fmt.Errorf("input file not found: %w", err)
	}

	if req.InputFormat == req.OutputFormat {
		steps := checkpoints(category)
		for _, p := range steps[:len(steps)-1] {
			reportProgress(progress, "convert", p)
		}
		if err := copyFile(req.InputPath, req.OutputPath); err != nil {
			return err
		}
		reportProgress(progress, "convert", steps[len(steps)-1])
		return nil
	}

	switch category {
	case CategoryDocument:
		return e.convertDocument(ctx, req, progress)
	case CategoryImage:
		return e.convertImage(ctx, req, progress)
	default:
		return e.convertMedia(ctx, req, progress)
	}
}

// checkpoints は分類ごとに報告する進捗値です。最後の値が主変換の完了を表します。
func checkpoints(c Category) []int {
	if c == CategoryDocument {
		return []int{30, 40, 80}
	}
	return []int{25, 75}
}

func (e *Executor) run(ctx context.Context, name string, args ...string) error {
	_, err := e.runner.Run(ctx, name, args...)
	return err
}

// ValidateOutput は出力ファイルの存在と非ゼロサイズを確認します。
func ValidateOutput(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, newError(CodeOutputMissing, "変換結果のファイルが作成されませんでした。", err)
		}
		return 0, fmt.Errorf("変換結果の確認に失敗しました: %w", err)
	}
	if info.IsDir() {
		return 0, newError(CodeOutputMissing, "変換結果のファイルが作成されませんでした。", nil)
	}
	if info.Size() == 0 {
		return 0, newError(CodeEmptyOutput, "変換結果のファイルが空です。", nil)
	}
	return info.Size(), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
