package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (e *Executor) convertDocument(ctx context.Context, req Request, progress ProgressReporter) error {
	steps := checkpoints(CategoryDocument)
	for _, p := range steps[:len(steps)-1] {
		reportProgress(progress, "convert", p)
	}

	var err error
	switch {
	case req.InputFormat == "pdf" && req.OutputFormat == "txt":
		err = e.withOfficeFallback(ctx, req, func() error {
			return e.run(ctx, e.tools.PdfToText, req.InputPath, req.OutputPath)
		})
	case req.InputFormat == "txt" && (req.OutputFormat == "pdf" || req.OutputFormat == "docx"):
		err = e.withOfficeFallback(ctx, req, func() error {
			return e.run(ctx, e.tools.Pandoc, req.InputPath, "-o", req.OutputPath)
		})
	default:
		err = e.office(ctx, req)
	}
	if err != nil {
		return err
	}

	reportProgress(progress, "convert", steps[len(steps)-1])
	return nil
}

// withOfficeFallback は軽量ツールが未導入の場合のみ LibreOffice で変換します。
func (e *Executor) withOfficeFallback(ctx context.Context, req Request, light func() error) error {
	err := light()
	if errors.Is(err, ErrToolNotFound) {
		return e.office(ctx, req)
	}
	return err
}

// office は LibreOffice のヘッドレス変換を実行し、生成物を出力パスへ移動します。
func (e *Executor) office(ctx context.Context, req Request) error {
	outDir := filepath.Dir(req.OutputPath)
	target := req.OutputFormat
	if req.OutputFormat == "txt" {
		target = "txt:Text (encoded):UTF8"
	}
	if err := e.run(ctx, e.tools.LibreOffice,
		"--headless",
		"--convert-to", target,
		"--outdir", outDir,
		req.InputPath,
	); err != nil {
		return err
	}

	base := strings.TrimSuffix(filepath.Base(req.InputPath), filepath.Ext(req.InputPath))
	produced := filepath.Join(outDir, base+"."+req.OutputFormat)
	if produced == req.OutputPath {
		return nil
	}
	if _, err := os.Stat(produced); err != nil {
		// 生成物が無い場合は出力検証で OUTPUT_MISSING として扱う
		return nil
	}
	if err := os.Rename(produced, req.OutputPath); err != nil {
		return fmt.Errorf("変換結果の移動に失敗しました: %w", err)
	}
	return nil
}
