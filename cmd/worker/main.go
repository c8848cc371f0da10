// Package main は変換ワーカーのエントリーポイントです。
//
//	convert-worker serve    永続キュー（Asynq）からジョブを受け取り続ける
//	convert-worker run-one  環境変数で渡されたジョブを 1 件だけ処理して終了する
//	convert-worker dlq      デッドレターを一覧表示する
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"github.com/yourusername/convert-forge/internal/config"
	"github.com/yourusername/convert-forge/internal/convert"
	"github.com/yourusername/convert-forge/internal/storage"
	"github.com/yourusername/convert-forge/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.SentryEnvironment,
			Release:     "convert-forge@0.1.0",
		}); err != nil {
			log.Fatalf("sentry.Init: %v", err)
		}
	}

	rootCmd := &cobra.Command{
		Use:           "convert-worker",
		Short:         "File conversion worker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(ServeCmd(cfg))
	rootCmd.AddCommand(RunOneCmd(cfg))
	rootCmd.AddCommand(DlqCmd(cfg))

	err = rootCmd.Execute()
	sentry.Flush(2 * time.Second)
	if err != nil {
		log.Printf("convert-worker: %v", err)
		os.Exit(1)
	}
}

func newExecutor(cfg *config.Config) *convert.Executor {
	return convert.NewExecutor(convert.ExecRunner{Timeout: cfg.ToolTimeout}, convert.Tools{
		LibreOffice: cfg.LibreOfficePath,
		PdfToText:   cfg.PdfToTextPath,
		Pandoc:      cfg.PandocPath,
		ImageMagick: cfg.ImageMagickPath,
		FFmpeg:      cfg.FFmpegPath,
	})
}

func newWorker(ctx context.Context, cfg *config.Config, status worker.Status, logger *log.Logger) (*worker.Worker, error) {
	gateway, err := storage.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return worker.New(status, gateway, newExecutor(cfg), logger), nil
}
