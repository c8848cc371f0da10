package convert

import "context"

// mediaCodecArgs は出力形式ごとの ffmpeg コーデック引数です。
var mediaCodecArgs = map[string][]string{
	"mp3":  {"-acodec", "libmp3lame", "-ab", "128k"},
	"wav":  {"-acodec", "pcm_s16le"},
	"ogg":  {"-acodec", "libvorbis"},
	"mp4":  {"-vcodec", "libx264", "-acodec", "aac"},
	"webm": {"-vcodec", "libvpx-vp9", "-acodec", "libopus"},
}

func (e *Executor) convertImage(ctx context.Context, req Request, progress ProgressReporter) error {
	reportProgress(progress, "convert", 25)
	if err := e.run(ctx, e.tools.ImageMagick, req.InputPath, req.OutputPath); err != nil {
		return err
	}
	reportProgress(progress, "convert", 75)
	return nil
}

func (e *Executor) convertMedia(ctx context.Context, req Request, progress ProgressReporter) error {
	reportProgress(progress, "convert", 25)
	if err := e.run(ctx, e.tools.FFmpeg, ffmpegArgs(req)...); err != nil {
		return err
	}
	reportProgress(progress, "convert", 75)
	return nil
}

func ffmpegArgs(req Request) []string {
	args := []string{"-y", "-i", req.InputPath}
	args = append(args, mediaCodecArgs[req.OutputFormat]...)
	return append(args, req.OutputPath)
}
