package convert

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

type call struct {
	name string
	args []string
}

// fakeRunner は呼び出しを記録し、ツールごとの振る舞いを差し替えます。
type fakeRunner struct {
	calls    []call
	behavior map[string]func(args []string) (Output, error)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (Output, error) {
	f.calls = append(f.calls, call{name: name, args: args})
	if fn, ok := f.behavior[name]; ok {
		return fn(args)
	}
	return Output{}, nil
}

func writeLast(content string) func(args []string) (Output, error) {
	return func(args []string) (Output, error) {
		return Output{}, os.WriteFile(args[len(args)-1], []byte(content), 0o640)
	}
}

func newWorkspace(t *testing.T, inputName string, data []byte) (string, string) {
	t.Helper()
	dir := t.TempDir()
	in := filepath.Join(dir, inputName)
	if err := os.WriteFile(in, data, 0o640); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}
	return dir, in
}

func recordProgress(got *[]int) ProgressReporter {
	return func(stage string, percent int) { *got = append(*got, percent) }
}

func TestConvertSameFormatCopiesWithoutTool(t *testing.T) {
	dir, in := newWorkspace(t, "input.PNG", []byte("raw-bytes"))
	runner := &fakeRunner{}
	exec := NewExecutor(runner, Tools{})
	out := filepath.Join(dir, "output.png")

	var progress []int
	err := exec.Convert(context.Background(), Request{InputPath: in, OutputPath: out, InputFormat: "PNG", OutputFormat: "png"}, recordProgress(&progress))
	if err != nil {
		t.Fatalf("Convert returned error: %v", err)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("expected no tool invocation, got %#v", runner.calls)
	}
	data, _ := os.ReadFile(out)
	if !bytes.Equal(data, []byte("raw-bytes")) {
		t.Fatalf("output differs from input: %q", data)
	}
	if !reflect.DeepEqual(progress, []int{25, 75}) {
		t.Fatalf("unexpected progress: %v", progress)
	}
}

func TestConvertSameFormatDocumentReportsDocumentSteps(t *testing.T) {
	dir, in := newWorkspace(t, "input.txt", []byte("hello"))
	runner := &fakeRunner{}
	exec := NewExecutor(runner, Tools{})

	var progress []int
	err := exec.Convert(context.Background(), Request{InputPath: in, OutputPath: filepath.Join(dir, "output.txt"), InputFormat: "txt", OutputFormat: "txt"}, recordProgress(&progress))
	if err != nil {
		t.Fatalf("Convert returned error: %v", err)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("expected no tool invocation, got %#v", runner.calls)
	}
	if !reflect.DeepEqual(progress, []int{30, 40, 80}) {
		t.Fatalf("unexpected progress: %v", progress)
	}
}

func TestConvertPdfToTextUsesPdftotext(t *testing.T) {
	dir, in := newWorkspace(t, "input.pdf", []byte("%PDF-1.4"))
	runner := &fakeRunner{behavior: map[string]func([]string) (Output, error){
		"pdftotext": writeLast("extracted"),
	}}
	exec := NewExecutor(runner, Tools{})
	out := filepath.Join(dir, "output.txt")

	var progress []int
	if err := exec.Convert(context.Background(), Request{InputPath: in, OutputPath: out, InputFormat: "pdf", OutputFormat: "txt"}, recordProgress(&progress)); err != nil {
		t.Fatalf("Convert returned error: %v", err)
	}
	if len(runner.calls) != 1 || runner.calls[0].name != "pdftotext" {
		t.Fatalf("unexpected calls: %#v", runner.calls)
	}
	if !reflect.DeepEqual(progress, []int{30, 40, 80}) {
		t.Fatalf("unexpected progress: %v", progress)
	}
}

func TestConvertPdfToTextFallsBackToOffice(t *testing.T) {
	dir, in := newWorkspace(t, "input.pdf", []byte("%PDF-1.4"))
	runner := &fakeRunner{behavior: map[string]func([]string) (Output, error){
		"pdftotext": func([]string) (Output, error) {
			return Output{}, newError(CodeToolNotFound, "not installed", nil)
		},
		"soffice": func(args []string) (Output, error) {
			// LibreOffice は <outdir>/<base>.<fmt> に書き出す
			return Output{}, os.WriteFile(filepath.Join(dir, "input.txt"), []byte("text"), 0o640)
		},
	}}
	exec := NewExecutor(runner, Tools{})
	out := filepath.Join(dir, "output.txt")

	if err := exec.Convert(context.Background(), Request{InputPath: in, OutputPath: out, InputFormat: "pdf", OutputFormat: "txt"}, nil); err != nil {
		t.Fatalf("Convert returned error: %v", err)
	}
	if len(runner.calls) != 2 || runner.calls[1].name != "soffice" {
		t.Fatalf("expected soffice fallback, got %#v", runner.calls)
	}
	wantArgs := []string{"--headless", "--convert-to", "txt:Text (encoded):UTF8", "--outdir", dir, in}
	if !reflect.DeepEqual(runner.calls[1].args, wantArgs) {
		t.Fatalf("unexpected soffice args: %#v", runner.calls[1].args)
	}
	if data, err := os.ReadFile(out); err != nil || string(data) != "text" {
		t.Fatalf("expected renamed office output, data=%q err=%v", data, err)
	}
}

func TestConvertLightToolFailureDoesNotFallBack(t *testing.T) {
	dir, in := newWorkspace(t, "input.txt", []byte("hello"))
	runner := &fakeRunner{behavior: map[string]func([]string) (Output, error){
		"pandoc": func([]string) (Output, error) {
			return Output{Stderr: "pandoc: bad input"}, toolFailure("pandoc", 2, Output{Stderr: "pandoc: bad input"})
		},
	}}
	exec := NewExecutor(runner, Tools{})

	err := exec.Convert(context.Background(), Request{InputPath: in, OutputPath: filepath.Join(dir, "output.docx"), InputFormat: "txt", OutputFormat: "docx"}, nil)
	if !errors.Is(err, ErrExternalToolFailure) {
		t.Fatalf("expected ErrExternalToolFailure, got %v", err)
	}
	if !strings.Contains(err.Error(), "pandoc: bad input") {
		t.Fatalf("expected stderr in error, got %q", err.Error())
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected no fallback, got %#v", runner.calls)
	}
}

func TestConvertImageAndMediaRouting(t *testing.T) {
	tests := []struct {
		name     string
		in, out  string
		wantTool string
		wantArgs func(in, out string) []string
	}{
		{"png to jpg", "png", "jpg", "magick", func(in, out string) []string { return []string{in, out} }},
		{"wav to mp3", "wav", "mp3", "ffmpeg", func(in, out string) []string {
			return []string{"-y", "-i", in, "-acodec", "libmp3lame", "-ab", "128k", out}
		}},
		{"avi to mp4", "avi", "mp4", "ffmpeg", func(in, out string) []string {
			return []string{"-y", "-i", in, "-vcodec", "libx264", "-acodec", "aac", out}
		}},
		{"mp4 to mkv", "mp4", "mkv", "ffmpeg", func(in, out string) []string { return []string{"-y", "-i", in, out} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, in := newWorkspace(t, "input."+tt.in, []byte("data"))
			out := filepath.Join(dir, "output."+tt.out)
			runner := &fakeRunner{}
			var progress []int
			err := NewExecutor(runner, Tools{}).Convert(context.Background(), Request{InputPath: in, OutputPath: out, InputFormat: tt.in, OutputFormat: tt.out}, recordProgress(&progress))
			if err != nil {
				t.Fatalf("Convert returned error: %v", err)
			}
			if len(runner.calls) != 1 || runner.calls[0].name != tt.wantTool {
				t.Fatalf("unexpected calls: %#v", runner.calls)
			}
			if !reflect.DeepEqual(runner.calls[0].args, tt.wantArgs(in, out)) {
				t.Fatalf("unexpected args: %#v", runner.calls[0].args)
			}
			if !reflect.DeepEqual(progress, []int{25, 75}) {
				t.Fatalf("unexpected progress: %v", progress)
			}
		})
	}
}

func TestConvertUnsupportedFormat(t *testing.T) {
	dir, in := newWorkspace(t, "input.pdf", []byte("data"))
	runner := &fakeRunner{}
	err := NewExecutor(runner, Tools{}).Convert(context.Background(), Request{InputPath: in, OutputPath: filepath.Join(dir, "out.xyz"), InputFormat: "pdf", OutputFormat: "xyz"}, nil)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("expected no tool invocation, got %#v", runner.calls)
	}
}

func TestValidateOutput(t *testing.T) {
	dir := t.TempDir()
	if _, err := ValidateOutput(filepath.Join(dir, "missing")); !errors.Is(err, ErrOutputMissing) {
		t.Fatalf("expected ErrOutputMissing, got %v", err)
	}
	empty := filepath.Join(dir, "empty")
	os.WriteFile(empty, nil, 0o640)
	if _, err := ValidateOutput(empty); !errors.Is(err, ErrEmptyOutput) {
		t.Fatalf("expected ErrEmptyOutput, got %v", err)
	}
	ok := filepath.Join(dir, "ok")
	os.WriteFile(ok, []byte("abc"), 0o640)
	size, err := ValidateOutput(ok)
	if err != nil || size != 3 {
		t.Fatalf("ValidateOutput = %d, %v", size, err)
	}
}

func TestExecRunnerCapturesStderr(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), "sh", "-c", "echo converter exploded >&2; exit 3")
	if !errors.Is(err, ErrExternalToolFailure) {
		t.Fatalf("expected ErrExternalToolFailure, got %v", err)
	}
	if !strings.Contains(err.Error(), "converter exploded") || !strings.Contains(err.Error(), "3") {
		t.Fatalf("unexpected error message: %q", err.Error())
	}
}

func TestExecRunnerFallsBackToStdout(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), "sh", "-c", "echo only stdout; exit 1")
	if err == nil || !strings.Contains(err.Error(), "only stdout") {
		t.Fatalf("expected stdout diagnostic, got %v", err)
	}
}

func TestExecRunnerToolNotFound(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), "definitely-not-a-converter-binary")
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
}
