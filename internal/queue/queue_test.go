package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/convert-forge/internal/convert"
	"github.com/yourusername/convert-forge/internal/jobs"
	"github.com/yourusername/convert-forge/internal/storage"
	"github.com/yourusername/convert-forge/internal/worker"
)

func newStore(t *testing.T) *jobs.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return jobs.NewRedisStore(rdb, 0)
}

func createJob(t *testing.T, store jobs.Store, id, in, out string) jobs.Payload {
	t.Helper()
	job := jobs.NewJob(id, "inputs/"+id, "doc."+in, in, out, 4, time.Now())
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	return jobs.PayloadOf(job)
}

func getJob(t *testing.T, store jobs.Store, id string) *jobs.Job {
	t.Helper()
	job, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	return job
}

// flakyStorage は指定回数だけ Get を失敗させます。
type flakyStorage struct {
	mu       sync.Mutex
	failures int
	objects  map[string][]byte
}

func (s *flakyStorage) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return key, nil
}

func (s *flakyStorage) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("storage timeout")
	}
	data, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

func (s *flakyStorage) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return key, nil
}

type copyConverter struct{ err error }

func (c copyConverter) Convert(ctx context.Context, req convert.Request, progress convert.ProgressReporter) error {
	progress("convert", 25)
	if c.err != nil {
		return c.err
	}
	data, err := os.ReadFile(req.InputPath)
	if err != nil {
		return err
	}
	progress("convert", 75)
	return os.WriteFile(req.OutputPath, append(data, '!'), 0o640)
}

// deliver は Asynq の配信を模倣し、再試行不可か成功するまで最大回数まで処理します。
func deliver(b *DurableBackend, p jobs.Payload) (attempts int, err error) {
	maxRetry := b.maxAttempts - 1
	for retried := 0; retried <= maxRetry; retried++ {
		attempts++
		err = b.process(context.Background(), p, retried, maxRetry)
		if err == nil || errors.Is(err, asynq.SkipRetry) {
			return attempts, err
		}
	}
	return attempts, err
}

func newTestDurable(t *testing.T, store jobs.Store, gateway storage.Gateway, conv worker.Converter) *DurableBackend {
	w := worker.New(store, gateway, conv, nil, worker.WithTempDir(t.TempDir()))
	return &DurableBackend{handler: w, status: store, maxAttempts: 3, retain: 50}
}

func TestDurableRetriesTransientFailuresThenCompletes(t *testing.T) {
	store := newStore(t)
	p := createJob(t, store, "job-retry", "mp3", "wav")
	gateway := &flakyStorage{failures: 2, objects: map[string][]byte{p.InputRef: []byte("ID3")}}
	b := newTestDurable(t, store, gateway, copyConverter{})

	attempts, err := deliver(b, p)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	job := getJob(t, store, p.ID)
	if job.Status != jobs.StatusCompleted || job.OutputRef == "" || job.Error != "" {
		t.Fatalf("unexpected final record: %+v", job)
	}
}

func TestDurableExhaustedRetriesMarkFailed(t *testing.T) {
	store := newStore(t)
	p := createJob(t, store, "job-exhausted", "mp3", "wav")
	gateway := &flakyStorage{failures: 10, objects: map[string][]byte{}}
	b := newTestDurable(t, store, gateway, copyConverter{})

	attempts, err := deliver(b, p)
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected retryable error on last attempt, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	job := getJob(t, store, p.ID)
	if job.Status != jobs.StatusFailed || !strings.Contains(job.Error, "storage timeout") {
		t.Fatalf("unexpected final record: %+v", job)
	}
}

func TestDurableConversionErrorSkipsRetry(t *testing.T) {
	store := newStore(t)
	p := createJob(t, store, "job-broken", "mp3", "wav")
	gateway := &flakyStorage{objects: map[string][]byte{p.InputRef: []byte("ID3")}}
	toolErr := &convert.Error{Code: convert.CodeExternalToolFailure, Message: "ffmpeg: invalid data"}
	b := newTestDurable(t, store, gateway, copyConverter{err: toolErr})

	attempts, err := deliver(b, p)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
	job := getJob(t, store, p.ID)
	if job.Status != jobs.StatusFailed || !strings.Contains(job.Error, "invalid data") {
		t.Fatalf("unexpected final record: %+v", job)
	}
}

func TestDurableCancelledJobIsAcknowledged(t *testing.T) {
	store := newStore(t)
	p := createJob(t, store, "job-cancelled", "mp3", "wav")
	if _, err := store.Update(context.Background(), p.ID, jobs.Update{Status: jobs.StatusCancelled}); err != nil {
		t.Fatalf("failed to cancel: %v", err)
	}
	gateway := &flakyStorage{objects: map[string][]byte{p.InputRef: []byte("ID3")}}
	b := newTestDurable(t, store, gateway, copyConverter{})

	attempts, err := deliver(b, p)
	if err != nil || attempts != 1 {
		t.Fatalf("expected acknowledged single attempt, got attempts=%d err=%v", attempts, err)
	}
	if job := getJob(t, store, p.ID); job.Status != jobs.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", job.Status)
	}
}

func TestRetryDelayIsExponential(t *testing.T) {
	delay := retryDelay(2 * time.Second)
	for n, want := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second} {
		if got := delay(n, nil, nil); got != want {
			t.Fatalf("delay(%d) = %v, want %v", n, got, want)
		}
	}
}

func TestDurableSubmitUnavailable(t *testing.T) {
	b, err := NewDurableBackend(DurableOptions{RedisURL: "redis://127.0.0.1:1/0"})
	if err != nil {
		t.Fatalf("NewDurableBackend returned error: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = b.Submit(ctx, jobs.Payload{ID: "job-x", InputRef: "inputs/x", OutputFormat: "pdf"})
	if !errors.Is(err, ErrQueueUnavailable) {
		t.Fatalf("expected ErrQueueUnavailable, got %v", err)
	}
}

func TestMarkDeadLetterFailed(t *testing.T) {
	store := newStore(t)
	p := createJob(t, store, "job-dead", "pdf", "txt")
	store.Update(context.Background(), p.ID, jobs.Update{Status: jobs.StatusProcessing, Progress: jobs.Progress(40)})

	letter := DeadLetter{Payload: p, LastError: "asynq: task lease expired"}
	if err := markDeadLetterFailed(context.Background(), store, letter); err != nil {
		t.Fatalf("markDeadLetterFailed returned error: %v", err)
	}
	job := getJob(t, store, p.ID)
	if job.Status != jobs.StatusFailed || job.Error != "asynq: task lease expired" {
		t.Fatalf("unexpected record: %+v", job)
	}

	done := createJob(t, store, "job-done", "pdf", "txt")
	store.Update(context.Background(), done.ID, jobs.Update{Status: jobs.StatusProcessing})
	store.Update(context.Background(), done.ID, jobs.Update{Status: jobs.StatusCompleted, OutputRef: "outputs/x"})
	if err := markDeadLetterFailed(context.Background(), store, DeadLetter{Payload: done}); err != nil {
		t.Fatalf("expected terminal job to be skipped, got %v", err)
	}
	if job := getJob(t, store, done.ID); job.Status != jobs.StatusCompleted {
		t.Fatalf("completed job was overwritten: %s", job.Status)
	}
}

// TestHelperWorkerProcess はローカルプロセス方式のテストで起動されるワーカーの代役です。
func TestHelperWorkerProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	p, err := jobs.DecodePayload(os.Getenv(PayloadEnv))
	if err != nil || p.ID != os.Getenv("HELPER_EXPECT_ID") {
		os.Exit(7)
	}
	if os.Getenv(BackendURLEnv) != "http://status.test" {
		os.Exit(8)
	}
	var code int
	fmt.Sscanf(os.Getenv("HELPER_EXIT_CODE"), "%d", &code)
	os.Exit(code)
}

func newHelperBackend(t *testing.T, store jobs.Store, id string, exitCode int) *ProcessBackend {
	t.Helper()
	b, err := NewProcessBackend(ProcessOptions{
		Binary: os.Args[0],
		Args:   []string{"-test.run=TestHelperWorkerProcess", "--"},
		Env: []string{
			"GO_WANT_HELPER_PROCESS=1",
			"HELPER_EXPECT_ID=" + id,
			fmt.Sprintf("HELPER_EXIT_CODE=%d", exitCode),
		},
		BackendURL: "http://status.test",
		Status:     store,
	})
	if err != nil {
		t.Fatalf("NewProcessBackend returned error: %v", err)
	}
	return b
}

func TestProcessBackendSuccessfulExit(t *testing.T) {
	store := newStore(t)
	p := createJob(t, store, "job-local", "pdf", "txt")
	b := newHelperBackend(t, store, p.ID, 0)

	handle, err := b.Submit(context.Background(), p)
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if !strings.HasPrefix(handle, "pid:") {
		t.Fatalf("unexpected handle: %s", handle)
	}
	b.Wait()

	// 終了コード 0 はワーカー自身が状態を確定させた扱いになる
	job := getJob(t, store, p.ID)
	if job.Status != jobs.StatusProcessing || job.Progress != 0 {
		t.Fatalf("unexpected record: %+v", job)
	}
}

func TestProcessBackendNonZeroExitMarksFailed(t *testing.T) {
	store := newStore(t)
	p := createJob(t, store, "job-crash", "pdf", "txt")
	b := newHelperBackend(t, store, p.ID, 3)

	if _, err := b.Submit(context.Background(), p); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	b.Wait()

	job := getJob(t, store, p.ID)
	if job.Status != jobs.StatusFailed || !strings.Contains(job.Error, "exit status 3") {
		t.Fatalf("unexpected record: %+v", job)
	}
}

func TestProcessBackendSpawnErrorMarksFailed(t *testing.T) {
	store := newStore(t)
	p := createJob(t, store, "job-nospawn", "pdf", "txt")
	b, err := NewProcessBackend(ProcessOptions{Binary: "/nonexistent/convert-worker", Status: store})
	if err != nil {
		t.Fatalf("NewProcessBackend returned error: %v", err)
	}

	if _, err := b.Submit(context.Background(), p); !errors.Is(err, ErrQueueUnavailable) {
		t.Fatalf("expected ErrQueueUnavailable, got %v", err)
	}
	if job := getJob(t, store, p.ID); job.Status != jobs.StatusFailed {
		t.Fatalf("expected FAILED, got %s", job.Status)
	}
}

func TestProcessBackendKeepsWorkerReportedState(t *testing.T) {
	store := newStore(t)
	p := createJob(t, store, "job-finished", "pdf", "txt")
	b := newHelperBackend(t, store, p.ID, 0)
	store.Update(context.Background(), p.ID, jobs.Update{Status: jobs.StatusProcessing})
	store.Update(context.Background(), p.ID, jobs.Update{Status: jobs.StatusCompleted, OutputRef: "outputs/done"})

	b.markFailed(p.ID, "late crash report")
	if job := getJob(t, store, p.ID); job.Status != jobs.StatusCompleted {
		t.Fatalf("worker-reported state was overwritten: %+v", job)
	}
}

type unreachableStatus struct{}

func (unreachableStatus) Update(ctx context.Context, jobID string, upd jobs.Update) (*jobs.Job, error) {
	return nil, errors.New("dial tcp 127.0.0.1:6379: connection refused")
}

func TestProcessBackendStatusWriteFailureIsUnavailable(t *testing.T) {
	b, err := NewProcessBackend(ProcessOptions{Binary: "/nonexistent/convert-worker", Status: unreachableStatus{}})
	if err != nil {
		t.Fatalf("NewProcessBackend returned error: %v", err)
	}
	_, err = b.Submit(context.Background(), jobs.Payload{ID: "job-x", InputRef: "inputs/x", OutputFormat: "pdf"})
	if !errors.Is(err, ErrQueueUnavailable) || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected ErrQueueUnavailable wrapping the cause, got %v", err)
	}
}
