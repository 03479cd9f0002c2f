package delivery

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/yaml.v3"

	"github.com/msageha/experian_v2/internal/csvfile"
	"github.com/msageha/experian_v2/internal/lock"
	"github.com/msageha/experian_v2/internal/model"
	"github.com/msageha/experian_v2/internal/remote"
	"github.com/msageha/experian_v2/internal/remote/remotetest"
	"github.com/msageha/experian_v2/internal/textenc"
)

var testSchema = model.Schema{"email", "name"}

func testTask(t *testing.T) model.Task {
	t.Helper()
	return model.Task{
		Tmpdir:          t.TempDir(),
		TmpfilePrefix:   "20261019_093000_000000001",
		CleanupTmpfiles: true,
		Encoding:        textenc.UTF8,
		Host:            "remote.example.jp",
		SiteID:          "site01",
		LoginID:         "user01",
		Password:        "secret",
		CSVFileID:       12,
		DraftID:         34,
		UniqueName:      model.DefaultUniqueName,
		PostUseUTF8:     true,
		Book:            model.BookTime{Year: 2026, Month: 10, Day: 19, Hour: 18, Minute: 0},
		BatchSize:       1,
		Protocol: model.ProtocolConfig{
			RetryIntervalSec: 15,
			NotReadyMarkers:  []string{"STATUS=CHECK"},
		},
	}
}

func newRemote(t *testing.T, task model.Task, srv *remotetest.Server) *remote.Client {
	t.Helper()
	c, err := remote.NewClient(task,
		remote.WithBaseURL(srv.BaseURL(task.SiteID)),
		remote.WithHTTPClient(srv.Client()),
		remote.WithSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)
	require.NoError(t, err)
	return c
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out
}

func twoWorkers() []csvfile.BatchSource {
	return []csvfile.BatchSource{
		csvfile.NewSliceSource([]model.Row{{"a@x.com", "A"}}, 10),
		csvfile.NewSliceSource([]model.Row{{"b@x.com", "B"}}, 10),
	}
}

func states(trs []Transition) []State {
	out := []State{StateIdle}
	for _, tr := range trs {
		out = append(out, tr.To)
	}
	return out
}

func TestRun_EndToEnd(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	srv.Script("csvfile_list.php", remotetest.NotReady, remotetest.OK)

	task := testTask(t)
	o := New(task, testSchema, newRemote(t, task, srv))
	require.NoError(t, o.Run(context.Background(), twoWorkers()...))

	assert.Equal(t, StateDone, o.State())
	assert.Equal(t, []State{StateIdle, StateIngesting, StateMerging, StateUploading, StateChecking, StateReserving, StateDone},
		states(o.Transitions()))

	assert.Equal(t, []string{"upload.php", "csvfile_list.php", "csvfile_list.php", "article.php"}, srv.Endpoints())
	assert.Len(t, srv.Requests("csvfile_list.php"), 2)

	uploads := srv.Requests("upload.php")
	require.Len(t, uploads, 1)
	assert.Equal(t, "email,name\na@x.com,A\nb@x.com,B\n", string(uploads[0].File))

	assert.Equal(t, []string{task.TmpfilePrefix + "_all.csv"}, dirNames(t, task.Tmpdir))
	merged, err := os.ReadFile(task.MergedPath())
	require.NoError(t, err)
	assert.Equal(t, "email,name\na@x.com,A\nb@x.com,B\n", string(merged))
}

func TestRun_CleansMergedFileWhenConfigured(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()

	task := testTask(t)
	task.CleanupMergedFile = true
	o := New(task, testSchema, newRemote(t, task, srv))
	require.NoError(t, o.Run(context.Background(), twoWorkers()...))

	assert.Empty(t, dirNames(t, task.Tmpdir))
}

func TestRun_WithDeliveryTest(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()

	task := testTask(t)
	task.TestAddress = "qa@example.com"
	o := New(task, testSchema, newRemote(t, task, srv))
	require.NoError(t, o.Run(context.Background(), twoWorkers()...))

	assert.Equal(t, []string{"upload.php", "csvfile_list.php", "delivery_test.php", "article.php"}, srv.Endpoints())
	assert.Contains(t, states(o.Transitions()), StateTestSending)
}

func TestRun_ExternalPartials(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()

	task := testTask(t)
	require.NoError(t, os.WriteFile(task.PartialPath(0), []byte("a@x.com,A\n"), 0644))
	require.NoError(t, os.WriteFile(task.PartialPath(1), []byte("b@x.com,B\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(task.Tmpdir, task.MarkerName()), nil, 0644))

	o := New(task, testSchema, newRemote(t, task, srv))
	require.NoError(t, o.Run(context.Background()))

	assert.NotContains(t, states(o.Transitions()), StateIngesting)
	assert.Equal(t, "email,name\na@x.com,A\nb@x.com,B\n", string(srv.Requests("upload.php")[0].File))
	assert.Equal(t, []string{task.TmpfilePrefix + "_all.csv"}, dirNames(t, task.Tmpdir))
}

func TestRun_RemoteErrorStopsPipeline(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	srv.Script("upload.php", remotetest.LoginFailure)

	task := testTask(t)
	o := New(task, testSchema, newRemote(t, task, srv))
	err := o.Run(context.Background(), twoWorkers()...)
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StateUploading, stepErr.State)

	var remoteErr *remote.RemoteError
	require.True(t, errors.As(err, &remoteErr))
	assert.Equal(t, 400, remoteErr.StatusCode)
	assert.Equal(t, remotetest.LoginFailure.Body, remoteErr.Body)

	assert.Equal(t, []string{"upload.php"}, srv.Endpoints())
	assert.Equal(t, StateFailed, o.State())
	// cleanup still ran
	assert.Equal(t, []string{task.TmpfilePrefix + "_all.csv"}, dirNames(t, task.Tmpdir))
}

type fakeRemote struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func (f *fakeRemote) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.errs[name]
}

func (f *fakeRemote) Upload(_ context.Context, path string) error {
	return f.record("upload")
}
func (f *fakeRemote) Check(context.Context) error        { return f.record("check") }
func (f *fakeRemote) DeliveryTest(context.Context) error { return f.record("delivery_test") }
func (f *fakeRemote) Reserve(context.Context) error      { return f.record("reserve") }

func TestRun_FailureInEachStep(t *testing.T) {
	tests := []struct {
		failing string
		state   State
		calls   []string
	}{
		{"upload", StateUploading, []string{"upload"}},
		{"check", StateChecking, []string{"upload", "check"}},
		{"delivery_test", StateTestSending, []string{"upload", "check", "delivery_test"}},
		{"reserve", StateReserving, []string{"upload", "check", "delivery_test", "reserve"}},
	}
	for _, tt := range tests {
		t.Run(tt.failing, func(t *testing.T) {
			task := testTask(t)
			task.TestAddress = "qa@example.com"
			cause := errors.New(tt.failing + " refused")
			fr := &fakeRemote{errs: map[string]error{tt.failing: cause}}

			o := New(task, testSchema, fr)
			err := o.Run(context.Background(), twoWorkers()...)

			var stepErr *StepError
			require.True(t, errors.As(err, &stepErr))
			assert.Equal(t, tt.state, stepErr.State)
			assert.ErrorIs(t, err, cause)
			assert.Equal(t, tt.calls, fr.calls)
			assert.Equal(t, StateFailed, o.State())

			trs := o.Transitions()
			last := trs[len(trs)-1]
			assert.Equal(t, tt.state, last.From)
			assert.Equal(t, StateFailed, last.To)
		})
	}
}

type failingSource struct{ err error }

func (s failingSource) NextBatch() ([]model.Row, error) { return nil, s.err }

func TestRun_WorkerFailureSkipsRemote(t *testing.T) {
	task := testTask(t)
	cause := errors.New("pipeline broke")
	fr := &fakeRemote{}

	o := New(task, testSchema, fr)
	err := o.Run(context.Background(),
		csvfile.NewSliceSource([]model.Row{{"a@x.com", "A"}}, 1),
		failingSource{err: cause},
	)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StateIngesting, stepErr.State)
	assert.ErrorIs(t, err, cause)
	assert.Empty(t, fr.calls)
	_, statErr := os.Stat(task.MergedPath())
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, dirNames(t, task.Tmpdir))
}

func TestRun_RowWidthMismatch(t *testing.T) {
	task := testTask(t)
	o := New(task, testSchema, &fakeRemote{})
	err := o.Run(context.Background(), csvfile.NewSliceSource([]model.Row{{"a@x.com"}}, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema has 2 columns")
}

func TestRun_PartialIOErrorIsFatal(t *testing.T) {
	task := testTask(t)
	require.NoError(t, os.MkdirAll(filepath.Join(task.PartialPath(5), "x"), 0755))

	fr := &fakeRemote{}
	sources := make([]csvfile.BatchSource, 6)
	for i := range sources {
		sources[i] = csvfile.NewSliceSource([]model.Row{{"a@x.com", "A"}}, 1)
	}
	err := New(task, testSchema, fr).Run(context.Background(), sources...)
	require.Error(t, err)
	assert.ErrorIs(t, err, csvfile.ErrIO)
	assert.Empty(t, fr.calls)
}

func TestRun_StalePartialsReplaced(t *testing.T) {
	task := testTask(t)
	task.CleanupTmpfiles = false
	require.NoError(t, os.WriteFile(task.PartialPath(0), []byte("old@x.com,Old\n"), 0644))
	require.NoError(t, os.WriteFile(task.PartialPath(7), []byte("old@x.com,Old\n"), 0644))

	require.NoError(t, New(task, testSchema, &fakeRemote{}).Run(context.Background(), twoWorkers()...))

	merged, err := os.ReadFile(task.MergedPath())
	require.NoError(t, err)
	assert.Equal(t, "email,name\na@x.com,A\nb@x.com,B\n", string(merged))
}

func TestRun_FlushesInBatches(t *testing.T) {
	task := testTask(t)
	task.BatchSize = 2
	task.CleanupTmpfiles = false
	rows := []model.Row{{"1@x", "1"}, {"2@x", "2"}, {"3@x", "3"}, {"4@x", "4"}, {"5@x", "5"}}

	require.NoError(t, New(task, testSchema, &fakeRemote{}).Run(context.Background(), csvfile.NewSliceSource(rows, 5)))

	part, err := os.ReadFile(task.PartialPath(0))
	require.NoError(t, err)
	assert.Equal(t, "1@x,1\n2@x,2\n3@x,3\n4@x,4\n5@x,5\n", string(part))
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	task := testTask(t)
	fr := &fakeRemote{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(task, testSchema, fr).Run(ctx, twoWorkers()...)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, fr.calls)
}

func TestRun_CancelledDuringRetries(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	srv.Script("csvfile_list.php", remotetest.NotReady, remotetest.NotReady, remotetest.NotReady)

	task := testTask(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client, err := remote.NewClient(task,
		remote.WithBaseURL(srv.BaseURL(task.SiteID)),
		remote.WithHTTPClient(srv.Client()),
		remote.WithSleeper(func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		}),
	)
	require.NoError(t, err)

	o := New(task, testSchema, client)
	err = o.Run(ctx, twoWorkers()...)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StateChecking, stepErr.State)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, srv.Requests("article.php"))
}

func TestRun_LockedPrefix(t *testing.T) {
	task := testTask(t)
	require.NoError(t, os.WriteFile(task.PartialPath(0), []byte("a@x.com,A\n"), 0644))
	held := lock.NewFileLock(task.LockPath())
	require.NoError(t, held.TryLock())
	defer held.Unlock()

	fr := &fakeRemote{}
	err := New(task, testSchema, fr).Run(context.Background())
	assert.ErrorIs(t, err, lock.ErrLocked)
	assert.Empty(t, fr.calls)
	// the other run's files are untouched
	_, statErr := os.Stat(task.PartialPath(0))
	assert.NoError(t, statErr)
}

func TestRun_OnlyOnce(t *testing.T) {
	task := testTask(t)
	o := New(task, testSchema, &fakeRemote{})
	require.NoError(t, o.Run(context.Background(), twoWorkers()...))
	assert.Error(t, o.Run(context.Background(), twoWorkers()...))
}

func TestRun_CleanupFailureDoesNotOverrideOutcome(t *testing.T) {
	task := testTask(t)
	task.CleanupMergedFile = true
	core, logs := observer.New(zap.WarnLevel)

	// a non-empty directory at the merged path cannot be removed
	hook := &hookRemote{fakeRemote: &fakeRemote{}, afterUpload: func() {
		require.NoError(t, os.Remove(task.MergedPath()))
		require.NoError(t, os.MkdirAll(filepath.Join(task.MergedPath(), "keep"), 0755))
	}}
	o := New(task, testSchema, hook, WithLogger(zap.New(core)))

	require.NoError(t, o.Run(context.Background(), twoWorkers()...))
	assert.Equal(t, StateDone, o.State())
	assert.Equal(t, 1, logs.FilterMessage("cleanup incomplete").Len())
}

type hookRemote struct {
	*fakeRemote
	afterUpload func()
}

func (h *hookRemote) Upload(ctx context.Context, path string) error {
	err := h.fakeRemote.Upload(ctx, path)
	h.afterUpload()
	return err
}

func TestRun_Report(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	srv.Script("upload.php", remotetest.RateLimited, remotetest.OK)
	srv.Script("csvfile_list.php", remotetest.NotReady, remotetest.OK)

	task := testTask(t)
	task.ReportPath = filepath.Join(t.TempDir(), "reports", "run.yaml")
	clock := time.Date(2026, 10, 19, 9, 30, 0, 0, model.BookZone)
	o := New(task, testSchema, newRemote(t, task, srv),
		WithRunID("run-1"),
		WithClock(func() time.Time { return clock }))
	require.NoError(t, o.Run(context.Background(), twoWorkers()...))

	data, err := os.ReadFile(task.ReportPath)
	require.NoError(t, err)
	var report Report
	require.NoError(t, yaml.Unmarshal(data, &report))

	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, task.TmpfilePrefix, report.Prefix)
	assert.Equal(t, StateDone, report.State)
	assert.Equal(t, 2, report.Parts)
	assert.Equal(t, 2, report.Rows)
	assert.Empty(t, report.Error)
	require.NotNil(t, report.Remote)
	assert.Equal(t, 2, report.Remote.Requests["upload"])
	assert.Equal(t, 1, report.Remote.RateLimited["upload"])
	assert.Equal(t, 2, report.Remote.Requests["check"])
	assert.Equal(t, 1, report.Remote.NotReady)
	assert.Len(t, report.Transitions, 6)
	assert.True(t, report.StartedAt.Equal(clock))
}

func TestRun_ReportOnFailure(t *testing.T) {
	task := testTask(t)
	task.ReportPath = filepath.Join(t.TempDir(), "run.yaml")
	fr := &fakeRemote{errs: map[string]error{"check": io.ErrUnexpectedEOF}}

	require.Error(t, New(task, testSchema, fr).Run(context.Background(), twoWorkers()...))

	data, err := os.ReadFile(task.ReportPath)
	require.NoError(t, err)
	var report Report
	require.NoError(t, yaml.Unmarshal(data, &report))
	assert.Equal(t, StateFailed, report.State)
	assert.Contains(t, report.Error, "checking")
	assert.Nil(t, report.Remote)
}

func TestRun_LogsRunID(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	task := testTask(t)
	o := New(task, testSchema, &fakeRemote{}, WithLogger(zap.New(core)))
	require.NoError(t, o.Run(context.Background(), twoWorkers()...))

	require.NotEmpty(t, logs.All())
	for _, entry := range logs.All() {
		assert.Equal(t, o.RunID(), entry.ContextMap()["run_id"])
	}
	assert.Equal(t, 6, logs.FilterMessage("state changed").Len())
}
