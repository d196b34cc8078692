package snapshot

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"exporthub/internal/blob"
	"exporthub/internal/convert"
	"exporthub/internal/dispatch"
	"exporthub/internal/store"
	"exporthub/internal/store/sqlite"
)

var fixedNow = time.Date(2024, 6, 1, 10, 30, 0, 0, time.UTC)

// recordingStore captures converted format transitions. beginErr and
// startErr inject failures into the claim phase of jobs.
type recordingStore struct {
	store.Store
	mu          sync.Mutex
	transitions []store.Transition
	beginErr    error
	startErr    error
}

func (r *recordingStore) BeginTx(ctx context.Context) (store.Tx, error) {
	if r.beginErr != nil {
		return nil, r.beginErr
	}
	return r.Store.BeginTx(ctx)
}

func (r *recordingStore) TransitionExport(ctx context.Context, tx store.DBTransaction, id int64, t store.Transition) error {
	if r.startErr != nil && t.To == store.StatusInProgress {
		return r.startErr
	}
	return r.Store.TransitionExport(ctx, tx, id, t)
}

func (r *recordingStore) TransitionConvertedFormat(ctx context.Context, tx store.DBTransaction, id int64, t store.Transition) error {
	err := r.Store.TransitionConvertedFormat(ctx, tx, id, t)
	if err == nil {
		r.mu.Lock()
		r.transitions = append(r.transitions, t)
		r.mu.Unlock()
	}
	return err
}

func (r *recordingStore) recorded() []store.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.Transition(nil), r.transitions...)
}

// countingDispatcher counts jobs before handing them to next.
type countingDispatcher struct {
	mu   sync.Mutex
	jobs []dispatch.Job
	next dispatch.Dispatcher
	err  error
}

func (d *countingDispatcher) Enqueue(ctx context.Context, job dispatch.Job) error {
	d.mu.Lock()
	if d.err != nil {
		d.mu.Unlock()
		return d.err
	}
	d.jobs = append(d.jobs, job)
	d.mu.Unlock()
	if d.next == nil {
		return nil
	}
	return d.next.Enqueue(ctx, job)
}

func (d *countingDispatcher) count(kind dispatch.Kind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, j := range d.jobs {
		if j.Kind == kind {
			n++
		}
	}
	return n
}

// flakyBlobs fails Delete for references with the given suffix.
type flakyBlobs struct {
	blob.Storage
	failSuffix string
}

func (f *flakyBlobs) Delete(ctx context.Context, ref string) error {
	if f.failSuffix != "" && strings.HasSuffix(ref, f.failSuffix) {
		return errors.New("disk on fire")
	}
	return f.Storage.Delete(ctx, ref)
}

type env struct {
	t          *testing.T
	store      *recordingStore
	fs         *blob.LocalFS
	blobs      *flakyBlobs
	mux        *dispatch.Mux
	dispatcher *countingDispatcher
	manager    *Manager
	project    *store.Project
}

func newEnv(t *testing.T, features Features, opts ...Option) *env {
	t.Helper()
	ctx := context.Background()

	sq, err := sqlite.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })

	fs, err := blob.NewLocalFS(t.TempDir(), "https://media.example.com/data")
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &env{
		t:     t,
		store: &recordingStore{Store: sq},
		fs:    fs,
		blobs: &flakyBlobs{Storage: fs},
		mux:   dispatch.NewMux(log),
	}
	e.dispatcher = &countingDispatcher{next: dispatch.NewInline(e.mux)}
	opts = append([]Option{
		WithClock(func() time.Time { return fixedNow }),
		WithLogger(log),
	}, opts...)
	e.manager = New(e.store, e.blobs, convert.DefaultRegistry(), e.dispatcher, features, opts...)
	e.manager.RegisterJobs(e.mux)

	e.project = &store.Project{Title: "birds"}
	require.NoError(t, sq.CreateProject(ctx, e.project))
	return e
}

func (e *env) addTask(data string, results ...string) {
	e.t.Helper()
	ctx := context.Background()
	task := &store.Task{ProjectID: e.project.ID, Data: json.RawMessage(data)}
	require.NoError(e.t, e.store.CreateTask(ctx, task))
	for _, r := range results {
		require.NoError(e.t, e.store.CreateAnnotation(ctx, &store.Annotation{TaskID: task.ID, Result: json.RawMessage(r)}))
	}
}

func (e *env) completedExport() *store.Export {
	e.t.Helper()
	ctx := context.Background()
	created, err := e.manager.CreateExport(ctx, e.project.ID, CreateExportParams{Title: "snapshot"})
	require.NoError(e.t, err)
	export, err := e.manager.GetExport(ctx, e.project.ID, created.ID)
	require.NoError(e.t, err)
	require.Equal(e.t, store.StatusCompleted, export.Status, "traceback: %v", export.Traceback)
	return export
}

func (e *env) blobExists(ref string) bool {
	_, err := os.Stat(filepath.Join(e.fs.Root, filepath.FromSlash(ref)))
	return err == nil
}

const birdResult = `[{"from_name":"species","to_name":"image","type":"choices","value":{"choices":["Bird"]}}]`

func TestCreateExport_WritesSnapshot(t *testing.T) {
	e := newEnv(t, DefaultFeatures())
	e.addTask(`{"image":"a.jpg"}`, birdResult)
	e.addTask(`{"image":"b.jpg"}`)

	export := e.completedExport()
	require.NotNil(t, export.File)
	assert.Regexp(t, regexp.MustCompile(`^\d+/project-\d+-at-2024-06-01-10-30-[0-9a-f]{8}\.json$`), *export.File)
	assert.Equal(t, 2, export.Counters.TaskNumber)
	assert.Equal(t, 1, export.Counters.AnnotationNumber)
	require.NotNil(t, export.MD5)
	assert.True(t, strings.Contains(*export.File, (*export.MD5)[:8]))

	obj, err := e.fs.Open(context.Background(), *export.File)
	require.NoError(t, err)
	defer obj.Close()
	tasks, err := convert.Parse(obj)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestCreateExport_UnknownProject(t *testing.T) {
	e := newEnv(t, DefaultFeatures())
	_, err := e.manager.CreateExport(context.Background(), e.project.ID+1, CreateExportParams{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateExport_OnlyFinishedFilter(t *testing.T) {
	e := newEnv(t, DefaultFeatures())
	e.addTask(`{"image":"a.jpg"}`, birdResult)
	e.addTask(`{"image":"b.jpg"}`)

	created, err := e.manager.CreateExport(context.Background(), e.project.ID, CreateExportParams{
		Filter: store.TaskFilter{OnlyFinished: true},
	})
	require.NoError(t, err)
	export, err := e.manager.GetExport(context.Background(), e.project.ID, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, export.Counters.TaskNumber)
	assert.Contains(t, export.Title, "Export at")
}

func TestRequestConversion_Scenario(t *testing.T) {
	e := newEnv(t, DefaultFeatures())
	e.addTask(`{"image":"a.jpg"}`, birdResult)
	export := e.completedExport()
	ctx := context.Background()

	ticket, err := e.manager.RequestConversion(ctx, e.project.ID, export.ID, "CSV")
	require.NoError(t, err)
	assert.Equal(t, "CSV", ticket.ExportType)
	assert.NotZero(t, ticket.ConvertedFormatID)
	assert.Equal(t, 1, e.dispatcher.count(dispatch.KindConvert))

	got, err := e.manager.GetExport(ctx, e.project.ID, export.ID)
	require.NoError(t, err)
	require.Len(t, got.ConvertedFormats, 1)
	cf := got.ConvertedFormats[0]
	assert.Equal(t, ticket.ConvertedFormatID, cf.ID)
	assert.Equal(t, store.StatusCompleted, cf.Status)
	require.NotNil(t, cf.File)

	obj, err := e.fs.Open(ctx, *cf.File)
	require.NoError(t, err)
	body, err := io.ReadAll(obj)
	obj.Close()
	require.NoError(t, err)
	sum := md5.Sum(body)
	wantName := "project-" + itoa(e.project.ID) + "-at-2024-06-01-10-30-" + hex.EncodeToString(sum[:])[:8] + ".csv"
	assert.Equal(t, itoa(e.project.ID)+"/"+wantName, *cf.File)
	assert.Contains(t, string(body), "Bird")

	// Second request for the same pair is rejected.
	_, err = e.manager.RequestConversion(ctx, e.project.ID, export.ID, "CSV")
	require.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, "Conversion to CSV already started", err.Error())
	assert.Equal(t, 1, e.dispatcher.count(dispatch.KindConvert))
}

func TestRequestConversion_TransitionsInOrder(t *testing.T) {
	e := newEnv(t, DefaultFeatures())
	e.addTask(`{"image":"a.jpg"}`, birdResult)
	export := e.completedExport()

	_, err := e.manager.RequestConversion(context.Background(), e.project.ID, export.ID, "TSV")
	require.NoError(t, err)

	transitions := e.store.recorded()
	require.Len(t, transitions, 2)
	assert.Equal(t, store.StatusInProgress, transitions[0].To)
	assert.Nil(t, transitions[0].File)
	assert.Equal(t, store.StatusCompleted, transitions[1].To)
	assert.NotNil(t, transitions[1].File)
}

func TestRequestConversion_ConcurrentRequestsScheduleOneJob(t *testing.T) {
	e := newEnv(t, DefaultFeatures())
	e.addTask(`{"image":"a.jpg"}`, birdResult)
	export := e.completedExport()
	// Hold jobs so both requests race on the row only.
	e.dispatcher.next = nil

	const callers = 6
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, conflicts int
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.manager.RequestConversion(context.Background(), e.project.ID, export.ID, "CSV")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, store.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, conflicts)
	assert.Equal(t, 1, e.dispatcher.count(dispatch.KindConvert))
}

func TestRequestConversion_Validation(t *testing.T) {
	e := newEnv(t, DefaultFeatures())
	e.addTask(`{"image":"a.jpg"}`, birdResult)
	export := e.completedExport()
	ctx := context.Background()

	_, err := e.manager.RequestConversion(ctx, e.project.ID, export.ID, "COCO")
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = e.manager.RequestConversion(ctx, e.project.ID, export.ID, "JSON")
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = e.manager.RequestConversion(ctx, e.project.ID, export.ID+100, "CSV")
	assert.ErrorIs(t, err, store.ErrNotFound)

	pending := &store.Export{ProjectID: e.project.ID, Title: "pending"}
	require.NoError(t, e.store.CreateExport(ctx, nil, pending))
	_, err = e.manager.RequestConversion(ctx, e.project.ID, pending.ID, "CSV")
	assert.ErrorIs(t, err, store.ErrValidation)
	assert.Equal(t, "Export is not completed", err.Error())
}

func TestRequestConversion_EnqueueFailureRemovesRow(t *testing.T) {
	e := newEnv(t, DefaultFeatures())
	e.addTask(`{"image":"a.jpg"}`, birdResult)
	export := e.completedExport()
	ctx := context.Background()

	e.dispatcher.err = errors.New("queue down")
	_, err := e.manager.RequestConversion(ctx, e.project.ID, export.ID, "CSV")
	require.Error(t, err)

	formats, err := e.store.ListConvertedFormats(ctx, export.ID)
	require.NoError(t, err)
	assert.Empty(t, formats)

	// The format can be requested again once the queue is back.
	e.dispatcher.err = nil
	_, err = e.manager.RequestConversion(ctx, e.project.ID, export.ID, "CSV")
	assert.NoError(t, err)
}

func TestRequestConversion_CountsOnlyScheduledConversions(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	e := newEnv(t, DefaultFeatures(), WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))
	e.addTask(`{"image":"a.jpg"}`, birdResult)
	export := e.completedExport()
	ctx := context.Background()

	e.dispatcher.err = errors.New("queue down")
	_, err := e.manager.RequestConversion(ctx, e.project.ID, export.ID, "CSV")
	require.Error(t, err)
	assert.Zero(t, counterTotal(t, reader, "exporthub.conversions.started"))

	e.dispatcher.err = nil
	_, err = e.manager.RequestConversion(ctx, e.project.ID, export.ID, "CSV")
	require.NoError(t, err)
	assert.EqualValues(t, 1, counterTotal(t, reader, "exporthub.conversions.started"))
	assert.EqualValues(t, 1, counterTotal(t, reader, "exporthub.conversions.completed"))
}

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if m.Name != name || !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestConversionJob_NoAnnotationsFails(t *testing.T) {
	e := newEnv(t, DefaultFeatures())
	e.addTask(`{"image":"a.jpg"}`)
	export := e.completedExport()
	ctx := context.Background()

	ticket, err := e.manager.RequestConversion(ctx, e.project.ID, export.ID, "CSV")
	require.NoError(t, err)

	cf, err := e.store.GetConvertedFormatByID(ctx, nil, ticket.ConvertedFormatID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, cf.Status)
	assert.Nil(t, cf.File)
	require.NotNil(t, cf.Traceback)
	assert.Contains(t, *cf.Traceback, noAnnotationsMessage)

	for _, tr := range e.store.recorded() {
		assert.NotEqual(t, store.StatusCompleted, tr.To)
	}
}

func TestConversionJob_RedeliveryIsNoop(t *testing.T) {
	e := newEnv(t, DefaultFeatures())
	e.addTask(`{"image":"a.jpg"}`, birdResult)
	export := e.completedExport()
	ctx := context.Background()

	ticket, err := e.manager.RequestConversion(ctx, e.project.ID, export.ID, "CSV")
	require.NoError(t, err)
	before, err := e.store.GetConvertedFormatByID(ctx, nil, ticket.ConvertedFormatID)
	require.NoError(t, err)

	job := dispatch.Job{
		Kind:              dispatch.KindConvert,
		ProjectID:         e.project.ID,
		ExportID:          export.ID,
		ConvertedFormatID: ticket.ConvertedFormatID,
		ExportType:        "CSV",
	}
	require.NoError(t, e.mux.Run(ctx, job))

	after, err := e.store.GetConvertedFormatByID(ctx, nil, ticket.ConvertedFormatID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, e.store.recorded(), 2)
}

func TestConversionJob_InProgressIsNoop(t *testing.T) {
	e := newEnv(t, DefaultFeatures())
	e.addTask(`{"image":"a.jpg"}`, birdResult)
	export := e.completedExport()
	ctx := context.Background()

	cf, _, err := e.store.GetOrCreateConvertedFormat(ctx, export.ID, "CSV")
	require.NoError(t, err)
	require.NoError(t, e.store.Store.TransitionConvertedFormat(ctx, nil, cf.ID, store.Start()))

	job := dispatch.Job{Kind: dispatch.KindConvert, ProjectID: e.project.ID, ConvertedFormatID: cf.ID, ExportType: "CSV"}
	require.NoError(t, e.mux.Run(ctx, job))

	got, err := e.store.GetConvertedFormatByID(ctx, nil, cf.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, got.Status)
	assert.Nil(t, got.File)
	assert.Empty(t, e.store.recorded())
}

func TestConversionJob_ClaimErrorLeavesOwnedRowAlone(t *testing.T) {
	e := newEnv(t, DefaultFeatures())
	e.addTask(`{"image":"a.jpg"}`, birdResult)
	export := e.completedExport()
	ctx := context.Background()

	cf, _, err := e.store.GetOrCreateConvertedFormat(ctx, export.ID, "CSV")
	require.NoError(t, err)
	require.NoError(t, e.store.Store.TransitionConvertedFormat(ctx, nil, cf.ID, store.Start()))

	e.store.beginErr = errors.New("connection reset")
	job := dispatch.Job{Kind: dispatch.KindConvert, ProjectID: e.project.ID, ConvertedFormatID: cf.ID, ExportType: "CSV"}
	err = e.mux.Run(ctx, job)
	require.Error(t, err)
	assert.ErrorIs(t, err, errNotClaimed)

	got, err := e.store.GetConvertedFormatByID(ctx, nil, cf.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, got.Status)
	assert.Nil(t, got.Traceback)
}

func TestConversionJob_ClaimErrorFailsCreatedRow(t *testing.T) {
	e := newEnv(t, DefaultFeatures())
	e.addTask(`{"image":"a.jpg"}`, birdResult)
	export := e.completedExport()
	ctx := context.Background()

	cf, _, err := e.store.GetOrCreateConvertedFormat(ctx, export.ID, "CSV")
	require.NoError(t, err)

	e.store.beginErr = errors.New("connection reset")
	job := dispatch.Job{Kind: dispatch.KindConvert, ProjectID: e.project.ID, ConvertedFormatID: cf.ID, ExportType: "CSV"}
	require.Error(t, e.mux.Run(ctx, job))

	got, err := e.store.GetConvertedFormatByID(ctx, nil, cf.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	require.NotNil(t, got.Traceback)
	assert.Contains(t, *got.Traceback, "connection reset")
}

func TestExportJob_StartErrorLeavesRunningExportAlone(t *testing.T) {
	e := newEnv(t, DefaultFeatures())
	ctx := context.Background()

	running := &store.Export{ProjectID: e.project.ID, Title: "running"}
	require.NoError(t, e.store.CreateExport(ctx, nil, running))
	require.NoError(t, e.store.Store.TransitionExport(ctx, nil, running.ID, store.Start()))

	e.store.startErr = errors.New("connection reset")
	err := e.mux.Run(ctx, dispatch.Job{Kind: dispatch.KindExport, ProjectID: e.project.ID, ExportID: running.ID})
	require.Error(t, err)

	got, err := e.store.GetExportByID(ctx, nil, e.project.ID, running.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, got.Status)
	assert.Nil(t, got.Traceback)
}

func TestConversionJob_MissingRowIsNoop(t *testing.T) {
	e := newEnv(t, DefaultFeatures())
	job := dispatch.Job{Kind: dispatch.KindConvert, ProjectID: e.project.ID, ConvertedFormatID: 404, ExportType: "CSV"}
	assert.NoError(t, e.mux.Run(context.Background(), job))
}

func TestDeleteExport_RemovesFiles(t *testing.T) {
	e := newEnv(t, DefaultFeatures())
	e.addTask(`{"image":"a.jpg"}`, birdResult)
	export := e.completedExport()
	ctx := context.Background()

	_, err := e.manager.RequestConversion(ctx, e.project.ID, export.ID, "CSV")
	require.NoError(t, err)
	got, err := e.manager.GetExport(ctx, e.project.ID, export.ID)
	require.NoError(t, err)
	csvRef := *got.ConvertedFormats[0].File

	require.NoError(t, e.manager.DeleteExport(ctx, e.project.ID, export.ID))
	assert.False(t, e.blobExists(*export.File))
	assert.False(t, e.blobExists(csvRef))

	_, err = e.manager.GetExport(ctx, e.project.ID, export.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteExport_BlobFailureKeepsRow(t *testing.T) {
	e := newEnv(t, DefaultFeatures())
	e.addTask(`{"image":"a.jpg"}`, birdResult)
	export := e.completedExport()
	ctx := context.Background()

	_, err := e.manager.RequestConversion(ctx, e.project.ID, export.ID, "CSV")
	require.NoError(t, err)

	e.blobs.failSuffix = ".csv"
	err = e.manager.DeleteExport(ctx, e.project.ID, export.ID)
	require.ErrorIs(t, err, store.ErrStorage)

	got, err := e.manager.GetExport(ctx, e.project.ID, export.ID)
	require.NoError(t, err)
	assert.Len(t, got.ConvertedFormats, 1)
}

func TestDeleteExport_LegacyModeKeepsFiles(t *testing.T) {
	features := DefaultFeatures()
	features.RemoveFilesOnDelete = false
	e := newEnv(t, features)
	e.addTask(`{"image":"a.jpg"}`, birdResult)
	export := e.completedExport()
	ctx := context.Background()

	e.blobs.failSuffix = ".json"
	require.NoError(t, e.manager.DeleteExport(ctx, e.project.ID, export.ID))
	assert.True(t, e.blobExists(*export.File))

	err := e.manager.DeleteExport(ctx, e.project.ID, export.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResolveDownload(t *testing.T) {
	e := newEnv(t, DefaultFeatures())
	e.addTask(`{"image":"a.jpg"}`, birdResult)
	export := e.completedExport()
	ctx := context.Background()

	canonical, err := e.manager.ResolveDownload(ctx, e.project.ID, export.ID, "")
	require.NoError(t, err)
	defer canonical.Close()
	assert.Equal(t, "application/json", canonical.ContentType)
	assert.Equal(t, filepath.Base(*export.File), canonical.Name)
	body, err := io.ReadAll(canonical.Content)
	require.NoError(t, err)
	assert.Contains(t, string(body), "a.jpg")

	viaJSON, err := e.manager.ResolveDownload(ctx, e.project.ID, export.ID, "JSON")
	require.NoError(t, err)
	viaJSON.Close()
	assert.Equal(t, canonical.Ref, viaJSON.Ref)

	_, err = e.manager.ResolveDownload(ctx, e.project.ID, export.ID, "TSV")
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, "TSV format is not converted yet", err.Error())

	_, err = e.manager.RequestConversion(ctx, e.project.ID, export.ID, "CSV")
	require.NoError(t, err)
	converted, err := e.manager.ResolveDownload(ctx, e.project.ID, export.ID, "CSV")
	require.NoError(t, err)
	defer converted.Close()
	assert.Equal(t, "application/csv", converted.ContentType)

	// Ranged reads work on the stored file.
	_, err = converted.Content.Seek(3, io.SeekStart)
	require.NoError(t, err)
}

func TestResolveDownload_NotCompleted(t *testing.T) {
	e := newEnv(t, DefaultFeatures())
	ctx := context.Background()
	pending := &store.Export{ProjectID: e.project.ID, Title: "pending"}
	require.NoError(t, e.store.CreateExport(ctx, nil, pending))

	_, err := e.manager.ResolveDownload(ctx, e.project.ID, pending.ID, "")
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, "Export is not completed", err.Error())
}

func TestResolveDownload_Nginx(t *testing.T) {
	features := DefaultFeatures()
	features.NginxDownloads = true
	e := newEnv(t, features)
	e.addTask(`{"image":"a.jpg"}`, birdResult)
	export := e.completedExport()

	d, err := e.manager.ResolveDownload(context.Background(), e.project.ID, export.ID, "")
	require.NoError(t, err)
	assert.True(t, d.Offload)
	assert.Nil(t, d.Content)
	assert.Equal(t, "https://media.example.com/data/"+*export.File, d.URL)
}

func TestResolveDownload_LegacyConvertsOnTheFly(t *testing.T) {
	features := DefaultFeatures()
	features.AsyncConversion = false
	e := newEnv(t, features)
	e.addTask(`{"image":"a.jpg"}`, birdResult)
	export := e.completedExport()
	ctx := context.Background()

	d, err := e.manager.ResolveDownload(ctx, e.project.ID, export.ID, "CSV")
	require.NoError(t, err)
	defer d.Close()
	assert.Empty(t, d.Ref)
	assert.Equal(t, "application/csv", d.ContentType)
	body, err := io.ReadAll(d.Content)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Bird")

	formats, err := e.store.ListConvertedFormats(ctx, export.ID)
	require.NoError(t, err)
	assert.Empty(t, formats, "nothing is stored")
}

func TestResolveDownload_LegacyWithoutAnnotations(t *testing.T) {
	features := DefaultFeatures()
	features.AsyncConversion = false
	e := newEnv(t, features)
	e.addTask(`{"image":"a.jpg"}`)
	export := e.completedExport()

	_, err := e.manager.ResolveDownload(context.Background(), e.project.ID, export.ID, "CSV")
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, "Can't get file", err.Error())
}

func TestListExports_Limit(t *testing.T) {
	e := newEnv(t, DefaultFeatures())
	ctx := context.Background()
	for i := 0; i < ListLimit+1; i++ {
		require.NoError(t, e.store.CreateExport(ctx, nil, &store.Export{ProjectID: e.project.ID, Title: "x"}))
	}

	limited, err := e.manager.ListExports(ctx, e.project.ID)
	require.NoError(t, err)
	assert.Len(t, limited, ListLimit)

	features := DefaultFeatures()
	features.LimitExportList = false
	unlimited := New(e.store, e.blobs, convert.DefaultRegistry(), e.dispatcher, features)
	all, err := unlimited.ListExports(ctx, e.project.ID)
	require.NoError(t, err)
	assert.Len(t, all, ListLimit+1)

	_, err = e.manager.ListExports(ctx, e.project.ID+1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExportNow(t *testing.T) {
	e := newEnv(t, DefaultFeatures())
	e.addTask(`{"image":"a.jpg"}`, birdResult)
	ctx := context.Background()

	d, err := e.manager.ExportNow(ctx, e.project.ID, "csv", store.TaskFilter{})
	require.NoError(t, err)
	body, err := io.ReadAll(d.Content)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Bird")
	assert.True(t, strings.HasSuffix(d.Name, ".csv"))

	raw, err := e.manager.ExportNow(ctx, e.project.ID, "", store.TaskFilter{})
	require.NoError(t, err)
	assert.Equal(t, "application/json", raw.ContentType)

	_, err = e.manager.ExportNow(ctx, e.project.ID, "YOLO", store.TaskFilter{})
	assert.ErrorIs(t, err, store.ErrValidation)

	exports, err := e.store.ListExports(ctx, e.project.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, exports)
}

func TestVisualization(t *testing.T) {
	e := newEnv(t, DefaultFeatures())
	for i := 0; i < 6; i++ {
		e.addTask(`{"image":"img`+strconv.Itoa(i)+`.jpg","site":"north"}`, birdResult)
	}
	e.addTask(`{"image":"plain.jpg","site":"north"}`)

	columns, err := e.manager.Visualization(context.Background(), e.project.ID)
	require.NoError(t, err)
	assert.Contains(t, columns, "site")
	assert.Contains(t, columns, "species")
	assert.NotContains(t, columns, "image")
	assert.NotContains(t, columns, "id")

	_, err = e.manager.Visualization(context.Background(), e.project.ID+1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestQueryTasks(t *testing.T) {
	e := newEnv(t, DefaultFeatures())
	e.addTask(`{"image":"a.jpg","site":"north"}`, birdResult)
	e.addTask(`{"image":"b.jpg","site":"south"}`, birdResult)
	e.addTask(`{"image":"c.jpg","site":"south"}`)
	ctx := context.Background()

	rows, err := e.manager.QueryTasks(ctx, e.project.ID, QueryParams{
		SQL: `SELECT species, count(*) FROM df GROUP BY species`,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Bird", rows[0]["X"])
	assert.EqualValues(t, 2, rows[0]["Y"])

	rows, err = e.manager.QueryTasks(ctx, e.project.ID, QueryParams{
		SQL:             `SELECT count(*) FROM df WHERE site = 'south'`,
		IncludeAllTasks: true,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 2, rows[0]["X"])

	_, err = e.manager.QueryTasks(ctx, e.project.ID, QueryParams{
		SQL:        `SELECT site FROM df`,
		IgnoreKeys: []string{"site"},
	})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestQueryTasks_Validation(t *testing.T) {
	e := newEnv(t, DefaultFeatures())
	e.addTask(`{"image":"a.jpg"}`, birdResult)
	ctx := context.Background()

	_, err := e.manager.QueryTasks(ctx, e.project.ID, QueryParams{SQL: "  "})
	require.ErrorIs(t, err, store.ErrValidation)
	assert.Equal(t, "No SQL query provided", err.Error())

	_, err = e.manager.QueryTasks(ctx, e.project.ID, QueryParams{SQL: "DROP TABLE df"})
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = e.manager.QueryTasks(ctx, e.project.ID+1, QueryParams{SQL: "SELECT 1"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestQueryTasks_Timeout(t *testing.T) {
	e := newEnv(t, DefaultFeatures(), WithQueryTimeout(50*time.Millisecond))
	e.addTask(`{"image":"a.jpg"}`, birdResult)

	_, err := e.manager.QueryTasks(context.Background(), e.project.ID, QueryParams{
		SQL: `WITH RECURSIVE c(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM c) SELECT count(*) FROM c`,
	})
	require.ErrorIs(t, err, store.ErrValidation)
	assert.Contains(t, err.Error(), "timed out")
}

func TestExportFiles(t *testing.T) {
	e := newEnv(t, DefaultFeatures())
	ctx := context.Background()

	files, err := e.manager.ExportFiles(ctx, e.project.ID)
	require.NoError(t, err)
	assert.Empty(t, files)

	e.addTask(`{"image":"a.jpg"}`, birdResult)
	first := e.completedExport()
	e.addTask(`{"image":"b.jpg"}`, birdResult)
	second := e.completedExport()
	pending := &store.Export{ProjectID: e.project.ID, Title: "pending"}
	require.NoError(t, e.store.CreateExport(ctx, nil, pending))

	files, err = e.manager.ExportFiles(ctx, e.project.ID)
	require.NoError(t, err)
	require.Len(t, files, 2)

	names := map[string]bool{}
	for _, f := range files {
		names[f.Name] = true
		assert.False(t, strings.HasSuffix(f.Name, ".json"))
	}
	for _, export := range []*store.Export{first, second} {
		name := strings.TrimSuffix(filepath.Base(*export.File), ".json")
		assert.True(t, names[name], name)
	}
	assert.GreaterOrEqual(t, files[0].Name, files[1].Name)
	assert.Regexp(t, `^/api/projects/\d+/exports/\d+/download$`, files[0].URL)

	_, err = e.manager.ExportFiles(ctx, e.project.ID+1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFormats(t *testing.T) {
	e := newEnv(t, DefaultFeatures())
	formats := e.manager.Formats()
	require.NotEmpty(t, formats)
	assert.Equal(t, convert.Canonical, formats[0].Name)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
