package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"exporthub/internal/convert"
	"exporthub/internal/dispatch"
	"exporthub/internal/logger"
	"exporthub/internal/store"
)

// CreateExportParams describe a new snapshot.
type CreateExportParams struct {
	Title     string
	CreatedBy *int64
	Filter    store.TaskFilter
}

// CreateExport inserts a snapshot in created state and schedules its generation.
func (m *Manager) CreateExport(ctx context.Context, projectID int64, params CreateExportParams) (*store.Export, error) {
	if _, err := m.store.GetProjectByID(ctx, projectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFoundf("Project %d not found", projectID)
		}
		return nil, fmt.Errorf("get project %d: %w", projectID, err)
	}

	title := strings.TrimSpace(params.Title)
	if title == "" {
		title = fmt.Sprintf("Export at %s", m.now().UTC().Format("2006-01-02 15:04"))
	}
	export := &store.Export{
		ProjectID: projectID,
		Title:     title,
		CreatedBy: params.CreatedBy,
		Status:    store.StatusCreated,
	}
	if err := m.store.CreateExport(ctx, nil, export); err != nil {
		return nil, fmt.Errorf("create export: %w", err)
	}

	job := dispatch.Job{
		Kind:      dispatch.KindExport,
		ProjectID: projectID,
		ExportID:  export.ID,
	}
	if params.Filter.OnlyFinished || len(params.Filter.TaskIDs) > 0 {
		filter := params.Filter
		job.Filter = &filter
	}
	if err := m.dispatcher.Enqueue(ctx, job); err != nil {
		if delErr := m.store.DeleteExport(context.WithoutCancel(ctx), export.ID); delErr != nil {
			logger.FromContext(ctx, m.logger).Error("failed to remove unscheduled export",
				"export_id", export.ID, "error", delErr)
		}
		return nil, fmt.Errorf("schedule export: %w", err)
	}
	return export, nil
}

// runExport serializes the project's tasks into the canonical snapshot file.
func (m *Manager) runExport(ctx context.Context, job dispatch.Job) error {
	log := logger.FromContext(ctx, m.logger).With("export_id", job.ExportID)

	err := m.store.TransitionExport(ctx, nil, job.ExportID, store.Start())
	if errors.Is(err, store.ErrNotFound) {
		log.Error(fmt.Sprintf("Export with id %d not found", job.ExportID))
		return nil
	}
	if errors.Is(err, store.ErrStatusConflict) {
		log.Error(fmt.Sprintf("Export with id %d already started", job.ExportID))
		return nil
	}
	if err != nil {
		return notClaimed(pkgerrors.Wrap(err, "start export"))
	}

	var filter store.TaskFilter
	if job.Filter != nil {
		filter = *job.Filter
	}
	tasks, err := m.store.ListExportTasks(ctx, job.ProjectID, filter)
	if err != nil {
		return pkgerrors.Wrap(err, "list tasks")
	}
	data, err := convert.Serialize(tasks)
	if err != nil {
		return pkgerrors.Wrap(err, "serialize tasks")
	}

	_, path, sum := m.fileName(job.ProjectID, data, "json")
	ref, err := m.blobs.Save(ctx, path, bytes.NewReader(data))
	if err != nil {
		return pkgerrors.WithStack(storageErr("save snapshot file", err))
	}

	t := store.Complete(ref)
	t.MD5 = &sum
	t.Counters = &store.ExportCounters{TaskNumber: len(tasks)}
	for _, task := range tasks {
		t.Counters.AnnotationNumber += len(task.Annotations)
	}
	if err := m.store.TransitionExport(ctx, nil, job.ExportID, t); err != nil {
		if delErr := m.blobs.Delete(ctx, ref); delErr != nil {
			log.Warn("failed to remove orphaned file", "file", ref, "error", delErr)
		}
		return pkgerrors.Wrap(err, "complete export")
	}

	log.Info("export completed", "file", ref, "tasks", t.Counters.TaskNumber, "annotations", t.Counters.AnnotationNumber)
	return nil
}

// exportFailed records the failure and trace on the export.
func (m *Manager) exportFailed(ctx context.Context, job dispatch.Job, jobErr error, traceback string) {
	ctx = context.WithoutCancel(ctx)
	err := m.store.TransitionExport(ctx, nil, job.ExportID, failure(jobErr, traceback))
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrStatusConflict):
		logger.FromContext(ctx, m.logger).Warn("export failure not recorded",
			"export_id", job.ExportID, "reason", err, "job_error", jobErr)
	default:
		logger.FromContext(ctx, m.logger).Error("failed to record export failure",
			"export_id", job.ExportID, "error", err, "job_error", jobErr)
	}
}

// ListExports returns the project's snapshots newest first.
func (m *Manager) ListExports(ctx context.Context, projectID int64) ([]store.Export, error) {
	if _, err := m.store.GetProjectByID(ctx, projectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFoundf("Project %d not found", projectID)
		}
		return nil, fmt.Errorf("get project %d: %w", projectID, err)
	}

	limit := 0
	if m.features.LimitExportList {
		limit = ListLimit
	}
	exports, err := m.store.ListExports(ctx, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list exports: %w", err)
	}
	for i := range exports {
		formats, err := m.store.ListConvertedFormats(ctx, exports[i].ID)
		if err != nil {
			return nil, fmt.Errorf("list converted formats: %w", err)
		}
		exports[i].ConvertedFormats = formats
	}
	return exports, nil
}

// GetExport returns a snapshot with its conversions.
func (m *Manager) GetExport(ctx context.Context, projectID, exportID int64) (*store.Export, error) {
	export, err := m.getExport(ctx, projectID, exportID)
	if err != nil {
		return nil, err
	}
	formats, err := m.store.ListConvertedFormats(ctx, export.ID)
	if err != nil {
		return nil, fmt.Errorf("list converted formats: %w", err)
	}
	export.ConvertedFormats = formats
	return export, nil
}

// ExportNow converts the current tasks of a project without storing anything.
func (m *Manager) ExportNow(ctx context.Context, projectID int64, exportType string, filter store.TaskFilter) (*Download, error) {
	if exportType == "" {
		exportType = convert.Canonical
	}
	format, ok := m.formats.Lookup(exportType)
	if !ok {
		return nil, validationf("Unknown export type %q", exportType)
	}
	if _, err := m.store.GetProjectByID(ctx, projectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFoundf("Project %d not found", projectID)
		}
		return nil, fmt.Errorf("get project %d: %w", projectID, err)
	}

	tasks, err := m.store.ListExportTasks(ctx, projectID, filter)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	res, err := m.formats.Convert(ctx, format.Name, tasks)
	if errors.Is(err, convert.ErrNoAnnotations) {
		return nil, validationf(noAnnotationsMessage)
	}
	if err != nil {
		return nil, fmt.Errorf("convert to %s: %w", format.Name, err)
	}
	name, _, _ := m.fileName(projectID, res.Data, res.Ext)
	return inMemoryDownload(name, res, m.now()), nil
}
