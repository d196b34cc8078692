package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"

	"exporthub/internal/convert"
	"exporthub/internal/dispatch"
	"exporthub/internal/logger"
	"exporthub/internal/store"
)

// noAnnotationsMessage is recorded when a conversion yields no output.
const noAnnotationsMessage = "No converted file found, probably there are no annotations in the export snapshot"

// ConversionTicket is returned once a conversion has been scheduled.
type ConversionTicket struct {
	ExportType        string
	ConvertedFormatID int64
}

// RequestConversion creates the converted format row for (export, exportType) and
// schedules exactly one conversion job for it. A second request for the same pair
// fails with a conflict, whatever the state of the first one.
func (m *Manager) RequestConversion(ctx context.Context, projectID, exportID int64, exportType string) (*ConversionTicket, error) {
	format, ok := m.formats.Lookup(exportType)
	if !ok {
		return nil, validationf("Unknown export type %q", exportType)
	}
	if !format.Convertible() {
		return nil, validationf("%s is the snapshot format and cannot be converted", format.Name)
	}

	export, err := m.getExport(ctx, projectID, exportID)
	if err != nil {
		return nil, err
	}
	if export.Status != store.StatusCompleted {
		return nil, validationf("Export is not completed")
	}

	cf, created, err := m.store.GetOrCreateConvertedFormat(ctx, export.ID, format.Name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFoundf("Export %d not found", exportID)
	}
	if err != nil {
		return nil, fmt.Errorf("get or create converted format: %w", err)
	}
	if !created {
		return nil, conflictf("Conversion to %s already started", format.Name)
	}

	job := dispatch.Job{
		Kind:              dispatch.KindConvert,
		ProjectID:         projectID,
		ExportID:          export.ID,
		ConvertedFormatID: cf.ID,
		ExportType:        format.Name,
	}
	if err := m.dispatcher.Enqueue(ctx, job); err != nil {
		// Without a job the row would block every future request for this format.
		if delErr := m.store.DeleteConvertedFormat(context.WithoutCancel(ctx), cf.ID); delErr != nil && !errors.Is(delErr, store.ErrNotFound) {
			logger.FromContext(ctx, m.logger).Error("failed to remove unscheduled conversion",
				"converted_format_id", cf.ID, "error", delErr)
		}
		return nil, fmt.Errorf("schedule conversion: %w", err)
	}
	m.metrics.add(ctx, m.metrics.started, format.Name)

	return &ConversionTicket{ExportType: format.Name, ConvertedFormatID: cf.ID}, nil
}

// runConvert is the conversion job. It claims the row by moving it out of
// created inside a transaction, so redelivered or duplicated jobs back off.
func (m *Manager) runConvert(ctx context.Context, job dispatch.Job) error {
	log := logger.FromContext(ctx, m.logger).With("converted_format_id", job.ConvertedFormatID, "export_type", job.ExportType)

	cf, claimed, err := m.claimConversion(ctx, job)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	started := m.now()
	export, err := m.store.GetExportByID(ctx, nil, job.ProjectID, cf.ExportID)
	if err != nil {
		return pkgerrors.Wrapf(err, "load export %d", cf.ExportID)
	}
	if !export.HasFile() {
		return pkgerrors.Errorf("export %d has no snapshot file", export.ID)
	}

	snapshot, err := m.blobs.Open(ctx, *export.File)
	if err != nil {
		return pkgerrors.Wrapf(err, "open snapshot %s", *export.File)
	}
	res, err := m.formats.ConvertSnapshot(ctx, cf.ExportType, snapshot)
	snapshot.Close()
	if errors.Is(err, convert.ErrNoAnnotations) {
		return pkgerrors.WithStack(validationf(noAnnotationsMessage))
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "convert export %d to %s", export.ID, cf.ExportType)
	}

	_, path, _ := m.fileName(job.ProjectID, res.Data, res.Ext)
	ref, err := m.blobs.Save(ctx, path, bytes.NewReader(res.Data))
	if err != nil {
		return pkgerrors.WithStack(storageErr("save converted file", err))
	}

	if err := m.store.TransitionConvertedFormat(ctx, nil, cf.ID, store.Complete(ref)); err != nil {
		if delErr := m.blobs.Delete(ctx, ref); delErr != nil {
			log.Warn("failed to remove orphaned file", "file", ref, "error", delErr)
		}
		return pkgerrors.Wrap(err, "complete conversion")
	}

	m.metrics.add(ctx, m.metrics.completed, cf.ExportType)
	m.metrics.observe(ctx, cf.ExportType, started)
	log.Info("conversion completed", "file", ref, "took", time.Since(started).String())
	return nil
}

// claimConversion moves the row from created to in_progress. claimed is false
// when the row is gone or another attempt already advanced it.
func (m *Manager) claimConversion(ctx context.Context, job dispatch.Job) (*store.ConvertedFormat, bool, error) {
	log := logger.FromContext(ctx, m.logger)

	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return nil, false, notClaimed(pkgerrors.Wrap(err, "begin transaction"))
	}
	defer tx.Rollback()

	cf, err := m.store.GetConvertedFormatByID(ctx, tx, job.ConvertedFormatID)
	if errors.Is(err, store.ErrNotFound) {
		log.Error(fmt.Sprintf("ConvertedFormat with id %d not found, conversion failed", job.ConvertedFormatID))
		return nil, false, nil
	}
	if err != nil {
		return nil, false, notClaimed(pkgerrors.Wrapf(err, "load converted format %d", job.ConvertedFormatID))
	}
	if cf.Status != store.StatusCreated {
		log.Error(fmt.Sprintf("Conversion for export id %d to %s already started", cf.ExportID, cf.ExportType))
		return nil, false, nil
	}

	err = m.store.TransitionConvertedFormat(ctx, tx, cf.ID, store.Start())
	if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrNotFound) {
		log.Error(fmt.Sprintf("Conversion for export id %d to %s already started", cf.ExportID, cf.ExportType))
		return nil, false, nil
	}
	if err != nil {
		return nil, false, notClaimed(pkgerrors.Wrap(err, "start conversion"))
	}
	if err := tx.Commit(); err != nil {
		return nil, false, notClaimed(pkgerrors.Wrap(err, "commit conversion start"))
	}
	cf.Status = store.StatusInProgress
	return cf, true, nil
}

// conversionFailed records the failure and trace on the converted format.
func (m *Manager) conversionFailed(ctx context.Context, job dispatch.Job, jobErr error, traceback string) {
	ctx = context.WithoutCancel(ctx)
	log := logger.FromContext(ctx, m.logger).With("converted_format_id", job.ConvertedFormatID)

	err := m.store.TransitionConvertedFormat(ctx, nil, job.ConvertedFormatID, failure(jobErr, traceback))
	switch {
	case err == nil:
		m.metrics.add(ctx, m.metrics.failed, job.ExportType)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrStatusConflict):
		log.Warn("conversion failure not recorded", "reason", err, "job_error", jobErr)
	default:
		log.Error("failed to record conversion failure", "error", err, "job_error", jobErr)
	}
}
