package snapshot

import (
	"context"
	"errors"
	"fmt"

	"exporthub/internal/logger"
	"exporthub/internal/store"
)

// DeleteExport removes a snapshot. With RemoveFilesOnDelete the stored files of
// the export and of every conversion are deleted first, and any storage error
// keeps the row so the files stay reachable. Otherwise only the row is deleted.
func (m *Manager) DeleteExport(ctx context.Context, projectID, exportID int64) error {
	export, err := m.getExport(ctx, projectID, exportID)
	if err != nil {
		return err
	}

	if m.features.RemoveFilesOnDelete {
		if err := m.removeFiles(ctx, export); err != nil {
			return err
		}
	} else {
		logger.FromContext(ctx, m.logger).Debug("legacy delete keeps stored files", "export_id", export.ID)
	}

	if err := m.store.DeleteExport(ctx, export.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFoundf("Export %d not found", exportID)
		}
		return fmt.Errorf("delete export %d: %w", exportID, err)
	}
	return nil
}

// removeFiles deletes the snapshot file, then each conversion file.
func (m *Manager) removeFiles(ctx context.Context, export *store.Export) error {
	if export.HasFile() {
		if err := m.blobs.Delete(ctx, *export.File); err != nil {
			return storageErr("Failed to delete export file", err)
		}
	}

	formats, err := m.store.ListConvertedFormats(ctx, export.ID)
	if err != nil {
		return fmt.Errorf("list converted formats: %w", err)
	}
	for _, cf := range formats {
		if !cf.HasFile() {
			continue
		}
		if err := m.blobs.Delete(ctx, *cf.File); err != nil {
			return storageErr(fmt.Sprintf("Failed to delete %s file", cf.ExportType), err)
		}
	}
	return nil
}
