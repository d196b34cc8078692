package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"exporthub/internal/blob"
	"exporthub/internal/convert"
	"exporthub/internal/store"
)

// Download is a resolved file ready to be streamed.
type Download struct {
	// Ref is the storage reference, empty for files built on the fly.
	Ref         string
	Name        string
	ContentType string
	ModTime     time.Time
	Size        int64

	// URL is the storage URL of Ref, used for proxy offloading.
	URL string

	// Offload is set when the proxy serves the file; Content is nil then.
	Offload bool
	Content io.ReadSeekCloser
}

// Close releases the content, if any.
func (d *Download) Close() error {
	if d.Content == nil {
		return nil
	}
	return d.Content.Close()
}

type nopSeekCloser struct {
	*bytes.Reader
}

func (nopSeekCloser) Close() error { return nil }

func inMemoryDownload(name string, res *convert.Result, at time.Time) *Download {
	return &Download{
		Name:        name,
		ContentType: "application/" + res.Ext,
		ModTime:     at,
		Size:        int64(len(res.Data)),
		Content:     nopSeekCloser{bytes.NewReader(res.Data)},
	}
}

// ResolveDownload finds the file to serve for an export. An empty export type,
// or the canonical one, selects the snapshot itself. The caller must Close the
// returned Download.
func (m *Manager) ResolveDownload(ctx context.Context, projectID, exportID int64, exportType string) (*Download, error) {
	export, err := m.getExport(ctx, projectID, exportID)
	if err != nil {
		return nil, err
	}
	if export.Status != store.StatusCompleted {
		return nil, notFoundf("Export is not completed")
	}

	if !m.features.AsyncConversion {
		return m.legacyDownload(ctx, export, exportType)
	}

	ref := ""
	if export.HasFile() {
		ref = *export.File
	}
	if exportType != "" && !strings.EqualFold(exportType, convert.Canonical) {
		cf, err := m.completedConversion(ctx, export.ID, exportType)
		if err != nil {
			return nil, err
		}
		ref = *cf.File
	}
	if ref == "" {
		return nil, notFoundf("Export file is missing")
	}

	if m.features.NginxDownloads {
		return &Download{
			Ref:         ref,
			Name:        path.Base(ref),
			ContentType: contentType(ref),
			URL:         m.blobs.URL(ref),
			Offload:     true,
		}, nil
	}
	return m.open(ctx, ref)
}

// completedConversion returns the stored conversion of exportType.
func (m *Manager) completedConversion(ctx context.Context, exportID int64, exportType string) (*store.ConvertedFormat, error) {
	formats, err := m.store.ListConvertedFormats(ctx, exportID)
	if err != nil {
		return nil, fmt.Errorf("list converted formats: %w", err)
	}
	for i := range formats {
		cf := &formats[i]
		if strings.EqualFold(cf.ExportType, exportType) && cf.Status == store.StatusCompleted && cf.HasFile() {
			return cf, nil
		}
	}
	return nil, notFoundf("%s format is not converted yet", exportType)
}

// legacyDownload converts the snapshot on request instead of reading a stored conversion.
func (m *Manager) legacyDownload(ctx context.Context, export *store.Export, exportType string) (*Download, error) {
	if !export.HasFile() {
		return nil, notFoundf("Can't get file")
	}
	if exportType == "" {
		return m.open(ctx, *export.File)
	}

	snapshot, err := m.blobs.Open(ctx, *export.File)
	if errors.Is(err, blob.ErrNotExist) {
		return nil, notFoundf("Can't get file")
	}
	if err != nil {
		return nil, storageErr("open export file", err)
	}
	defer snapshot.Close()

	res, err := m.formats.ConvertSnapshot(ctx, exportType, snapshot)
	if errors.Is(err, convert.ErrNoAnnotations) || errors.Is(err, convert.ErrUnknownFormat) {
		return nil, notFoundf("Can't get file")
	}
	if err != nil {
		return nil, fmt.Errorf("convert export %d: %w", export.ID, err)
	}
	name, _, _ := m.fileName(export.ProjectID, res.Data, res.Ext)
	return inMemoryDownload(name, res, m.now()), nil
}

func (m *Manager) open(ctx context.Context, ref string) (*Download, error) {
	obj, err := m.blobs.Open(ctx, ref)
	if errors.Is(err, blob.ErrNotExist) {
		return nil, notFoundf("Export file is missing")
	}
	if err != nil {
		return nil, storageErr("open export file", err)
	}
	return &Download{
		Ref:         ref,
		Name:        path.Base(ref),
		ContentType: contentType(ref),
		ModTime:     obj.ModTime,
		Size:        obj.Size,
		URL:         m.blobs.URL(ref),
		Content:     obj,
	}, nil
}

// contentType is application/{ext} of the reference.
func contentType(ref string) string {
	ext := strings.TrimPrefix(path.Ext(ref), ".")
	if ext == "" {
		return "application/octet-stream"
	}
	return "application/" + ext
}
