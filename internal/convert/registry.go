// Package convert turns canonical export snapshots into other formats.
package convert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"exporthub/internal/store"
)

// Canonical is the name of the format snapshots are stored in.
const Canonical = "JSON"

var (
	// ErrNoAnnotations means the snapshot holds nothing to convert.
	ErrNoAnnotations = errors.New("no annotations to convert")

	// ErrUnknownFormat is returned for export types missing from the registry.
	ErrUnknownFormat = errors.New("unknown export format")
)

// Converter renders the tasks of a snapshot.
type Converter interface {
	Convert(ctx context.Context, tasks []store.Task) ([]byte, error)
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(ctx context.Context, tasks []store.Task) ([]byte, error)

func (f ConverterFunc) Convert(ctx context.Context, tasks []store.Task) ([]byte, error) {
	return f(ctx, tasks)
}

// Format describes an export type.
type Format struct {
	Name        string
	Title       string
	Description string
	Ext         string
	Tags        []string
	converter   Converter
}

// Convertible reports whether the format is derived from the canonical snapshot.
func (f Format) Convertible() bool {
	return f.converter != nil
}

// ContentType is the MIME type served for downloads.
func (f Format) ContentType() string {
	return "application/" + f.Ext
}

// Result is a converted artifact.
type Result struct {
	Data []byte
	Ext  string
}

// Registry holds the known formats in display order.
type Registry struct {
	order   []string
	formats map[string]Format
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{formats: map[string]Format{}}
}

// DefaultRegistry registers every built-in format.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Format{
		Name:        Canonical,
		Title:       "JSON",
		Description: "List of items in raw JSON format stored in one JSON file. Use to export both the data and the annotations for a dataset.",
		Ext:         "json",
		Tags:        []string{"common"},
	}, nil)
	r.Register(Format{
		Name:        "JSON_MIN",
		Title:       "JSON-MIN",
		Description: "List of items where only \"from_name\", \"to_name\" values from the raw JSON format are exported.",
		Ext:         "json",
		Tags:        []string{"common"},
	}, ConverterFunc(toJSONMin))
	r.Register(Format{
		Name:        "CSV",
		Title:       "CSV",
		Description: "Results are stored as comma-separated values with the column names specified by the values of the \"from_name\" and \"to_name\" fields.",
		Ext:         "csv",
		Tags:        []string{"common"},
	}, ConverterFunc(toCSV))
	r.Register(Format{
		Name:        "TSV",
		Title:       "TSV",
		Description: "Results are stored in tab-separated tabular file with column names specified by \"from_name\" \"to_name\" values",
		Ext:         "tsv",
		Tags:        []string{"common"},
	}, ConverterFunc(toTSV))
	r.Register(Format{
		Name:        "PDF",
		Title:       "PDF report",
		Description: "Printable summary with the distribution of categorical labels per control tag.",
		Ext:         "pdf",
		Tags:        []string{"report"},
	}, ConverterFunc(toPDF))
	return r
}

// Register adds or replaces a format. A nil converter marks the canonical format.
func (r *Registry) Register(f Format, c Converter) {
	f.Name = strings.ToUpper(f.Name)
	if _, exists := r.formats[f.Name]; !exists {
		r.order = append(r.order, f.Name)
	}
	f.converter = c
	r.formats[f.Name] = f
}

// Lookup finds a format by name, case-insensitively.
func (r *Registry) Lookup(name string) (Format, bool) {
	f, ok := r.formats[strings.ToUpper(name)]
	return f, ok
}

// Formats returns all formats in registration order.
func (r *Registry) Formats() []Format {
	out := make([]Format, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.formats[name])
	}
	return out
}

// Names returns the sorted format names.
func (r *Registry) Names() []string {
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Convert renders tasks into the named format.
func (r *Registry) Convert(ctx context.Context, name string, tasks []store.Task) (*Result, error) {
	f, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, name)
	}
	if !f.Convertible() {
		data, err := Serialize(tasks)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Ext: f.Ext}, nil
	}
	data, err := f.converter.Convert(ctx, tasks)
	if err != nil {
		return nil, err
	}
	return &Result{Data: data, Ext: f.Ext}, nil
}

// ConvertSnapshot decodes a canonical snapshot and converts it.
func (r *Registry) ConvertSnapshot(ctx context.Context, name string, snapshot io.Reader) (*Result, error) {
	tasks, err := Parse(snapshot)
	if err != nil {
		return nil, err
	}
	return r.Convert(ctx, name, tasks)
}

// Serialize renders tasks in the canonical snapshot format.
func Serialize(tasks []store.Task) ([]byte, error) {
	if tasks == nil {
		tasks = []store.Task{}
	}
	return json.MarshalIndent(tasks, "", "  ")
}

// Parse decodes a canonical snapshot.
func Parse(r io.Reader) ([]store.Task, error) {
	var tasks []store.Task
	if err := json.NewDecoder(r).Decode(&tasks); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return tasks, nil
}
