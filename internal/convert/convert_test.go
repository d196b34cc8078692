package convert

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exporthub/internal/store"
)

func annotator(id int64) *int64 { return &id }

func sampleTasks() []store.Task {
	created := time.Date(2024, 3, 5, 14, 7, 0, 0, time.UTC)
	return []store.Task{
		{
			ID:   1,
			Data: json.RawMessage(`{"image":"a.jpg"}`),
			Annotations: []store.Annotation{
				{
					ID:          10,
					CompletedBy: annotator(3),
					CreatedAt:   created,
					Result:      json.RawMessage(`[{"from_name":"species","to_name":"image","type":"choices","value":{"choices":["Bird"]}}]`),
				},
				{ID: 11, WasCancelled: true, CreatedAt: created},
			},
		},
		{
			ID:   2,
			Data: json.RawMessage(`{"image":"b.jpg"}`),
			Annotations: []store.Annotation{
				{
					ID:        12,
					CreatedAt: created,
					Result:    json.RawMessage(`[{"from_name":"tags","to_name":"image","type":"labels","value":{"labels":["Wing","Beak"]}}]`),
				},
			},
		},
		{ID: 3, Data: json.RawMessage(`{"image":"c.jpg"}`)},
	}
}

func TestDefaultRegistry_Lookup(t *testing.T) {
	r := DefaultRegistry()

	f, ok := r.Lookup("csv")
	require.True(t, ok)
	assert.Equal(t, "CSV", f.Name)
	assert.Equal(t, "application/csv", f.ContentType())
	assert.True(t, f.Convertible())

	canonical, ok := r.Lookup(Canonical)
	require.True(t, ok)
	assert.False(t, canonical.Convertible())

	_, ok = r.Lookup("YOLO")
	assert.False(t, ok)

	assert.Equal(t, []string{"CSV", "JSON", "JSON_MIN", "PDF", "TSV"}, r.Names())
	assert.Equal(t, Canonical, r.Formats()[0].Name)
}

func TestConvert_CSV(t *testing.T) {
	res, err := DefaultRegistry().Convert(context.Background(), "CSV", sampleTasks())
	require.NoError(t, err)
	assert.Equal(t, "csv", res.Ext)

	rows, err := csv.NewReader(bytes.NewReader(res.Data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3, "header plus one row per non-cancelled annotation")
	assert.Equal(t, []string{"id", "annotation_id", "annotator", "created_at", "image", "species", "tags"}, rows[0])
	assert.Equal(t, []string{"1", "10", "3", "2024-03-05T14:07:00Z", "a.jpg", "Bird", ""}, rows[1])
	assert.Equal(t, []string{"2", "12", "", "2024-03-05T14:07:00Z", "b.jpg", "", `["Wing","Beak"]`}, rows[2])
}

func TestConvert_TSV(t *testing.T) {
	res, err := DefaultRegistry().Convert(context.Background(), "tsv", sampleTasks())
	require.NoError(t, err)
	assert.Equal(t, "tsv", res.Ext)
	assert.Contains(t, string(res.Data), "id\tannotation_id\tannotator")
}

func TestConvert_JSONMin(t *testing.T) {
	res, err := DefaultRegistry().Convert(context.Background(), "JSON_MIN", sampleTasks())
	require.NoError(t, err)

	var out []map[string]interface{}
	require.NoError(t, json.Unmarshal(res.Data, &out))
	require.Len(t, out, 2)
	assert.Equal(t, "Bird", out[0]["species"])
	assert.Equal(t, []interface{}{"Wing", "Beak"}, out[1]["tags"])
}

func TestConvert_PDF(t *testing.T) {
	res, err := DefaultRegistry().Convert(context.Background(), "PDF", sampleTasks())
	require.NoError(t, err)
	assert.Equal(t, "pdf", res.Ext)
	assert.True(t, bytes.HasPrefix(res.Data, []byte("%PDF")))
}

func TestConvert_NoAnnotations(t *testing.T) {
	tasks := []store.Task{{ID: 1, Data: json.RawMessage(`{}`)}}
	for _, format := range []string{"CSV", "TSV", "JSON_MIN", "PDF"} {
		_, err := DefaultRegistry().Convert(context.Background(), format, tasks)
		assert.ErrorIs(t, err, ErrNoAnnotations, format)
	}
}

func TestConvert_DataKeysCannotShadowFixedColumns(t *testing.T) {
	tasks := []store.Task{{
		ID:   7,
		Data: json.RawMessage(`{"annotator":"someone","id":"x","note":"n"}`),
		Annotations: []store.Annotation{{
			ID:        70,
			CreatedAt: time.Date(2024, 3, 5, 14, 7, 0, 0, time.UTC),
			Result:    json.RawMessage(`[{"from_name":"species","value":{"choices":["Bird"]}}]`),
		}},
	}}
	res, err := DefaultRegistry().Convert(context.Background(), "CSV", tasks)
	require.NoError(t, err)

	rows, err := csv.NewReader(bytes.NewReader(res.Data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"id", "annotation_id", "annotator", "created_at", "note", "species"}, rows[0])
	assert.Equal(t, []string{"7", "70", "", "2024-03-05T14:07:00Z", "n", "Bird"}, rows[1])
}

func TestRecords(t *testing.T) {
	columns, rows, err := Records(sampleTasks(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "annotation_id", "annotator", "created_at", "image", "species", "tags"}, columns)
	require.Len(t, rows, 2)
	assert.Equal(t, "Bird", rows[0]["species"])

	_, rows, err = Records(sampleTasks(), true)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(3), rows[2]["id"])
	assert.Equal(t, "c.jpg", rows[2]["image"])
	assert.Nil(t, rows[2]["annotation_id"])

	_, rows, err = Records(nil, true)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestConvert_UnknownFormat(t *testing.T) {
	_, err := DefaultRegistry().Convert(context.Background(), "COCO", sampleTasks())
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestConvertSnapshot_RoundTripsCanonical(t *testing.T) {
	data, err := Serialize(sampleTasks())
	require.NoError(t, err)

	res, err := DefaultRegistry().ConvertSnapshot(context.Background(), "CSV", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Contains(t, string(res.Data), "Bird")

	_, err = DefaultRegistry().ConvertSnapshot(context.Background(), "CSV", bytes.NewReader([]byte("{")))
	assert.Error(t, err)
}

func TestSerialize_EmptyIsArray(t *testing.T) {
	data, err := Serialize(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))
}
