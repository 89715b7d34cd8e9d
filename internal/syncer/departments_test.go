package syncer_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expensesync/internal/domain"
	"expensesync/internal/remote"
	"expensesync/internal/schema"
	"expensesync/internal/storage"
	"expensesync/internal/syncer"
)

func newServer(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newPipeline(t *testing.T, baseURL string, sources []domain.SourceDescriptor) (*syncer.Orchestrator, *storage.DB) {
	t.Helper()
	db, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "sync.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	client := remote.New(remote.Config{BaseURL: baseURL}, nil, nil)
	o := syncer.New(sources, db, client, schema.NewDeriver(client, nil), nil, syncer.Config{}, nil)
	return o, db
}

func TestDepartmentsEndToEnd(t *testing.T) {
	srv := newServer(t, map[string]string{
		"/meta": `{"metadata":[{"name":"DeptId","type":"number","required":true},{"name":"DeptName","type":"text"}]}`,
		"/data": `{"data":[{"DeptId":1,"DeptName":"HR"}]}`,
	})
	src := domain.SourceDescriptor{
		Name:             "departments",
		MetadataEndpoint: "/meta",
		DataEndpoint:     "/data",
		TableName:        "departments",
		IsRequired:       true,
	}
	o, db := newPipeline(t, srv.URL, []domain.SourceDescriptor{src})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		results, err := o.StartSync(ctx, syncer.Options{})
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.True(t, results[0].Success, results[0].Error)
		assert.Equal(t, 1, results[0].Count())
	}
	assert.Equal(t, domain.StatusCompleted, o.Progress().Status)

	cols, err := db.Columns(ctx, "departments")
	require.NoError(t, err)
	assert.Equal(t, []string{"DeptId", "DeptName", "LastSync", "SyncStatus"}, cols)

	rows, err := db.QueryData(ctx, "departments", "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 1, rows[0]["DeptId"])
	assert.Equal(t, "HR", rows[0]["DeptName"])
	assert.NotEmpty(t, rows[0]["LastSync"])
	assert.Equal(t, "synced", rows[0]["SyncStatus"])
}

func TestFallbackSchemaStoresRecordAsJSON(t *testing.T) {
	srv := newServer(t, map[string]string{
		"/meta": `{not json`,
		"/data": `{"data":[{"CurrencyId":"EUR","Rate":1.1},{"CurrencyId":"USD","Rate":1}]}`,
	})
	src := domain.SourceDescriptor{
		Name:             "currencies",
		MetadataEndpoint: "/meta",
		DataEndpoint:     "/data",
		TableName:        "currencies",
		IsRequired:       true,
	}
	o, db := newPipeline(t, srv.URL, []domain.SourceDescriptor{src})
	ctx := context.Background()

	results, err := o.StartSync(ctx, syncer.Options{})
	require.NoError(t, err)
	require.True(t, results[0].Success, results[0].Error)
	assert.Equal(t, 2, results[0].Count())

	rows, err := db.QueryData(ctx, "currencies", "ID = ?", "EUR")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.JSONEq(t, `{"CurrencyId":"EUR","Rate":1.1}`, rows[0]["Data"].(string))
}

func TestServerErrorIsFailedResult(t *testing.T) {
	srv := newServer(t, map[string]string{
		"/meta": `{"fields":[{"name":"id","type":"integer"}]}`,
	})
	src := domain.SourceDescriptor{Name: "items", MetadataEndpoint: "/meta", DataEndpoint: "/missing", TableName: "items", IsRequired: true}
	o, _ := newPipeline(t, srv.URL, []domain.SourceDescriptor{src})

	results, err := o.StartSync(context.Background(), syncer.Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "404")
	assert.Equal(t, domain.StatusFailed, o.Progress().Status)
}
