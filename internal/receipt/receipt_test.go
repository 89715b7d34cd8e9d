package receipt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expensesync/internal/remote"
)

type staticToken string

func (s staticToken) Token() (string, error) { return string(s), nil }

// PNG magic so content sniffing reports image/png.
var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestExtract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/receipts", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req extractRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "image/png", req.MimeType)
		raw, err := base64.StdEncoding.DecodeString(req.Image)
		require.NoError(t, err)
		assert.Equal(t, pngBytes, raw)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"merchant":"Cafe","date":"2024-05-01","total":12.5,"currency":"EUR","lineItems":[{"description":"Coffee","amount":3.5}]}`))
	}))
	defer srv.Close()

	client := remote.New(remote.Config{BaseURL: srv.URL}, staticToken("tok"), nil)
	got, err := NewExtractor(client, "/receipts", nil).Extract(context.Background(), pngBytes, "")
	require.NoError(t, err)
	assert.Equal(t, "Cafe", got.Merchant)
	assert.Equal(t, 12.5, got.Total)
	require.Len(t, got.LineItems, 1)
	assert.Equal(t, "Coffee", got.LineItems[0].Description)
}

func TestExtract_RequiresSession(t *testing.T) {
	client := remote.New(remote.Config{BaseURL: "http://127.0.0.1:1"}, staticToken(""), nil)
	_, err := NewExtractor(client, "/receipts", nil).Extract(context.Background(), pngBytes, "image/png")

	var authErr *remote.AuthRequiredError
	assert.True(t, errors.As(err, &authErr))
}

type captureDoer struct{ req remote.Request }

func (c *captureDoer) Do(_ context.Context, r remote.Request, _ any) error {
	c.req = r
	return nil
}

func TestExtract_UsesReceiptTimeout(t *testing.T) {
	d := &captureDoer{}
	_, err := NewExtractor(d, "/receipts", nil).Extract(context.Background(), pngBytes, "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, remote.ReceiptTimeout, d.req.Timeout)
	assert.True(t, d.req.RequiresAuth)
}

func TestExtract_RejectsInput(t *testing.T) {
	x := NewExtractor(&captureDoer{}, "/receipts", nil)
	_, err := x.Extract(context.Background(), nil, "image/png")
	assert.Error(t, err)
	_, err = x.Extract(context.Background(), []byte("hello"), "text/plain")
	assert.Error(t, err)
}
