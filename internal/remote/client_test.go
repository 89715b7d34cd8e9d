package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticToken string

func (t staticToken) Token() (string, error) { return string(t), nil }

func jsonHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func TestGet_DecodesJSON(t *testing.T) {
	var gotAccept, gotClient string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotClient = r.Header.Get("X-Client")
		jsonHandler(200, `{"data":[{"id":1}]}`)(w, r)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Headers: map[string]string{"X-Client": "expensesync"}}, nil, nil)

	var out struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, c.Get(context.Background(), "/departments", false, &out))
	require.Len(t, out.Data, 1)
	assert.Equal(t, "application/json", gotAccept)
	assert.Equal(t, "expensesync", gotClient)
}

func TestDo_AttachesBearerToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		jsonHandler(200, `{}`)(w, r)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, staticToken("abc123"), nil)
	require.NoError(t, c.Get(context.Background(), "/me", true, nil))
	assert.Equal(t, "Bearer abc123", auth)
}

func TestDo_AuthRequiredWithoutToken(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, staticToken(""), nil)
	err := c.Get(context.Background(), "/me", true, nil)

	var authErr *AuthRequiredError
	require.True(t, errors.As(err, &authErr), "got %v", err)
	assert.False(t, called, "request must not be sent without a token")
}

func TestDo_ServerError(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(503, `{"message":"maintenance"}`))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil, nil)
	err := c.Get(context.Background(), "/data", false, nil)

	var se *ServerError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, 503, se.StatusCode)
	assert.Contains(t, se.Body, "maintenance")
}

func TestDo_InvalidContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil, nil)
	err := c.Get(context.Background(), "/data", false, nil)

	var ie *InvalidResponseError
	require.True(t, errors.As(err, &ie), "got %v", err)
	assert.Equal(t, "text/html", ie.ContentType)
}

func TestDo_MalformedJSON(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(200, `{"data": [`))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil, nil)
	var out map[string]any
	err := c.Get(context.Background(), "/data", false, &out)

	var ie *InvalidResponseError
	require.True(t, errors.As(err, &ie), "got %v", err)
	assert.Error(t, ie.Unwrap())
}

func TestDo_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, nil, nil)
	err := c.Get(context.Background(), "/slow", false, nil)

	var te *TimeoutError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, 50*time.Millisecond, te.After)
}

func TestDo_NetworkError(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(200, `{}`))
	url := srv.URL
	srv.Close()

	c := New(Config{BaseURL: url}, nil, nil)
	err := c.Get(context.Background(), "/data", false, nil)

	var ne *NetworkError
	require.True(t, errors.As(err, &ne), "got %v", err)
}

func TestDo_CallerCancelIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(200, `{}`))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(Config{BaseURL: srv.URL}, nil, nil)
	err := c.Get(ctx, "/data", false, nil)

	var ne *NetworkError
	require.True(t, errors.As(err, &ne), "got %v", err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestDo_PostsJSONBody(t *testing.T) {
	var method, ct string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		ct = r.Header.Get("Content-Type")
		jsonHandler(201, `{"ok":true}`)(w, r)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil, nil)
	var out struct{ OK bool }
	err := c.Do(context.Background(), Request{Method: http.MethodPost, Endpoint: "reports", Body: map[string]string{"a": "b"}}, &out)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "application/json", ct)
	assert.True(t, out.OK)
}

func TestIsJSON(t *testing.T) {
	assert.True(t, isJSON("application/json"))
	assert.True(t, isJSON("application/json; charset=utf-8"))
	assert.True(t, isJSON("application/problem+json"))
	assert.False(t, isJSON("text/plain"))
	assert.False(t, isJSON(""))
}
