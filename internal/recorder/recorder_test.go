package recorder_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OriD-19/dashprobe/internal/recorder"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func post(t *testing.T, h http.Handler, method, body string) (*httptest.ResponseRecorder, map[string]string) {
	t.Helper()
	req := httptest.NewRequest(method, "/save_metrics", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestHandler_Saves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session_metrics.json")
	h := recorder.NewHandler(path, quietLogger())

	rec, resp := post(t, h, http.MethodPost, `{"bitrates":[600,1500],"stalls":0}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "saved", resp["status"])
	assert.Equal(t, path, resp["path"])

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"bitrates\": [\n    600,\n    1500\n  ],\n  \"stalls\": 0\n}\n", string(b))
}

func TestHandler_Overwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session_metrics.json")
	h := recorder.NewHandler(path, quietLogger())

	post(t, h, http.MethodPost, `{"run":1}`)
	post(t, h, http.MethodPost, `{"run":2}`)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"run":2}`, string(b))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestHandler_Errors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		path   func(t *testing.T) string
		want   int
	}{
		{
			name:   "failure: invalid JSON",
			method: http.MethodPost,
			body:   `{"broken":`,
			path:   func(t *testing.T) string { return filepath.Join(t.TempDir(), "s.json") },
			want:   http.StatusBadRequest,
		},
		{
			name:   "failure: GET is not allowed",
			method: http.MethodGet,
			path:   func(t *testing.T) string { return filepath.Join(t.TempDir(), "s.json") },
			want:   http.StatusMethodNotAllowed,
		},
		{
			name:   "failure: directory does not exist",
			method: http.MethodPost,
			body:   `{}`,
			path:   func(t *testing.T) string { return filepath.Join(t.TempDir(), "missing", "s.json") },
			want:   http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := recorder.NewHandler(tt.path(t), quietLogger())
			rec, resp := post(t, h, tt.method, tt.body)
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, "error", resp["status"])
			assert.NotEmpty(t, resp["message"])
		})
	}
}
