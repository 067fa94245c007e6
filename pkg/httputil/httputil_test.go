package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]int{"id": 7})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"id":7}`, rec.Body.String())
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusNotFound, "node not found")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"node not found"}`, rec.Body.String())
}

func TestDecodeJSON(t *testing.T) {
	var dest struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"Docs"}`))
	require.NoError(t, DecodeJSON(req, &dest))
	assert.Equal(t, "Docs", dest.Name)

	req = httptest.NewRequest("POST", "/", strings.NewReader(`{`))
	assert.Error(t, DecodeJSON(req, &dest))
}

func TestPathID(t *testing.T) {
	router := mux.NewRouter()
	var got int64
	var gotErr error
	router.HandleFunc("/nodes/{id}", func(w http.ResponseWriter, r *http.Request) {
		got, gotErr = PathID(r, "id")
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/nodes/42", nil))
	require.NoError(t, gotErr)
	assert.Equal(t, int64(42), got)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/nodes/abc", nil))
	assert.Error(t, gotErr)
}

func TestQueryHelpers(t *testing.T) {
	req := httptest.NewRequest("GET", "/?limit=25&parent_id=3", nil)

	n, err := QueryInt(req, "limit", 50)
	require.NoError(t, err)
	assert.Equal(t, 25, n)

	n, err = QueryInt(req, "offset", 50)
	require.NoError(t, err)
	assert.Equal(t, 50, n, "absent parameter falls back to the default")

	p, err := QueryInt64Ptr(req, "parent_id")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(3), *p)

	p, err = QueryInt64Ptr(req, "missing")
	require.NoError(t, err)
	assert.Nil(t, p)

	bad := httptest.NewRequest("GET", "/?limit=x", nil)
	_, err = QueryInt(bad, "limit", 50)
	assert.Error(t, err)
}
