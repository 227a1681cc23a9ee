package httpengine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pageFixture(t *testing.T, totalPages, perPage int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page < 1 {
			page = 1
		}
		items := []interface{}{}
		if page <= totalPages {
			for i := 0; i < perPage; i++ {
				items = append(items, map[string]interface{}{"id": (page-1)*perPage + i + 1})
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"items": items})
	}))
}

func TestPaginatePageKind(t *testing.T) {
	srv := pageFixture(t, 3, 3)
	defer srv.Close()
	e, _ := newTestEngine(t)

	run := func() map[string]interface{} {
		raw, err := e.Paginate(context.Background(), map[string]interface{}{
			"url": srv.URL + "/items",
			"pagination": map[string]interface{}{
				"type":          "page",
				"item_path":     "items",
				"size":          float64(3),
				"max_pages":     float64(10),
				"stop_on_empty": true,
			},
		})
		require.NoError(t, err)
		return raw.(map[string]interface{})
	}

	result := run()
	assert.Equal(t, 3, result["page_count"], "the empty fourth page is not counted")
	items := result["items"].([]interface{})
	require.Len(t, items, 9)
	for i, item := range items {
		assert.Equal(t, float64(i+1), item.(map[string]interface{})["id"], "items stay in page order")
	}

	// pagination is idempotent against a deterministic fixture
	again := run()
	assert.Equal(t, result["item_count"], again["item_count"])
	assert.Equal(t, fmt.Sprintf("%v", result["items"]), fmt.Sprintf("%v", again["items"]))
}

func TestPaginateOffsetKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		items := []interface{}{}
		for i := offset; i < offset+2 && i < 5; i++ {
			items = append(items, float64(i))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"items": items})
	}))
	defer srv.Close()
	e, _ := newTestEngine(t)

	raw, err := e.Paginate(context.Background(), map[string]interface{}{
		"url": srv.URL,
		"pagination": map[string]interface{}{
			"type":      "offset",
			"item_path": "items",
			"size":      float64(2),
			"max_pages": float64(10),
		},
	})
	require.NoError(t, err)
	result := raw.(map[string]interface{})
	assert.Equal(t, 5, result["item_count"])
}

func TestPaginateCursorKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursor := r.URL.Query().Get("cursor")
		w.Header().Set("Content-Type", "application/json")
		switch cursor {
		case "":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"items": []interface{}{"a"}, "next": "c2"})
		case "c2":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"items": []interface{}{"b"}, "next": ""})
		default:
			t.Fatalf("unexpected cursor %q", cursor)
		}
	}))
	defer srv.Close()
	e, _ := newTestEngine(t)

	raw, err := e.Paginate(context.Background(), map[string]interface{}{
		"url": srv.URL,
		"pagination": map[string]interface{}{
			"type":        "cursor",
			"item_path":   "items",
			"cursor_path": "next",
		},
	})
	require.NoError(t, err)
	result := raw.(map[string]interface{})
	assert.Equal(t, 2, result["page_count"])
	assert.Equal(t, []interface{}{"a", "b"}, result["items"])
}

func TestPaginateCursorRequiresPath(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Paginate(context.Background(), map[string]interface{}{
		"url":        "http://127.0.0.1:1",
		"pagination": map[string]interface{}{"type": "cursor"},
	})
	assert.Error(t, err)
}

func TestPaginateLinkKind(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/p1":
			w.Header().Set("Link", fmt.Sprintf(`<%s/p2>; rel="next"`, srv.URL))
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"items": []interface{}{"x"}})
		case "/p2":
			// rel=next disappears: pagination halts
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"items": []interface{}{"y"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	e, _ := newTestEngine(t)

	raw, err := e.Paginate(context.Background(), map[string]interface{}{
		"url": srv.URL + "/p1",
		"pagination": map[string]interface{}{
			"type":      "link",
			"item_path": "items",
		},
	})
	require.NoError(t, err)
	result := raw.(map[string]interface{})
	assert.Equal(t, 2, result["page_count"])
	assert.Equal(t, []interface{}{"x", "y"}, result["items"])
}

func TestPaginateMaxPages(t *testing.T) {
	srv := pageFixture(t, 100, 1)
	defer srv.Close()
	e, _ := newTestEngine(t)

	raw, err := e.Paginate(context.Background(), map[string]interface{}{
		"url": srv.URL,
		"pagination": map[string]interface{}{
			"type":      "page",
			"item_path": "items",
			"max_pages": float64(2),
		},
	})
	require.NoError(t, err)
	result := raw.(map[string]interface{})
	assert.Equal(t, 2, result["page_count"])
	assert.Equal(t, 2, result["item_count"])
}
