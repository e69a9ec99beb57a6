package product

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test-Admin") != "yes" {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func newTestRouter() http.Handler {
	r := chi.NewRouter()
	Routes(r, NewHandler(NewMemoryRepository()), adminOnly)
	return r
}

func call(t *testing.T, h http.Handler, method, path, body string, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if admin {
		req.Header.Set("X-Test-Admin", "yes")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createProduct(t *testing.T, h http.Handler, body string) Product {
	t.Helper()
	rec := call(t, h, http.MethodPost, "/products/", body, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var p Product
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestProductCRUD(t *testing.T) {
	h := newTestRouter()

	rec := call(t, h, http.MethodPost, "/products/", `{"name":"Pen","category":"office","price":1.5,"quantity":3}`, false)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	p := createProduct(t, h, `{"name":" Pen ","category":"office","price":1.5,"quantity":3}`)
	assert.Equal(t, "Pen", p.Name)

	rec = call(t, h, http.MethodGet, "/products/"+p.ID, "", false)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, h, http.MethodPut, "/products/"+p.ID, `{"name":"Pen","category":"office","price":2,"quantity":30}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var updated Product
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, 30, updated.Quantity)
	assert.Equal(t, 2.0, updated.Price)

	rec = call(t, h, http.MethodDelete, "/products/"+p.ID, "", true)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = call(t, h, http.MethodGet, "/products/"+p.ID, "", false)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(t, h, http.MethodDelete, "/products/not-a-uuid", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProductValidation(t *testing.T) {
	h := newTestRouter()

	cases := map[string]string{
		"missing name":     `{"category":"office","price":1,"quantity":1}`,
		"missing category": `{"name":"Pen","price":1,"quantity":1}`,
		"negative price":   `{"name":"Pen","category":"office","price":-1,"quantity":1}`,
		"negative qty":     `{"name":"Pen","category":"office","price":1,"quantity":-1}`,
		"unknown field":    `{"name":"Pen","category":"office","price":1,"quantity":1,"image_url":"x"}`,
		"broken json":      `{"name":`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := call(t, h, http.MethodPost, "/products/", body, true)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestProductQueries(t *testing.T) {
	h := newTestRouter()
	createProduct(t, h, `{"name":"Pen","category":"office","price":1,"quantity":3}`)
	createProduct(t, h, `{"name":"Desk","category":"furniture","price":100,"quantity":20}`)
	createProduct(t, h, `{"name":"Clip","category":"office","price":0.1,"quantity":0}`)

	rec := call(t, h, http.MethodGet, "/products/?category=office", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var office []Product
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &office))
	assert.Len(t, office, 2)

	rec = call(t, h, http.MethodGet, "/products/categories", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["furniture","office"]`, rec.Body.String())

	rec = call(t, h, http.MethodGet, "/products/low-stock", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var low []Product
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &low))
	require.Len(t, low, 2)
	assert.Equal(t, "Clip", low[0].Name)
	assert.Equal(t, "Pen", low[1].Name)

	rec = call(t, h, http.MethodGet, "/products/low-stock?threshold=1", "", false)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &low))
	assert.Len(t, low, 1)

	rec = call(t, h, http.MethodGet, "/products/low-stock?threshold=-5", "", false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
