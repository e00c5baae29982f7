package zimserve

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDMiddlewareSetsUniqueHeaderPerRequest(t *testing.T) {
	t.Parallel()

	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, httptest.NewRequest(http.MethodGet, "/health", nil))
	id1 := rec1.Header().Get("X-Request-Id")
	if id1 == "" {
		t.Fatal("expected X-Request-Id to be set")
	}

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/health", nil))
	id2 := rec2.Header().Get("X-Request-Id")
	if id2 == "" {
		t.Fatal("expected X-Request-Id to be set on the second request")
	}

	if id1 == id2 {
		t.Errorf("expected distinct request ids, got %q twice", id1)
	}
}
