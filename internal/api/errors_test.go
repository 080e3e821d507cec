package api

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func render(t *testing.T, err error) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	AbortWithError(c, err)
	return w
}

func TestAbortWithErrorAuthFailures(t *testing.T) {
	for _, tc := range []struct {
		err  *StreamError
		body string
	}{
		{MissingToken(), `{"error":"Missing access token"}`},
		{InvalidToken(), `{"error":"Invalid access token"}`},
		{InsufficientScope(), `{"error":"Access token does not cover required scopes"}`},
	} {
		w := render(t, tc.err)
		if w.Code != 401 {
			t.Fatalf("%s: expected 401, got %d", tc.err.Kind, w.Code)
		}
		if w.Body.String() != tc.body {
			t.Fatalf("%s: unexpected body %s", tc.err.Kind, w.Body.String())
		}
	}
}

func TestAbortWithErrorNotFoundMasksMessage(t *testing.T) {
	for _, err := range []*StreamError{ListNotAuthorized(), UnknownStream(), NoTagProvided()} {
		w := render(t, err)
		if w.Code != 404 {
			t.Fatalf("%s: expected 404, got %d", err.Kind, w.Code)
		}
		if w.Body.String() != `{"error":"Not found"}` {
			t.Fatalf("%s: unexpected body %s", err.Kind, w.Body.String())
		}
	}
}

func TestAbortWithErrorInternal(t *testing.T) {
	w := render(t, errors.New("pq: connection refused"))
	if w.Code != 500 {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if w.Body.String() != `{"error":"An unexpected error occurred"}` {
		t.Fatalf("internal details leaked: %s", w.Body.String())
	}
}

func TestIsKind(t *testing.T) {
	if !IsKind(InvalidToken(), KindInvalidToken) {
		t.Fatalf("expected kind match")
	}
	if IsKind(InvalidToken(), KindMissingToken) {
		t.Fatalf("unexpected kind match")
	}
	if IsKind(errors.New("plain"), KindInternal) {
		t.Fatalf("plain error should not match any kind")
	}
}
