package daemon

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDecodeJSONBody(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"to":"ToDo"}`))
	var req V1RecoverRequest
	if err := decodeJSON(w, r, &req); err != nil {
		t.Fatalf("decodeJSON() error = %v", err)
	}
	if req.To != "ToDo" {
		t.Fatalf("req.To = %q, want %q", req.To, "ToDo")
	}
}

func TestDecodeJSONBodyEmpty(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	var req V1RecoverRequest
	if err := decodeJSON(w, r, &req); !errors.Is(err, io.EOF) {
		t.Fatalf("decodeJSON() error = %v, want EOF", err)
	}
}

func TestDecodeJSONBodyNil(t *testing.T) {
	w := httptest.NewRecorder()
	r := &http.Request{Body: nil}
	var req V1RecoverRequest
	err := decodeJSON(w, r, &req)
	if err == nil || err.Error() != "request body is required" {
		t.Fatalf("decodeJSON() error = %v, want %q", err, "request body is required")
	}
}

func TestDecodeOptionalJSONBlank(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(" \n\t"))
	var req V1RecoverRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		t.Fatalf("decodeOptionalJSON() error = %v", err)
	}
	if req.To != "" {
		t.Fatalf("req.To = %q, want empty", req.To)
	}
}

func TestDecodeOptionalJSONTrailingData(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"to":"Failed"} trailing`))
	var req V1RecoverRequest
	err := decodeOptionalJSON(w, r, &req)
	if err == nil || err.Error() != "unexpected trailing data" {
		t.Fatalf("decodeOptionalJSON() error = %v, want %q", err, "unexpected trailing data")
	}
}

func TestWriteErrorDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusConflict, "a session is executing", errors.New("session is executing"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("Content-Type = %q", got)
	}
	want := `{"error":"a session is executing","details":"session is executing"}` + "\n"
	if rec.Body.String() != want {
		t.Fatalf("body = %q, want %q", rec.Body.String(), want)
	}
}
