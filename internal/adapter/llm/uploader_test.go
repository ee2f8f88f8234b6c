package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"localthreads/internal/domain"
)

func TestUploaderIndex(t *testing.T) {
	var polls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /files", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("purpose"); got != "assistants" {
			t.Errorf("purpose = %q", got)
		}
		fmt.Fprint(w, `{"id":"file_1"}`)
	})
	mux.HandleFunc("POST /vector_stores/vs_1/file_batches", func(w http.ResponseWriter, r *http.Request) {
		var req map[string][]string
		json.NewDecoder(r.Body).Decode(&req)
		if len(req["file_ids"]) != 2 {
			t.Errorf("file_ids = %v", req["file_ids"])
		}
		fmt.Fprint(w, `{"id":"batch_1","status":"in_progress","file_counts":{"total":2}}`)
	})
	mux.HandleFunc("GET /vector_stores/vs_1/file_batches/batch_1", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 2 {
			fmt.Fprint(w, `{"id":"batch_1","status":"in_progress","file_counts":{"total":2}}`)
			return
		}
		fmt.Fprint(w, `{"id":"batch_1","status":"completed","file_counts":{"completed":2,"total":2}}`)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	u := NewUploader(testLLMConfig(srv.URL), "vs_1", testLogger())
	u.pollInterval = 5 * time.Millisecond

	status, err := u.Index(context.Background(), []domain.UploadFile{
		{Name: "undergraduate.pdf", Content: []byte("%PDF-")},
		{Name: "courses.json", Content: []byte("{}")},
	})
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if status.Status != "completed" || status.Completed != 2 {
		t.Errorf("status = %+v", status)
	}
	if status.VectorStoreID != "vs_1" {
		t.Errorf("vector store id = %q", status.VectorStoreID)
	}
}

func TestUploaderUnconfigured(t *testing.T) {
	u := NewUploader(testLLMConfig("http://unused"), "", testLogger())
	_, err := u.Index(context.Background(), []domain.UploadFile{{Name: "a.pdf"}})
	if !errors.Is(err, domain.ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestUploaderNoFiles(t *testing.T) {
	u := NewUploader(testLLMConfig("http://unused"), "vs_1", testLogger())
	_, err := u.Index(context.Background(), nil)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}
