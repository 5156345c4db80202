package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/connexus-ai/rag-aggregator/internal/model"
)

func TestDataSourceClientQuerySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"documents":[{"content":"hello","score":0.9},"plain text"]}`))
	}))
	defer srv.Close()

	c := NewDataSourceClient(5 * time.Second)
	result := c.Query(context.Background(), srv.URL, "vault_a", "what is this", 5)

	if result.Status != model.RetrievalSuccess {
		t.Fatalf("expected success, got %s: %s", result.Status, result.ErrorMessage)
	}
	if len(result.Documents) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(result.Documents))
	}
	if result.Documents[0].Content != "hello" || result.Documents[0].Score != 0.9 {
		t.Errorf("unexpected first document: %+v", result.Documents[0])
	}
	if result.Documents[1].Content != "plain text" {
		t.Errorf("unexpected second document: %+v", result.Documents[1])
	}
}

func TestDataSourceClientQueryNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := NewDataSourceClient(5 * time.Second)
	result := c.Query(context.Background(), srv.URL, "vault_a", "q", 5)

	if result.Status != model.RetrievalError {
		t.Fatalf("expected error status, got %s", result.Status)
	}
	if want := "HTTP 500: boom"; result.ErrorMessage != want {
		t.Errorf("ErrorMessage = %q, want %q", result.ErrorMessage, want)
	}
}

func TestDataSourceClientQueryTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(`{"documents":[]}`))
	}))
	defer srv.Close()

	c := NewDataSourceClient(5 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	result := c.Query(ctx, srv.URL, "vault_a", "q", 5)
	if result.Status != model.RetrievalTimeout && result.Status != model.RetrievalError {
		t.Fatalf("expected timeout or error status, got %s", result.Status)
	}
}
