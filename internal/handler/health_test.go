package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeBusPinger struct {
	err error
}

func (f *fakeBusPinger) Ping(ctx context.Context) error {
	return f.err
}

func TestHealth_ReturnsHealthy(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	Health(nil, "rag-aggregator")(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "healthy" {
		t.Errorf("status field = %q, want healthy", body["status"])
	}
	if body["service"] != "rag-aggregator" {
		t.Errorf("service field = %q, want rag-aggregator", body["service"])
	}
}

func TestHealth_BusConnectedReportsHealthy(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	Health(&fakeBusPinger{}, "rag-aggregator")(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["bus"] != "connected" {
		t.Errorf("bus field = %q, want connected", body["bus"])
	}
}

func TestHealth_BusUnreachableReportsDegraded(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	Health(&fakeBusPinger{err: errors.New("connection refused")}, "rag-aggregator")(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "degraded" || body["bus"] != "unreachable" {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestReady_AlwaysReady(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()

	Ready()(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ready" {
		t.Errorf("status field = %v, want ready", body["status"])
	}
}
