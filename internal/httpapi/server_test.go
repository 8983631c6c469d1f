package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

type mockConsumer struct {
	joined bool
}

func (m *mockConsumer) IsJoined() bool { return m.joined }

type mockArchiveChecker struct {
	err error
}

func (m *mockArchiveChecker) Ping(_ context.Context) error { return m.err }

func TestHealthz_AlwaysOK(t *testing.T) {
	s := NewServer(":0", nil, nil, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.handleHealthz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got '%s'", body["status"])
	}
}

func TestReadyz_NoOptionalInfraConfiguredIsReady(t *testing.T) {
	s := NewServer(":0", nil, nil, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with no archive/kafka configured, got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ready" {
		t.Errorf("expected status 'ready', got '%v'", body["status"])
	}
	checks := body["checks"].(map[string]any)
	if len(checks) != 0 {
		t.Errorf("expected no checks when neither archive nor kafka is configured, got %v", checks)
	}
}

func TestReadyz_ArchiveDownFailsReadiness(t *testing.T) {
	s := NewServer(":0", &mockArchiveChecker{err: context.DeadlineExceeded}, nil, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	checks := body["checks"].(map[string]any)
	if checks["archive"] != "error" {
		t.Errorf("expected archive 'error', got '%v'", checks["archive"])
	}
}

func TestReadyz_KafkaNotJoinedFailsReadiness(t *testing.T) {
	s := NewServer(":0", nil, &mockConsumer{joined: false}, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	checks := body["checks"].(map[string]any)
	if checks["kafka_bmp"] != "not_joined" {
		t.Errorf("expected kafka_bmp 'not_joined', got '%v'", checks["kafka_bmp"])
	}
}

func TestReadyz_AllConfiguredInfraHealthy(t *testing.T) {
	s := NewServer(":0", &mockArchiveChecker{err: nil}, &mockConsumer{joined: true}, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	checks := body["checks"].(map[string]any)
	if checks["archive"] != "ok" {
		t.Errorf("expected archive 'ok', got '%v'", checks["archive"])
	}
	if checks["kafka_bmp"] != "ok" {
		t.Errorf("expected kafka_bmp 'ok', got '%v'", checks["kafka_bmp"])
	}
}
