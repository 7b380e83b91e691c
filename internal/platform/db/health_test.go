package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func okPing(context.Context) error   { return nil }
func downPing(context.Context) error { return errors.New("connection refused") }

func TestHealthHandler_Healthy(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := HealthHandler("1.2.3", Check{Name: "store", Ping: okPing})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	if body["version"] != "1.2.3" {
		t.Errorf("expected version 1.2.3, got %v", body["version"])
	}
}

func TestHealthHandler_Degraded(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := HealthHandler("1.2.3",
		Check{Name: "store", Ping: okPing},
		Check{Name: "redis", Ping: downPing},
	)
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}

	var body struct {
		Status string                 `json:"status"`
		Checks map[string]checkResult `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if body.Status != "degraded" {
		t.Errorf("expected degraded, got %q", body.Status)
	}
	if body.Checks["redis"].Status != "unhealthy" || body.Checks["redis"].Error == "" {
		t.Errorf("expected redis unhealthy with error, got %+v", body.Checks["redis"])
	}
	if body.Checks["store"].Status != "healthy" {
		t.Errorf("expected store healthy, got %+v", body.Checks["store"])
	}
}

func TestHealthHandler_NoChecks(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := HealthHandler("dev")(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
