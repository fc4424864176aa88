package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Ferdianto22/parking-system/internal/config"
	"github.com/Ferdianto22/parking-system/internal/model"
	"github.com/Ferdianto22/parking-system/internal/notify"
)

func TestChangeSource_PostgRESTSeesForeignWrites(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var row map[string]any
		_ = json.NewDecoder(r.Body).Decode(&row)
		row["id"] = "3f2c1a9e-4b7d-4c2e-9a1f-0d6b8e5c7a21"

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode([]map[string]any{row})
	}))
	defer backend.Close()

	cfg := &config.Config{StorageDriver: config.DriverPostgREST, PostgRESTURL: backend.URL}

	hubA := notify.NewHub()
	if _, _, err := openStorage(cfg, zap.NewNop(), hubA, hubA); err != nil {
		t.Fatalf("openStorage(A) error: %v", err)
	}
	hubB := notify.NewHub()
	repoB, _, err := openStorage(cfg, zap.NewNop(), hubB, hubB)
	if err != nil {
		t.Fatalf("openStorage(B) error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := changeSource(cfg.StorageDriver, hubA, 50*time.Millisecond).Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	// Въезд через другой экземпляр: хаб A о нём не знает.
	if _, err := repoB.CreateSession(ctx, "B 1234 XYZ", model.VehicleCar, time.Now()); err != nil {
		t.Fatalf("CreateSession via B error: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Op != notify.OpResync {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("dashboard on instance A received nothing after admission via instance B")
	}
}

func TestChangeSource_LocalHub(t *testing.T) {
	for _, driver := range []string{config.DriverPostgres, config.DriverMemory} {
		t.Run(driver, func(t *testing.T) {
			hub := notify.NewHub()

			if src := changeSource(driver, hub, time.Millisecond); src != notify.Source(hub) {
				t.Fatalf("changeSource(%s) = %T, want the hub", driver, src)
			}
		})
	}
}

func TestOpenStorage_UnknownDriver(t *testing.T) {
	hub := notify.NewHub()
	if _, _, err := openStorage(&config.Config{StorageDriver: "sqlite"}, zap.NewNop(), hub, hub); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
