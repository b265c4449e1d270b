package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"API_FIRESTORE_PROJECT_ID": "rc-dev",
	}

	cfg, err := Load(WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.PubSub.Enabled {
		t.Error("expected pubsub disabled by default")
	}
	if cfg.PubSub.ProjectID != "rc-dev" {
		t.Errorf("expected pubsub project to default to firestore project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.PubSub.OrderEventsTopic != defaultOrderEventsTopic {
		t.Errorf("unexpected default order events topic: %s", cfg.PubSub.OrderEventsTopic)
	}
	if !cfg.Reconciler.Enabled {
		t.Error("expected reconciler enabled by default")
	}
	if cfg.Reconciler.RunAt != defaultReconcilerRunAt {
		t.Errorf("unexpected default run-at: %s", cfg.Reconciler.RunAt)
	}
	if cfg.Reconciler.Cutoff != defaultReconcilerCutoff {
		t.Errorf("unexpected default cutoff: %s", cfg.Reconciler.Cutoff)
	}
	if cfg.Reconciler.BatchSize != defaultReconcilerBatchSize {
		t.Errorf("unexpected default batch size: %d", cfg.Reconciler.BatchSize)
	}
	if cfg.Stock.LowStockThreshold != defaultLowStockThreshold {
		t.Errorf("unexpected default low stock threshold: %d", cfg.Stock.LowStockThreshold)
	}
}

func TestLoadWithOverrides(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":               "9090",
		"API_SERVER_READ_TIMEOUT":       "20s",
		"API_SERVER_WRITE_TIMEOUT":      "25s",
		"API_SERVER_IDLE_TIMEOUT":       "2m",
		"API_FIRESTORE_PROJECT_ID":      "rc-prod",
		"API_FIRESTORE_EMULATOR_HOST":   "localhost:8200",
		"API_PUBSUB_ENABLED":            "true",
		"API_PUBSUB_PROJECT_ID":         "rc-events",
		"API_PUBSUB_ORDER_EVENTS_TOPIC": "orders-prod",
		"API_PUBSUB_STOCK_EVENTS_TOPIC": "stock-prod",
		"API_RECONCILER_RUN_AT":         "04:30",
		"API_RECONCILER_CUTOFF":         "96h",
		"API_RECONCILER_BATCH_SIZE":     "50",
		"API_STOCK_LOW_THRESHOLD":       "10",
	}

	cfg, err := Load(WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("unexpected port: %s", cfg.Server.Port)
	}
	if cfg.Server.WriteTimeout != 25*time.Second {
		t.Errorf("unexpected write timeout: %s", cfg.Server.WriteTimeout)
	}
	if cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected idle timeout: %s", cfg.Server.IdleTimeout)
	}
	if cfg.Firestore.EmulatorHost != "localhost:8200" {
		t.Errorf("unexpected emulator host: %s", cfg.Firestore.EmulatorHost)
	}
	if !cfg.PubSub.Enabled {
		t.Error("expected pubsub enabled")
	}
	if cfg.PubSub.ProjectID != "rc-events" {
		t.Errorf("unexpected pubsub project: %s", cfg.PubSub.ProjectID)
	}
	if cfg.PubSub.OrderEventsTopic != "orders-prod" || cfg.PubSub.StockEventsTopic != "stock-prod" {
		t.Errorf("unexpected topics: %s / %s", cfg.PubSub.OrderEventsTopic, cfg.PubSub.StockEventsTopic)
	}
	if cfg.Reconciler.RunAt != "04:30" {
		t.Errorf("unexpected run-at: %s", cfg.Reconciler.RunAt)
	}
	if cfg.Reconciler.Cutoff != 96*time.Hour {
		t.Errorf("unexpected cutoff: %s", cfg.Reconciler.Cutoff)
	}
	if cfg.Reconciler.BatchSize != 50 {
		t.Errorf("unexpected batch size: %d", cfg.Reconciler.BatchSize)
	}
	if cfg.Stock.LowStockThreshold != 10 {
		t.Errorf("unexpected low stock threshold: %d", cfg.Stock.LowStockThreshold)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name   string
		env    map[string]string
		fields []string
	}{
		{
			name:   "missing firestore project",
			env:    map[string]string{},
			fields: []string{"Firestore.ProjectID"},
		},
		{
			name: "bad reconciler run-at",
			env: map[string]string{
				"API_FIRESTORE_PROJECT_ID": "rc-dev",
				"API_RECONCILER_RUN_AT":    "25:99",
			},
			fields: []string{"Reconciler.RunAt"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(WithEnvMap(tc.env), WithoutSystemEnv(), WithEnvFile(""))
			var validation *ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			got := validation.Fields()
			if len(got) != len(tc.fields) {
				t.Fatalf("expected fields %v, got %v", tc.fields, got)
			}
			for i, field := range tc.fields {
				if got[i] != field {
					t.Fatalf("expected fields %v, got %v", tc.fields, got)
				}
			}
		})
	}
}

func TestLoadReadsDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	contents := "# local overrides\nexport API_FIRESTORE_PROJECT_ID=rc-local\nAPI_SERVER_PORT=\"7070\"\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(WithEnvFile(path), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Firestore.ProjectID != "rc-local" {
		t.Errorf("expected project from env file, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("expected quoted port stripped, got %s", cfg.Server.Port)
	}
}

func TestLoadEnvMapPrecedenceOverDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("API_FIRESTORE_PROJECT_ID=rc-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(
		WithEnvFile(path),
		WithEnvMap(map[string]string{"API_FIRESTORE_PROJECT_ID": "rc-map"}),
		WithoutSystemEnv(),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Firestore.ProjectID != "rc-map" {
		t.Errorf("expected env map to win, got %s", cfg.Firestore.ProjectID)
	}
}

func TestParseRunAt(t *testing.T) {
	cases := []struct {
		value   string
		want    RunAtTime
		wantErr bool
	}{
		{value: "03:00", want: RunAtTime{Hour: 3}},
		{value: "23:59", want: RunAtTime{Hour: 23, Minute: 59}},
		{value: " 7:05 ", want: RunAtTime{Hour: 7, Minute: 5}},
		{value: "24:00", wantErr: true},
		{value: "12:60", wantErr: true},
		{value: "noon", wantErr: true},
		{value: "", wantErr: true},
	}

	for _, tc := range cases {
		got, err := ParseRunAt(tc.value)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseRunAt(%q) expected error", tc.value)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRunAt(%q) returned error: %v", tc.value, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseRunAt(%q) = %+v, want %+v", tc.value, got, tc.want)
		}
	}
}
