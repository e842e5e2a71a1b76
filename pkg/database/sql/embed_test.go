package sql

import (
	"strings"
	"testing"

	"github.com/decomontenegro/baas-platform-sub000/pkg/config"
)

func TestSchemaAlertThresholdDefaultMatchesConfig(t *testing.T) {
	content, err := Content.ReadFile("schema/gateway.sql")
	if err != nil {
		t.Fatalf("read embedded schema: %v", err)
	}
	schema := string(content)

	// The DDL default and the code default must describe the same ladder,
	// otherwise tenants created through the schema alert at the wrong spend.
	want := "DEFAULT '[0.20, 0.10, 0.05, 0.01]'"
	if !strings.Contains(schema, want) {
		t.Fatalf("schema missing alert threshold default %q", want)
	}

	expected := []float64{0.20, 0.10, 0.05, 0.01}
	if len(config.DefaultAlertThresholds) != len(expected) {
		t.Fatalf("config default has %d thresholds, want %d", len(config.DefaultAlertThresholds), len(expected))
	}
	for i, v := range expected {
		if config.DefaultAlertThresholds[i] != v {
			t.Fatalf("config threshold %d = %v, want %v", i, config.DefaultAlertThresholds[i], v)
		}
	}
}

func TestSchemaContainsAppendOnlyTriggers(t *testing.T) {
	content, err := Content.ReadFile("schema/gateway.sql")
	if err != nil {
		t.Fatalf("read embedded schema: %v", err)
	}
	schema := string(content)
	for _, table := range []string{"llm_usage_records", "audit_logs", "bot_health_logs", "provider_status_history"} {
		if !strings.Contains(schema, "ON "+table) {
			t.Fatalf("schema missing append-only trigger on %s", table)
		}
	}
}
