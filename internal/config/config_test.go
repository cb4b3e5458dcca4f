package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("HTTPAddr default wrong: %s", cfg.HTTPAddr)
	}
	d := cfg.Dispatch
	if d.BaseRadiusM != 2000 || d.CandidateCap != 20 || d.MaxRounds != 3 {
		t.Fatalf("dispatch defaults wrong: %+v", d)
	}
	if d.RoundWindow != 30*time.Second || d.CancelFeePct != 10 {
		t.Fatalf("dispatch defaults wrong: %+v", d)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("DISPATCH_MAX_ROUNDS", "5")
	t.Setenv("DISPATCH_ROUND_WINDOW", "45s")
	t.Setenv("KAFKA_BROKERS", "b1:9092, b2:9092")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Fatalf("HTTP_ADDR not applied: %s", cfg.HTTPAddr)
	}
	if cfg.Dispatch.MaxRounds != 5 || cfg.Dispatch.RoundWindow != 45*time.Second {
		t.Fatalf("dispatch overrides not applied: %+v", cfg.Dispatch)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b2:9092" {
		t.Fatalf("brokers not split: %v", cfg.KafkaBrokers)
	}
}

func TestInvalidValuesJoinErrors(t *testing.T) {
	t.Setenv("DISPATCH_ROUND_WINDOW", "not-a-duration")
	t.Setenv("DISPATCH_CANDIDATE_CAP", "0")
	if _, err := LoadServerConfig(); err == nil {
		t.Fatal("expected validation errors")
	}
}
