package store

import (
	"context"
	"testing"
)

func TestSaveAndLoadSettings(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveSettings(ctx, map[string]string{
		"watch.interval": "2s",
		"log.level":      "debug",
	}); err != nil {
		t.Fatalf("save settings: %v", err)
	}

	all, err := s.LoadSettings(ctx)
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if all["watch.interval"] != "2s" || all["log.level"] != "debug" {
		t.Fatalf("unexpected settings %v", all)
	}

	subset, err := s.LoadSettings(ctx, "log.level")
	if err != nil {
		t.Fatalf("load subset: %v", err)
	}
	if len(subset) != 1 || subset["log.level"] != "debug" {
		t.Fatalf("expected only log.level, got %v", subset)
	}
}

func TestSaveSettingsOverwrites(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveSettings(ctx, map[string]string{"log.level": "info"}); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	if err := s.SaveSettings(ctx, map[string]string{"log.level": "warn"}); err != nil {
		t.Fatalf("overwrite settings: %v", err)
	}

	loaded, err := s.LoadSettings(ctx, "log.level")
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if loaded["log.level"] != "warn" {
		t.Fatalf("expected warn, got %q", loaded["log.level"])
	}
}

func TestSaveSettingsEmptyMapIsNoop(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	if err := s.SaveSettings(context.Background(), nil); err != nil {
		t.Fatalf("expected nil save to be a no-op, got %v", err)
	}
}
