package services_test

import (
	"context"
	"testing"

	"afterwatch/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithEpisodeID(ctx, 42)
	ctx = services.WithStep(ctx, "replace")
	ctx = services.WithLibraryID(ctx, "lib-1")
	ctx = services.WithRunID(ctx, "run-123")
	ctx = services.WithRequestID(ctx, "req-123")

	if id, ok := services.EpisodeIDFromContext(ctx); !ok || id != 42 {
		t.Fatalf("unexpected episode id: %v %v", id, ok)
	}
	if step, ok := services.StepFromContext(ctx); !ok || step != "replace" {
		t.Fatalf("unexpected step: %v %v", step, ok)
	}
	if lib, ok := services.LibraryIDFromContext(ctx); !ok || lib != "lib-1" {
		t.Fatalf("unexpected library id: %v %v", lib, ok)
	}
	if rid, ok := services.RunIDFromContext(ctx); !ok || rid != "run-123" {
		t.Fatalf("unexpected run id: %v %v", rid, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestEpisodeIDMissing(t *testing.T) {
	if _, ok := services.EpisodeIDFromContext(context.Background()); ok {
		t.Fatal("expected no episode id on a bare context")
	}
}

func TestStepBlankPreservesContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithStep(ctx, "")
	if _, ok := services.StepFromContext(ctx); ok {
		t.Fatal("expected no step value")
	}
	ctx = services.WithLibraryID(ctx, "")
	if _, ok := services.LibraryIDFromContext(ctx); ok {
		t.Fatal("expected no library value")
	}
}
