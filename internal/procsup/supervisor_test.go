package procsup

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/buildkite/rcssd/internal/logger"
)

// TestMain lets this test binary re-exec itself as a fake engine process,
// the same trick buildkite-agent's own process tests use to avoid
// depending on any external binary.
func TestMain(m *testing.M) {
	switch os.Getenv("RCSSD_TEST_FAKE_ENGINE") {
	case "ready":
		fmt.Println("starting up")
		time.Sleep(100 * time.Millisecond)
		fmt.Println(defaultReadyLine)
		select {} // block until killed
	case "never-ready":
		fmt.Println("starting up, never printing the ready line")
		select {}
	case "":
		os.Exit(m.Run())
	}
}

func TestSpawnUntilReadyHappyPath(t *testing.T) {
	s := New(Config{
		Path:        os.Args[0],
		Env:         []string{"RCSSD_TEST_FAKE_ENGINE=ready"},
		GracePeriod: time.Second,
	}, logger.NewBuffer())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Spawn(ctx); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	readyCtx, readyCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readyCancel()
	if err := s.UntilReady(readyCtx); err != nil {
		t.Fatalf("until ready: %v", err)
	}
	if s.Status() != Ready {
		t.Fatalf("status = %v, want Ready", s.Status())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestUntilReadyTimesOut(t *testing.T) {
	s := New(Config{
		Path:        os.Args[0],
		Env:         []string{"RCSSD_TEST_FAKE_ENGINE=never-ready"},
		GracePeriod: time.Second,
	}, logger.NewBuffer())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Spawn(ctx); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer func() {
		sdCtx, sdCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer sdCancel()
		_ = s.Shutdown(sdCtx)
	}()

	readyCtx, readyCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer readyCancel()
	if err := s.UntilReady(readyCtx); err == nil {
		t.Fatal("expected UntilReady to time out")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	s := New(Config{
		Path:        os.Args[0],
		Env:         []string{"RCSSD_TEST_FAKE_ENGINE=ready"},
		GracePeriod: time.Second,
	}, logger.NewBuffer())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Spawn(ctx); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	readyCtx, readyCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readyCancel()
	_ = s.UntilReady(readyCtx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := s.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

func TestShutdownOnUnspawnedSupervisorIsNoop(t *testing.T) {
	s := New(Config{}, logger.NewBuffer())
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown on unspawned supervisor: %v", err)
	}
}
