package util

import (
	"testing"
	"time"
)

func TestTimer(t *testing.T) {
	var zero Timer
	if zero.ElapsedMs() != 0 || zero.Elapsed() != 0 {
		t.Fatalf("zero timer should report nothing")
	}
	timer := StartTimer()
	time.Sleep(2 * time.Millisecond)
	if timer.Elapsed() <= 0 {
		t.Fatalf("expected elapsed time")
	}
}

func TestWorkerCount(t *testing.T) {
	if got := WorkerCount(1); got != 1 {
		t.Fatalf("expected 1 worker for one task, got %d", got)
	}
	if got := WorkerCount(1000); got < 2 || got > 12 {
		t.Fatalf("worker count %d out of range", got)
	}
	if got := WorkerCount(0); got < 2 {
		t.Fatalf("unbounded task count should use the CPU clamp, got %d", got)
	}
}
