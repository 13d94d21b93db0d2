package terminal

import (
	"testing"
	"time"
)

func TestBucketStartsAtSteady(t *testing.T) {
	now := time.Now()
	b := newBucket(now)

	for i := 0; i < bucketSteady; i++ {
		if !b.take(now) {
			t.Fatalf("take %d failed before steady capacity exhausted", i)
		}
	}
	if b.take(now) {
		t.Fatal("take succeeded past steady capacity with no refill")
	}
}

func TestBucketRefillIsFloored(t *testing.T) {
	now := time.Now()
	b := newBucket(now)

	// Drain completely.
	for b.take(now) {
	}

	// 5ms elapsed → floor(0.005 * 100) = 0 tokens.
	if b.take(now.Add(5 * time.Millisecond)) {
		t.Fatal("sub-unit elapsed time granted a token")
	}

	// 1s elapsed → floor(1.0 * 100) = 100 tokens.
	later := now.Add(time.Second)
	for i := 0; i < 100; i++ {
		if !b.take(later) {
			t.Fatalf("take %d failed after refill", i)
		}
	}
	if b.take(later) {
		t.Fatal("take succeeded past refilled amount")
	}
}

func TestBucketCapsAtBurstCapacity(t *testing.T) {
	now := time.Now()
	b := newBucket(now)

	// Long idle: refill is capped at steady + burst.
	later := now.Add(time.Hour)
	for i := 0; i < bucketCapacity; i++ {
		if !b.take(later) {
			t.Fatalf("take %d failed below capacity", i)
		}
	}
	if b.take(later) {
		t.Fatal("bucket exceeded steady + burst capacity")
	}
}
