package utils_test

import (
	"testing"
	"time"

	"writerid-backend/internal/core/utils"
)

func TestMutexMapSameKeyIsSequential(t *testing.T) {
	m := utils.NewMutexMap(10)
	key := "snapshot-1"

	sleepDuration := 500 * time.Millisecond

	routine := func(wait chan bool) {
		if err := m.Lock(key); err != nil {
			t.Errorf("Error locking key: %v", err)
		}

		time.Sleep(sleepDuration)
		if err := m.Unlock(key); err != nil {
			t.Errorf("Error unlocking key: %v", err)
		}
		wait <- true
	}

	wait1 := make(chan bool)
	wait2 := make(chan bool)

	start := time.Now()
	go routine(wait1)
	go routine(wait2)

	<-wait1
	<-wait2

	elapsed := time.Since(start)
	if elapsed < 2*sleepDuration {
		t.Errorf("Routines are not running sequentially, expected > %v elapsed, got %v", 2*sleepDuration, elapsed)
	}
}

func TestMutexMapDifferentKeysAreConcurrent(t *testing.T) {
	m := utils.NewMutexMap(10)

	sleepDuration := 500 * time.Millisecond

	routine := func(key string, wait chan bool) {
		if err := m.Lock(key); err != nil {
			t.Errorf("Error locking key: %v", err)
		}

		time.Sleep(sleepDuration)
		if err := m.Unlock(key); err != nil {
			t.Errorf("Error unlocking key: %v", err)
		}
		wait <- true
	}

	wait1 := make(chan bool)
	wait2 := make(chan bool)

	start := time.Now()
	go routine("snapshot-1", wait1)
	go routine("snapshot-2", wait2)

	<-wait1
	<-wait2

	elapsed := time.Since(start)
	if elapsed > 750*time.Millisecond {
		t.Errorf("Routines are not running concurrently, expected around %v elapsed, got %v", sleepDuration, elapsed)
	}
}

func TestMutexMapErrorWhenMaxSizeReached(t *testing.T) {
	m := utils.NewMutexMap(1)

	if err := m.Lock("snapshot-1"); err != nil {
		t.Errorf("Error locking first key: %v", err)
	}

	if err := m.Lock("snapshot-2"); err == nil {
		t.Errorf("Expected error when max size reached, got nil")
	}
}

func TestMutexMapUnlockErrorWhenKeyNotFound(t *testing.T) {
	m := utils.NewMutexMap(10)

	if err := m.Unlock("missing"); err == nil {
		t.Errorf("Expected error when unlocking unknown key, got nil")
	}
}
