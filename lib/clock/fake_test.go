// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func TestFakeAfterFiresOnlyWhenAdvancedPastDeadline(t *testing.T) {
	c := Fake(epoch)
	channel := c.After(10 * time.Second)

	c.Advance(9 * time.Second)
	select {
	case <-channel:
		t.Fatal("After fired before its deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case fired := <-channel:
		if !fired.Equal(epoch.Add(10 * time.Second)) {
			t.Errorf("fired at %v, want %v", fired, epoch.Add(10*time.Second))
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterFuncRunsInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "third") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "first") })
	c.AfterFunc(2*time.Second, func() { order = append(order, "second") })

	c.Advance(5 * time.Second)

	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("callbacks = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("callback %d = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestFakeAfterFuncStop(t *testing.T) {
	c := Fake(epoch)
	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })

	if !timer.Stop() {
		t.Error("Stop on a pending timer returned false")
	}
	if timer.Stop() {
		t.Error("second Stop returned true")
	}
	c.Advance(2 * time.Second)
	if called {
		t.Error("stopped timer fired")
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", c.PendingCount())
	}
}

func TestFakeAfterFuncNonPositiveRunsImmediately(t *testing.T) {
	c := Fake(epoch)
	called := false
	c.AfterFunc(0, func() { called = true })
	if !called {
		t.Error("AfterFunc(0) did not run synchronously")
	}
}

func TestFakeTickerFiresEachInterval(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Minute)
	defer ticker.Stop()

	for i := 1; i <= 3; i++ {
		c.Advance(time.Minute)
		select {
		case fired := <-ticker.C:
			if !fired.Equal(epoch.Add(time.Duration(i) * time.Minute)) {
				t.Errorf("tick %d at %v", i, fired)
			}
		default:
			t.Fatalf("tick %d missing", i)
		}
	}
}

func TestFakeTickerStop(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	ticker.Stop()
	c.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Error("stopped ticker delivered a tick")
	default:
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	c := Fake(epoch)
	registered := make(chan struct{})
	fired := make(chan struct{})
	go func() {
		channel := c.After(time.Second)
		close(registered)
		<-channel
		close(fired)
	}()

	<-registered
	c.WaitForTimers(1)
	c.Advance(time.Second)

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("goroutine waiting on After was not released")
	}
}
