package lifecycle

import (
	"testing"
	"time"
)

func TestGroup_StopJoinsInReverseOrder(t *testing.T) {
	var g Group
	var order []int
	done := make(chan struct{})

	g.Start(func(stop <-chan struct{}) {
		<-stop
		order = append(order, 1)
	})
	g.Start(func(stop <-chan struct{}) {
		<-stop
		order = append(order, 2)
	})

	go func() {
		g.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("expected reverse start order [2 1], got %v", order)
	}
}

func TestGroup_StopIsIdempotent(t *testing.T) {
	var g Group
	g.Start(func(stop <-chan struct{}) { <-stop })
	g.Stop()
	g.Stop() // must not panic or block
}

func TestGroup_ResetAllowsRestart(t *testing.T) {
	var g Group
	ran := make(chan struct{}, 1)

	g.Start(func(stop <-chan struct{}) { <-stop })
	g.Stop()

	g.Reset()
	g.Start(func(stop <-chan struct{}) {
		ran <- struct{}{}
		<-stop
	})

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("actor did not run after Reset")
	}
	g.Stop()
}
