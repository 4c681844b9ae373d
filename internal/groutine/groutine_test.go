package groutine_test

import (
	"context"
	"testing"
	"time"

	"github.com/srg/blebridge/internal/groutine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoPropagatesName(t *testing.T) {
	names := make(chan string, 1)

	groutine.Go(nil, "ble-worker-1", func(ctx context.Context) {
		names <- groutine.GetName(ctx)
	})

	select {
	case name := <-names:
		assert.Equal(t, "ble-worker-1", name, "goroutine name MUST be visible through the context")
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestGoDoneClosesAfterReturn(t *testing.T) {
	ran := false
	done := groutine.GoDone(context.Background(), "done-test", func(ctx context.Context) {
		ran = true
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done channel was not closed")
	}
	require.True(t, ran, "body MUST have run before done is closed")
}

func TestGetNameWithoutName(t *testing.T) {
	assert.Equal(t, "", groutine.GetName(context.Background()))
	assert.Equal(t, "", groutine.GetName(nil)) //nolint:staticcheck // nil context is handled explicitly
}
