package testutils

import (
	"context"
	"testing"

	"github.com/distcodep7/dsmutex/testing/controller"
)

// StartTestServer runs an in-process controller on a free port for the
// duration of the test and returns it with its dial address.
func StartTestServer(t *testing.T, props controller.ServerProps) (*controller.Server, string) {
	t.Helper()
	if props.Logger == nil {
		props.Logger = controller.NoOpLogger{}
	}
	if props.Seed == 0 {
		props.Seed = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv, addr, errCh, err := controller.Listen(ctx, "127.0.0.1:0", props)
	if err != nil {
		cancel()
		t.Fatalf("Failed to start controller: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		if err := <-errCh; err != nil {
			t.Logf("controller stopped with: %v", err)
		}
	})
	return srv, addr.String()
}
