package restserver

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/evaonline/matopiba/pkg/config"
)

// The controller must run entirely on its injected logger: starting and
// stopping it without any global logging setup must not panic.
func TestStartControllerShutdown(t *testing.T) {
	provider := config.NewStaticProvider(&config.Config{
		KVURL:           "redis://localhost:6379",
		ProviderBaseURL: "https://api.open-meteo.com/v1/forecast",
		ListenAddr:      "127.0.0.1:0",
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := &sync.WaitGroup{}

	ctrl, err := NewController(ctx, wg, provider, &fakeStore{}, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	if err := ctrl.StartController(); err != nil {
		t.Fatalf("StartController: %v", err)
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read API server did not shut down after context cancel")
	}
}
