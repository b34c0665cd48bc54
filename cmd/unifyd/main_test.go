package main

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"
)

func TestDaemonIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	// Isolated port and ledger dir to avoid conflicts
	os.Setenv("SERVER_PORT", "19284")
	os.Setenv("LEDGER_DIR", t.TempDir())
	defer func() {
		os.Unsetenv("SERVER_PORT")
		os.Unsetenv("LEDGER_DIR")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- runDaemon(ctx, "", false)
	}()

	// Wait for the server to start
	time.Sleep(300 * time.Millisecond)

	resp, err := http.Get("http://127.0.0.1:19284/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /healthz status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("runDaemon() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not shutdown in time")
	}
}
