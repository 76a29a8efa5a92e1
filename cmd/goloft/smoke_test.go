package main

import (
	"context"
	"os"
	"testing"
)

func TestRunSmokeCommand(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end smoke in short mode")
	}
	home := t.TempDir()
	t.Setenv("GOLOFT_HOME", home)
	if err := os.WriteFile(home+"/config.yaml", []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code := runSmokeCommand(context.Background(), nil)
	if code != 0 {
		t.Fatalf("got exit code %d, want 0 (smoke should pass on a healthy machine)", code)
	}
}
