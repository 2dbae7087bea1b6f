package main

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestRejectsPositionalArgs(t *testing.T) {
	cmd := newCommand()
	cmd.SetArgs([]string{"extra"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for positional argument")
	}
}

func TestReportsInvalidConfig(t *testing.T) {
	cmd := newCommand()
	cmd.SetArgs([]string{"--config", filepath.Join("testdata", "bad.toml")})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Fatalf("expected load config error, got %v", err)
	}
}
