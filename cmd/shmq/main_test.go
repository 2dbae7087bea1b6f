package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestRunExitCodes(t *testing.T) {
	ctx := context.Background()

	var stdout, stderr bytes.Buffer
	if code := run(ctx, []string{"--help"}, &stdout, &stderr); code != exitOK {
		t.Fatalf("--help exited %d: %s", code, stderr.String())
	}
	requireContains(t, stdout.String(), "Shared-memory message queue host")

	stdout.Reset()
	stderr.Reset()
	if code := run(ctx, []string{"no-such-command"}, &stdout, &stderr); code != exitFailure {
		t.Fatalf("unknown command exited %d", code)
	}
	if !strings.HasPrefix(stderr.String(), "shmq: ") {
		t.Fatalf("expected prefixed error on stderr, got %q", stderr.String())
	}
}

func TestWriteJSONKeepsPathsVerbatim(t *testing.T) {
	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := writeJSON(cmd, map[string]string{"socket": "/run/a&b/<shmq>.sock"}); err != nil {
		t.Fatalf("writeJSON: %v", err)
	}
	want := "{\n  \"socket\": \"/run/a&b/<shmq>.sock\"\n}\n"
	if out.String() != want {
		t.Fatalf("unexpected output\n got %q\nwant %q", out.String(), want)
	}
}
