package podman

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestComposeArgs(t *testing.T) {
	p := &Project{Name: "kolibri-main", File: "compose.yaml"}
	got := composeArgs(p, "up", "-d")
	want := []string{"compose", "-p", "kolibri-main", "-f", "compose.yaml", "up", "-d"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("composeArgs = %v, want %v", got, want)
	}
}

func TestParseLoaded(t *testing.T) {
	name, err := parseLoaded("Getting image source signatures\nLoaded image: docker.io/library/nginx:1.27\n")
	if err != nil || name != "docker.io/library/nginx:1.27" {
		t.Errorf("parseLoaded = %q, %v", name, err)
	}
	if _, err := parseLoaded("nothing"); err == nil {
		t.Error("expected error for unparseable output")
	}
}

// fakeBinary writes a shell script standing in for podman.
func fakeBinary(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "podman")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestUpPassesEnvironmentAndArgs(t *testing.T) {
	out := filepath.Join(t.TempDir(), "args")
	bin := fakeBinary(t, `echo "$PORT $@" > `+out+"\n")

	c := NewClient(bin, nil)
	p := &Project{Name: "kolibri-main", Dir: t.TempDir(), File: "compose.yaml", Env: map[string]string{"PORT": "3000"}}
	if err := c.Up(context.Background(), p); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(data)); got != "3000 compose -p kolibri-main -f compose.yaml up -d" {
		t.Errorf("invocation = %q", got)
	}
}

func TestFailureIsCommandError(t *testing.T) {
	bin := fakeBinary(t, "echo 'no such image' >&2\nexit 125\n")
	c := NewClient(bin, nil)

	err := c.Down(context.Background(), &Project{Name: "x"})
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if cmdErr.Result.ExitCode != 125 || !strings.Contains(err.Error(), "no such image") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestImageExists(t *testing.T) {
	c := NewClient(fakeBinary(t, "exit 1\n"), nil)
	ok, err := c.ImageExists(context.Background(), "img")
	if err != nil || ok {
		t.Errorf("ImageExists = %v, %v", ok, err)
	}

	c = NewClient(fakeBinary(t, "exit 0\n"), nil)
	ok, err = c.ImageExists(context.Background(), "img")
	if err != nil || !ok {
		t.Errorf("ImageExists = %v, %v", ok, err)
	}
}
