// Package podman drives the Podman container runtime for instance compose
// projects.
package podman

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// Project is one compose project: an instance folder and its compose file.
type Project struct {
	Name string
	Dir  string
	File string
	Env  map[string]string
}

// Result holds the output of a runtime invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// CommandError is returned when podman exits non-zero.
type CommandError struct {
	Args   []string
	Result *Result
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Result.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Result.Stdout)
	}
	return fmt.Sprintf("podman %s exited %d: %s", strings.Join(e.Args, " "), e.Result.ExitCode, msg)
}

// Client provides methods for interacting with Podman.
type Client struct {
	binary string
	logger *slog.Logger
}

// NewClient creates a new Podman client. An empty binary means "podman".
func NewClient(binary string, logger *slog.Logger) *Client {
	if binary == "" {
		binary = "podman"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		binary: binary,
		logger: logger,
	}
}

func (c *Client) run(ctx context.Context, dir string, env map[string]string, args ...string) (*Result, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), envList(env)...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, &CommandError{Args: args, Result: result}
		}
		return nil, fmt.Errorf("running %s: %w", c.binary, err)
	}

	c.logger.Debug("podman completed", "args", args, "duration", result.Duration)
	return result, nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// composeArgs builds "compose -p <name> -f <file> <sub...>".
func composeArgs(p *Project, sub ...string) []string {
	args := []string{"compose", "-p", p.Name}
	if p.File != "" {
		args = append(args, "-f", p.File)
	}
	return append(args, sub...)
}

// Create creates the project's containers without starting them.
func (c *Client) Create(ctx context.Context, p *Project) error {
	c.logger.Debug("creating compose project", "project", p.Name)
	_, err := c.run(ctx, p.Dir, p.Env, composeArgs(p, "create")...)
	if err != nil {
		return fmt.Errorf("creating project %s: %w", p.Name, err)
	}
	return nil
}

// Up starts the project's containers in the background.
func (c *Client) Up(ctx context.Context, p *Project) error {
	c.logger.Debug("starting compose project", "project", p.Name)
	_, err := c.run(ctx, p.Dir, p.Env, composeArgs(p, "up", "-d")...)
	if err != nil {
		return fmt.Errorf("starting project %s: %w", p.Name, err)
	}
	return nil
}

// Down stops and removes the project's containers.
func (c *Client) Down(ctx context.Context, p *Project) error {
	c.logger.Debug("stopping compose project", "project", p.Name)
	_, err := c.run(ctx, p.Dir, p.Env, composeArgs(p, "down")...)
	if err != nil {
		return fmt.Errorf("stopping project %s: %w", p.Name, err)
	}
	return nil
}

// Pull pulls an image from a registry.
func (c *Client) Pull(ctx context.Context, image string) error {
	c.logger.Debug("pulling image", "image", image)
	if _, err := c.run(ctx, "", nil, "pull", image); err != nil {
		return fmt.Errorf("pulling image %s: %w", image, err)
	}
	return nil
}

// Load loads images from a tar archive and returns the loaded image name.
func (c *Client) Load(ctx context.Context, archivePath string) (string, error) {
	c.logger.Debug("loading image", "archive", archivePath)

	res, err := c.run(ctx, "", nil, "load", "-i", archivePath)
	if err != nil {
		return "", fmt.Errorf("loading image: %w", err)
	}
	return parseLoaded(res.Stdout)
}

// parseLoaded extracts the image name from "Loaded image: <name>" output.
func parseLoaded(output string) (string, error) {
	if idx := strings.Index(output, "Loaded image:"); idx != -1 {
		name := strings.TrimSpace(output[idx+len("Loaded image:"):])
		if nl := strings.IndexByte(name, '\n'); nl != -1 {
			name = strings.TrimSpace(name[:nl])
		}
		return name, nil
	}
	return "", fmt.Errorf("could not parse loaded image name from output: %s", output)
}

// ImageExists checks if an image exists locally.
func (c *Client) ImageExists(ctx context.Context, image string) (bool, error) {
	_, err := c.run(ctx, "", nil, "image", "exists", image)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && cmdErr.Result.ExitCode == 1 {
			return false, nil
		}
		return false, fmt.Errorf("checking image existence: %w", err)
	}
	return true, nil
}
