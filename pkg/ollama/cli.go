package ollama

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// CLI runs subcommands of the ollama executable.
type CLI struct {
	// Path is the executable, "ollama" by default.
	Path string
	// Env is appended to the current environment for every subcommand.
	Env []string

	Stdout io.Writer
	Stderr io.Writer
}

// NewCLI returns a CLI for the executable at path.
func NewCLI(path string) *CLI {
	if path == "" {
		path = "ollama"
	}
	return &CLI{Path: path, Stdout: os.Stdout, Stderr: os.Stderr}
}

// Pull downloads model into the server's model store, blocking until done.
func (c *CLI) Pull(ctx context.Context, model string) error {
	cmd := exec.CommandContext(ctx, c.Path, "pull", model)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ollama pull %s: %w", model, err)
	}
	return nil
}
