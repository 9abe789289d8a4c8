package kubespray

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Command is one ansible-playbook invocation.
type Command struct {
	// Binary is the ansible-playbook executable.
	Binary string

	// Dir is the kubespray checkout the playbook runs from.
	Dir string

	Playbook   string
	Inventory  string
	PrivateKey string
	Vars       map[string]any

	// Log receives the combined output of the run.
	Log string
}

// Runner executes playbooks. The default runner starts ansible-playbook.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

type execRunner struct {
	logger zerolog.Logger
}

func (r execRunner) Run(ctx context.Context, c Command) error {
	args := []string{"-b", "-i", c.Inventory, filepath.Join(c.Dir, c.Playbook)}
	if c.PrivateKey != "" {
		args = append(args, "--private-key", c.PrivateKey)
	}
	if len(c.Vars) > 0 {
		vars, err := json.Marshal(c.Vars)
		if err != nil {
			return fmt.Errorf("failed to encode extra vars: %w", err)
		}
		args = append(args, "--extra-vars", string(vars))
	}

	out, err := os.OpenFile(c.Log, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open ansible log: %w", err)
	}
	defer out.Close()

	cmd := exec.CommandContext(ctx, c.Binary, args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), "ANSIBLE_HOST_KEY_CHECKING=False")
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	r.logger.Info().Str("playbook", c.Playbook).Str("inventory", c.Inventory).Msg("Running playbook")
	err = cmd.Run()
	r.logger.Info().Str("playbook", c.Playbook).Dur("duration", time.Since(start)).Err(err).Msg("Playbook finished")
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%s exited with code %d", c.Playbook, exitErr.ExitCode())
	}
	return fmt.Errorf("failed to run %s: %w", c.Binary, err)
}
