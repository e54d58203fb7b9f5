// Package hook runs user supplied shell commands before and after a backup run.
package hook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/paulschiretz/pgl-vault/pkg/fault"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
)

var ErrNothingToExecute = fault.Hint("nothing to execute")
var ErrDisabled = fault.Hint("hook execution is disabled")

// Env describes the run a hook belongs to. It is exported to every hook command
// as PGL_VAULT_* environment variables.
type Env struct {
	RunID           string
	PlanID          string
	DestinationRoot string
	// Status is empty for pre-run hooks.
	Status string
}

func (e Env) vars() []string {
	vars := []string{
		"PGL_VAULT_RUN_ID=" + e.RunID,
		"PGL_VAULT_PLAN_ID=" + e.PlanID,
		"PGL_VAULT_DESTINATION=" + e.DestinationRoot,
	}
	if e.Status != "" {
		vars = append(vars, "PGL_VAULT_STATUS="+e.Status)
	}
	return vars
}

type HookExecutor struct {
	// commandContext allows mocking os/exec for testing hooks.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewHookExecutor creates a HookExecutor. A nil commandContext means exec.CommandContext.
func NewHookExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *HookExecutor {
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	return &HookExecutor{
		commandContext: commandContext,
	}
}

// RunPreHook runs the pre-run commands in order.
func (e *HookExecutor) RunPreHook(ctx context.Context, p *Plan, env Env) error {
	if !p.Enabled {
		return ErrDisabled
	}
	if len(p.PreHookCommands) == 0 {
		return ErrNothingToExecute
	}
	plog.Info("Running pre-run hook commands")
	return e.runCommands(ctx, p.PreHookCommands, p, env)
}

// RunPostHook runs the post-run commands in order. env.Status carries the run outcome.
func (e *HookExecutor) RunPostHook(ctx context.Context, p *Plan, env Env) error {
	if !p.Enabled {
		return ErrDisabled
	}
	if len(p.PostHookCommands) == 0 {
		return ErrNothingToExecute
	}
	plog.Info("Running post-run hook commands")
	return e.runCommands(ctx, p.PostHookCommands, p, env)
}

func (e *HookExecutor) runCommands(ctx context.Context, commands []string, p *Plan, env Env) error {
	for _, hookCommand := range commands {
		select {
		case <-ctx.Done():
			return fault.Wrap(fault.Cancelled, ctx.Err())
		default:
		}

		if p.DryRun {
			plog.Info("[DRY RUN] Executing command", "command", hookCommand)
			continue
		}
		plog.Info("Executing command", "command", hookCommand)

		cmd := e.createCommand(ctx, hookCommand)
		cmd.Env = append(cmd.Environ(), env.vars()...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			// A killed process reports its own error; the cancellation is the real cause.
			if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) || errors.Is(ctxErr, context.DeadlineExceeded) {
				return fault.Wrap(fault.Cancelled, ctxErr)
			}
			if p.FailFast {
				return fmt.Errorf("command '%s' failed: %w", hookCommand, err)
			}
			plog.Warn("Hook command failed", "command", hookCommand, "error", err)
		}
	}
	return nil
}
