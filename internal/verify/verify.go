// Package verify runs shell verification gates.
//
// A gate's command runs under sh -c with a restricted environment and a
// timeout. Exit status 0 is a PASS; anything else, including a timeout,
// is a FAIL. Only the tail of the combined output is kept and it is
// scrubbed for secrets before it leaves the process.
package verify

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptd/internal/config"
	"github.com/fyrsmithlabs/promptd/internal/errors"
	"github.com/fyrsmithlabs/promptd/internal/gates"
	"github.com/fyrsmithlabs/promptd/internal/logging"
	"github.com/fyrsmithlabs/promptd/internal/secrets"
)

// allowedEnv is the environment passed through to verification commands.
var allowedEnv = []string{"PATH", "HOME", "USER", "SHELL", "NODE_ENV", "CI"}

// waitDelay bounds how long Wait blocks on pipes held open by orphaned
// children after the shell is killed.
const waitDelay = 2 * time.Second

// Result is the outcome of one verification run.
type Result struct {
	Command  string        `json:"command"`
	Passed   bool          `json:"passed"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Output   string        `json:"output,omitempty"`
	Redacted bool          `json:"redacted,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Summary is a one-line description used as the failure reason.
func (r Result) Summary() string {
	switch {
	case r.Passed:
		return fmt.Sprintf("verification passed: %s", r.Command)
	case r.TimedOut:
		return fmt.Sprintf("verification timed out after %s: %s", r.Duration.Round(time.Millisecond), r.Command)
	default:
		return fmt.Sprintf("verification failed with exit code %d: %s", r.ExitCode, r.Command)
	}
}

// Runner executes verification commands.
type Runner struct {
	workDir        string
	defaultTimeout time.Duration
	maxOutput      int
	scrubber       *secrets.Scrubber
	logger         *logging.Logger
	environ        func() []string
}

// Option configures a Runner.
type Option func(*Runner)

// WithScrubber sets the secret scrubber applied to output.
func WithScrubber(s *secrets.Scrubber) Option {
	return func(r *Runner) { r.scrubber = s }
}

// WithLogger sets the runner logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// NewRunner returns a runner configured from the verify section.
func NewRunner(cfg config.VerifyConfig, opts ...Option) *Runner {
	r := &Runner{
		workDir:        cfg.WorkDir,
		defaultTimeout: cfg.DefaultTimeout.Duration(),
		maxOutput:      cfg.MaxOutput,
		scrubber:       secrets.Disabled(),
		logger:         logging.NewNop(),
		environ:        os.Environ,
	}
	if r.defaultTimeout <= 0 {
		r.defaultTimeout = 5 * time.Minute
	}
	if r.maxOutput <= 0 {
		r.maxOutput = 5000
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes spec. The returned error is non-nil only when the command
// could not be attempted at all; a failing command is a Result with
// Passed false.
func (r *Runner) Run(ctx context.Context, spec gates.ShellVerify) (Result, error) {
	command := strings.TrimSpace(spec.Command)
	if command == "" {
		return Result{}, errors.Validation("shell_verify.command", "verification command is empty", `"shell_verify":{"command":"go test ./..."}`)
	}
	timeout := spec.Timeout(r.defaultTimeout)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := newTail(r.maxOutput)
	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = r.workDir
	cmd.Env = r.env()
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	res := Result{Command: command, Duration: time.Since(start)}

	switch {
	case err == nil:
		res.Passed = true
	case runCtx.Err() == context.DeadlineExceeded:
		res.TimedOut = true
		res.ExitCode = -1
	case ctx.Err() != nil:
		return Result{}, errors.Wrap(ctx.Err(), "verification cancelled")
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			out.WriteString(err.Error())
		}
	}

	scrubbed := r.scrubber.Scrub(out.String())
	res.Output = scrubbed.Scrubbed
	res.Redacted = scrubbed.Redacted()

	outcome := "pass"
	if !res.Passed {
		outcome = "fail"
	}
	if res.TimedOut {
		outcome = "timeout"
	}
	RunsTotal.WithLabelValues(outcome).Inc()
	RunDuration.Observe(res.Duration.Seconds())

	r.logger.Debug(ctx, "shell verification finished",
		zap.String("command", command),
		zap.String("outcome", outcome),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration),
		zap.Bool("redacted", res.Redacted),
	)
	return res, nil
}

func (r *Runner) env() []string {
	var env []string
	for _, kv := range r.environ() {
		key, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		for _, allowed := range allowedEnv {
			if key == allowed {
				env = append(env, kv)
				break
			}
		}
	}
	return env
}
