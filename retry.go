package sitedeploy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"time"
)

// RetryPolicy configures the retrying executor every remote operation runs
// through. It is an explicit value injected into sessions, never a global.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first
	// (default 10).
	MaxAttempts int

	// BaseDelay is the delay after the first failed attempt (default 2s).
	BaseDelay time.Duration

	// Multiplier grows the delay between attempts (default 1.5).
	Multiplier float64

	// Failure decides what happens after a transient failure. Nil means
	// automatic backoff, which is what unattended pipelines need.
	Failure FailurePolicy

	// Logger receives retry warnings. Nil falls back to the standard logger.
	Logger *log.Logger
}

// DefaultRetryPolicy returns the policy used when none is supplied.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   2 * time.Second,
		Multiplier:  1.5,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 10
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 2 * time.Second
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 1.5
	}
	return p
}

func (p RetryPolicy) logf(format string, args ...any) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// FailureAction is the decision a FailurePolicy makes for one failed attempt.
type FailureAction int

const (
	// ActionRetry retries the operation after reconnecting.
	ActionRetry FailureAction = iota
	// ActionSkip abandons the operation without failing the run.
	ActionSkip
	// ActionAbort propagates the error immediately.
	ActionAbort
)

// ErrSkipped is returned by Run when a FailurePolicy elected to skip the
// failed operation.
var ErrSkipped = errors.New("operation skipped")

// FailurePolicy decides how a transient failure is handled. The default
// automatic policy retries with exponential backoff; an interactive policy
// can put the decision in front of an operator instead.
type FailurePolicy interface {
	OnFailure(op string, attempt int, err error) FailureAction
}

// PromptPolicy is an interactive FailurePolicy offering Retry / Skip / Quit
// per failed operation. It reads one-letter answers from In and writes the
// prompt to Out.
type PromptPolicy struct {
	In  io.Reader
	Out io.Writer

	reader *bufio.Reader
}

// OnFailure prompts the operator and maps the answer to an action. Anything
// unrecognised retries, which is the safe default at a terminal.
func (p *PromptPolicy) OnFailure(op string, attempt int, err error) FailureAction {
	if p.reader == nil {
		p.reader = bufio.NewReader(p.In)
	}
	fmt.Fprintf(p.Out, "%s failed (attempt %d): %v\n[r]etry / [s]kip / [q]uit? ", op, attempt, err)
	line, readErr := p.reader.ReadString('\n')
	if readErr != nil {
		return ActionAbort
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "s", "skip":
		return ActionSkip
	case "q", "quit":
		return ActionAbort
	default:
		return ActionRetry
	}
}

// Run invokes fn, retrying transient failures. Before each retry the
// reconnect hook (if any) is called so the caller can discard and rebuild
// its connection. Non-transient errors propagate immediately. After
// MaxAttempts failures the last error propagates.
func (p RetryPolicy) Run(ctx context.Context, op string, reconnect func(context.Context) error, fn func() error) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s cancelled: %w", op, err)
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		if p.Failure != nil {
			switch p.Failure.OnFailure(op, attempt, err) {
			case ActionSkip:
				p.logf("[WARN] %s skipped after failure: %v", op, err)
				return ErrSkipped
			case ActionAbort:
				return err
			}
		} else {
			delay := p.delay(attempt)
			p.logf("[WARN] %s failed (attempt %d/%d): %v. Retrying in %v...",
				op, attempt, p.MaxAttempts, err, delay)

			select {
			case <-ctx.Done():
				return fmt.Errorf("%s cancelled during retry wait: %w", op, ctx.Err())
			case <-time.After(delay):
			}
		}

		if reconnect != nil {
			if rerr := reconnect(ctx); rerr != nil {
				p.logf("[WARN] reconnect before retry of %s failed: %v", op, rerr)
				lastErr = rerr
			}
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, p.MaxAttempts, lastErr)
}

// transientPatterns are the connection-level failure messages worth a
// reconnect and retry. Authentication failures deliberately do not match.
var transientPatterns = []string{
	"connection reset",
	"connection refused",
	"timed out",
	"i/o timeout",
	"socket closed",
	"broken pipe",
	"not connected",
	"failure",
}

// IsTransient reports whether an error looks like a transient connection
// fault. Classification is by message because the ssh and sftp packages
// surface most channel-level faults as opaque errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var cmdErr *RemoteCommandError
	if errors.As(err, &cmdErr) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "permission denied") {
		return false
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	return time.Duration(d)
}
