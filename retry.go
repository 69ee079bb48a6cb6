package castle

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// AptBusyCode is the exit status apt-get uses when another process holds
// the dpkg lock.
const AptBusyCode = 100

// RetryPolicy decides how an action reacts to the exit status of a single
// external command.
//
// A MaxAttempts of zero retries for as long as the command keeps exiting
// with a retryable status. That can stall a unit indefinitely when the
// remote condition never clears; bound it where that matters.
type RetryPolicy struct {
	RetryableCodes []int
	Interval       time.Duration
	MaxAttempts    int
}

// AptRetryPolicy is the policy for package-manager commands.
func AptRetryPolicy() RetryPolicy {
	return RetryPolicy{
		RetryableCodes: []int{AptBusyCode},
		Interval:       200 * time.Millisecond,
	}
}

// NoRetry fails on the first nonzero exit status.
func NoRetry() RetryPolicy {
	return RetryPolicy{}
}

func (p RetryPolicy) retryable(code int) bool {
	return slices.Contains(p.RetryableCodes, code)
}

type retryableExit struct {
	code int
}

func (e *retryableExit) Error() string {
	return "retryable exit status"
}

// Run issues args through node's uplink under the policy. It returns nil on
// a zero exit status, a *CommandResultError on a status the policy does not
// retry, and a *TransientCommandError once MaxAttempts retryable exits have
// been seen. Transport failures are returned as they are and never retried.
func (p RetryPolicy) Run(ctx context.Context, node *Node, args []string) error {
	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		code, err := node.Uplink().Run(ctx, args)
		switch {
		case err != nil:
			return struct{}{}, backoff.Permanent(err)
		case code == 0:
			return struct{}{}, nil
		case p.retryable(code):
			return struct{}{}, &retryableExit{code: code}
		default:
			return struct{}{}, backoff.Permanent(CommandFailed(args, code))
		}
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(&backoff.ConstantBackOff{Interval: p.Interval}),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			var re *retryableExit
			if errors.As(err, &re) {
				node.Logger().Info("got retryable exit status",
					"node", node.Name(), "status", re.code, "retry_in", wait)
			}
		}),
	}
	if p.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(p.MaxAttempts)))
	}

	_, err := backoff.Retry(ctx, op, opts...)
	var re *retryableExit
	if errors.As(err, &re) {
		return &TransientCommandError{Args: slices.Clone(args), Code: re.code, Attempts: attempts}
	}
	// Retry leaves the wrapper in place when the last allowed try was
	// permanent.
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}
