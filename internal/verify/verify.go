// Package verify wraps the pluggable verification capability with the
// guarantees the decision engine requires: a hard caller-enforced
// timeout, payload validation, and a clean split between transient
// failures (retryable) and malformed verdicts (terminal).
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signaldesk/internal/domain"
)

// Sentinel errors for the engine's terminal-reason mapping.
var (
	// ErrTimeout means the capability did not answer within the hard
	// deadline. Retryable until attempts are exhausted.
	ErrTimeout = errors.New("verification timeout")

	// ErrParse means the capability answered with a payload that fails
	// validation. Terminal; the raw payload is preserved in the error.
	ErrParse = errors.New("verification parse")
)

// Verifier is the external capability interface. Implementations run
// the trust-scoring, debate and judgment stages however they like; the
// engine only consumes the final result.
type Verifier interface {
	Verify(ctx context.Context, sig *domain.Signal) (*domain.VerificationResult, error)
}

// Service enforces the calling side of the verification contract. The
// timeout is applied here with a goroutine and select rather than
// trusting the verifier to honor its context.
type Service struct {
	verifier Verifier
	timeout  time.Duration
}

// NewService wraps a verifier with a hard timeout.
func NewService(v Verifier, timeout time.Duration) *Service {
	return &Service{verifier: v, timeout: timeout}
}

type verifyReply struct {
	res *domain.VerificationResult
	err error
}

// Verify calls the capability and validates its answer. The verifier
// runs in its own goroutine; if it has not answered when the deadline
// passes, the call returns ErrTimeout and the straggler's eventual
// reply is discarded.
func (s *Service) Verify(ctx context.Context, sig *domain.Signal) (*domain.VerificationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ch := make(chan verifyReply, 1)
	go func() {
		res, err := s.verifier.Verify(ctx, sig)
		ch <- verifyReply{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: after %s", ErrTimeout, s.timeout)
	case reply := <-ch:
		if reply.err != nil {
			if errors.Is(reply.err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %v", ErrTimeout, reply.err)
			}
			return nil, reply.err
		}
		if err := validate(reply.res); err != nil {
			return nil, err
		}
		return reply.res, nil
	}
}

// validate enforces the result contract. Confidence presence is a mode
// decision left to the engine; range checks happen here.
func validate(res *domain.VerificationResult) error {
	if res == nil {
		return fmt.Errorf("%w: nil result", ErrParse)
	}
	switch res.Verdict {
	case domain.VerdictApprove, domain.VerdictReject, domain.VerdictRevise:
	default:
		return fmt.Errorf("%w: unknown verdict %q (raw: %s)", ErrParse, res.Verdict, res.Raw)
	}
	if res.TrustScore < 0 || res.TrustScore > 100 {
		return fmt.Errorf("%w: trust score %v out of range (raw: %s)", ErrParse, res.TrustScore, res.Raw)
	}
	if res.Confidence != nil && (*res.Confidence < 0 || *res.Confidence > 100) {
		return fmt.Errorf("%w: confidence %v out of range (raw: %s)", ErrParse, *res.Confidence, res.Raw)
	}
	return nil
}

// IsTransient reports whether a verification error is worth retrying.
// Parse failures are terminal; everything else (timeouts, transport
// errors) gets the bounded retry path.
func IsTransient(err error) bool {
	return err != nil && !errors.Is(err, ErrParse)
}

// StaticVerifier returns a fixed result after an optional delay. Used
// by tests and by paper runs without a live capability.
type StaticVerifier struct {
	Result *domain.VerificationResult
	Err    error
	Delay  time.Duration
}

// Verify implements Verifier.
func (v *StaticVerifier) Verify(ctx context.Context, _ *domain.Signal) (*domain.VerificationResult, error) {
	if v.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(v.Delay):
		}
	}
	if v.Err != nil {
		return nil, v.Err
	}
	res := *v.Result
	return &res, nil
}

var _ Verifier = (*StaticVerifier)(nil)
