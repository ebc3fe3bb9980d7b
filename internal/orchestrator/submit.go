package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/collateral_vault/internal/chain"
	apperrors "github.com/R3E-Network/collateral_vault/internal/errors"
	"github.com/R3E-Network/collateral_vault/internal/metrics"
)

// run plans an operation, submits it and records the outcome.
func (s *Session) run(ctx context.Context, op string, planFn func(context.Context) (*plan, error)) (*Receipt, error) {
	start := time.Now()
	if err := s.check(); err != nil {
		return nil, err
	}

	p, err := planFn(ctx)
	if err != nil {
		metrics.RecordOperation(op, "rejected", time.Since(start))
		s.client.log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"operation": op,
			"identity":  s.signer.Address(),
		}).Debug("operation failed precondition")
		return nil, err
	}

	r, err := s.submit(ctx, p)
	if err != nil {
		metrics.RecordOperation(op, outcome(err), time.Since(start))
		s.client.log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"operation": op,
			"vault":     p.vault,
		}).Warn("operation failed")
		return nil, err
	}
	metrics.RecordOperation(op, "success", time.Since(start))

	if pub := s.client.cfg.Publisher; pub != nil && len(r.Events) > 0 {
		pub.Emit(ctx, r.Events...)
	}
	if cache := s.client.cfg.Cache; cache != nil {
		if err := cache.Invalidate(ctx, p.owners...); err != nil {
			s.client.log.WithContext(ctx).WithError(err).WithField("owners", p.owners).Warn("cache invalidation failed")
		}
	}
	s.client.log.WithContext(ctx).WithFields(map[string]interface{}{
		"operation":  op,
		"vault":      p.vault,
		"submission": r.Submission,
		"attempts":   r.Attempts,
		"height":     r.Height,
	}).Info("operation confirmed")
	return r, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrConfirmationTimeout):
		return "timeout"
	case errors.Is(err, apperrors.ErrSubmissionFailed):
		return "submission_failed"
	case errors.Is(err, apperrors.ErrSignatureRejected):
		return "signature_rejected"
	case apperrors.GetServiceError(err) != nil && apperrors.GetServiceError(err).Operation != "":
		return "failed"
	}
	return "error"
}

// submit signs p and sends it until the network accepts it or the budget is
// spent, then waits for the outcome.
//
// The same signed submission is resent while its reference is valid, so a
// retry after a lost receipt is recognised as a duplicate. Once the
// reference expires, every earlier ID is probed before signing a new one;
// an expired submission the ledger never saw can no longer execute.
func (s *Session) submit(ctx context.Context, p *plan) (*Receipt, error) {
	steps := append([]chain.Instruction{{Kind: chain.InstrSetPriorityFee, MicroFee: p.fee}}, p.steps...)

	var (
		sub     *chain.Submission
		retired []string
		lastErr error
	)
	for attempt := 1; attempt <= p.budget; attempt++ {
		if attempt > 1 {
			if err := s.client.wait(ctx, attempt-1); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrSubmissionFailed, err)
			}
		}

		if sub == nil {
			id, done, err := s.probe(ctx, retired)
			if err != nil {
				lastErr = err
				metrics.RecordSubmissionAttempt(p.op, "probe_error")
				continue
			}
			if done {
				return s.confirm(ctx, p, id, attempt)
			}
			sub, err = s.sign(ctx, steps)
			if err != nil {
				if ctx.Err() != nil {
					return nil, apperrors.Wrap(apperrors.ErrSubmissionFailed, ctx.Err())
				}
				if apperrors.HasCode(err, apperrors.CodeSignatureRejected) {
					metrics.RecordSubmissionAttempt(p.op, "signature_rejected")
					return nil, err
				}
				lastErr = err
				metrics.RecordSubmissionAttempt(p.op, "reference_error")
				continue
			}
		}

		if err := s.client.limiter.Wait(ctx); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrSubmissionFailed, err)
		}
		receipt, err := s.client.cfg.Transport.Send(ctx, sub)
		if err == nil {
			metrics.RecordSubmissionAttempt(p.op, "accepted")
			return s.confirm(ctx, p, receipt.ID, attempt)
		}
		lastErr = err

		var rej *chain.RejectError
		if errors.As(err, &rej) {
			if !rej.Retryable {
				metrics.RecordSubmissionAttempt(p.op, "rejected")
				return nil, apperrors.Wrap(apperrors.ErrSubmissionFailed, err).WithDetails("attempts", attempt)
			}
			if rej.ReferenceExpired {
				retired = append(retired, sub.ID())
				sub = nil
			}
			metrics.RecordSubmissionAttempt(p.op, "retryable")
		} else {
			metrics.RecordSubmissionAttempt(p.op, "transport_error")
		}
		if ctx.Err() != nil {
			return nil, apperrors.Wrap(apperrors.ErrSubmissionFailed, ctx.Err())
		}
		s.client.log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"operation": p.op,
			"attempt":   attempt,
			"budget":    p.budget,
		}).Warn("submission attempt failed")
	}
	return nil, apperrors.Wrap(apperrors.ErrSubmissionFailed, lastErr).WithDetails("attempts", p.budget)
}

// probe reports whether one of the retired submissions was processed after
// all.
func (s *Session) probe(ctx context.Context, retired []string) (string, bool, error) {
	for _, id := range retired {
		st, err := s.client.cfg.Transport.Status(ctx, id)
		if err != nil {
			return "", false, err
		}
		if st.State != chain.StateUnknown {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (s *Session) sign(ctx context.Context, steps []chain.Instruction) (*chain.Submission, error) {
	ref, err := s.client.cfg.Transport.LatestReference(ctx)
	if err != nil {
		return nil, err
	}
	sub := &chain.Submission{
		Reference:    ref.Hash,
		FeePayer:     s.signer.Address(),
		Instructions: steps,
	}
	if err := s.signer.Sign(ctx, sub); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.Wrap(apperrors.ErrSignatureRejected, err)
	}
	return sub, nil
}

// confirm polls until id reaches a terminal state, then re-queries it and
// maps a failed execution to the operation's Failed error.
func (s *Session) confirm(ctx context.Context, p *plan, id string, attempts int) (*Receipt, error) {
	pollCtx, cancel := context.WithTimeout(ctx, s.client.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(s.client.cfg.PollInterval)
	defer ticker.Stop()

	var polled chain.Status
	for {
		st, err := s.client.cfg.Transport.Status(pollCtx, id)
		if err == nil && st.State.Terminal() {
			polled = st
			break
		}
		if err != nil && pollCtx.Err() == nil {
			s.client.log.WithContext(ctx).WithError(err).WithField("submission", id).Debug("status poll failed")
		}
		select {
		case <-pollCtx.Done():
			return nil, apperrors.Wrap(apperrors.ErrConfirmationTimeout, pollCtx.Err()).
				WithDetails("submission", id).
				WithDetails("operation", p.op)
		case <-ticker.C:
		}
	}

	final, err := s.client.cfg.Transport.Status(ctx, id)
	if err != nil || !final.State.Terminal() {
		final = polled
	}

	if final.State == chain.StateFailed {
		failed := apperrors.OperationFailed(p.op, final.Error.Err()).WithDetails("submission", id)
		if final.Error != nil {
			failed = failed.WithDetails("instruction", final.Error.Instruction).WithDetails("ledger_code", final.Error.Code)
		}
		return nil, failed
	}
	return &Receipt{
		Operation:  p.op,
		Submission: id,
		Height:     final.Height,
		MicroFee:   final.MicroFee,
		Attempts:   attempts,
		Vault:      p.vault,
		Events:     final.Events,
	}, nil
}

// wait sleeps for the n-th retry backoff or until ctx is done.
func (c *Client) wait(ctx context.Context, n int) error {
	d := c.cfg.BaseBackoff
	for i := 1; i < n && d < c.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	t := time.NewTimer(c.jitter(d))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
