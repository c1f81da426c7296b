package assemblyai

import (
	"context"
	"time"

	"github.com/nijaru/yt-audit/config"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Poller waits for a submitted job to reach a terminal status.
type Poller struct {
	Config config.PollConfig

	GetFunc   func(ctx context.Context, pollingURL string) (*Transcript, error)
	SleepFunc func(ctx context.Context, d time.Duration) error
}

func NewPoller(client *Client, cfg config.PollConfig) *Poller {
	return &Poller{
		Config:    cfg,
		GetFunc:   client.Get,
		SleepFunc: sleepContext,
	}
}

// Wait polls pollingURL until the job completes. A job ending in any status
// other than completed is returned as a *JobError.
func (p *Poller) Wait(ctx context.Context, pollingURL string) (*Transcript, error) {
	if p.Config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, p.Config.Timeout, ErrPollTimeout)
		defer cancel()
	}

	log := logrus.WithField("polling_url", pollingURL)
	wait := p.Config.Interval

	for attempt := 1; ; attempt++ {
		t, err := p.GetFunc(ctx, pollingURL)
		if err != nil {
			return nil, p.contextErr(ctx, err)
		}

		if t.Status == StatusCompleted {
			log.WithField("attempts", attempt).Info("Transcript completed")
			return t, nil
		}

		if !t.Status.Pending() {
			jobErr := &JobError{ID: t.ID, Status: t.Status, Message: t.Error}
			if t.Status != StatusError {
				jobErr.Err = ErrUnknownStatus
			}
			log.WithFields(logrus.Fields{
				"status":  t.Status,
				"message": t.Error,
			}).Warn("Transcript failed")
			return nil, jobErr
		}

		if p.Config.MaxAttempts > 0 && attempt >= p.Config.MaxAttempts {
			return nil, errors.Wrapf(ErrTooManyAttempts, "%d attempts", attempt)
		}

		log.WithFields(logrus.Fields{
			"status":  t.Status,
			"attempt": attempt,
			"wait":    wait,
		}).Debug("Transcript not ready")

		if err := p.SleepFunc(ctx, wait); err != nil {
			return nil, p.contextErr(ctx, err)
		}
		wait = p.next(wait)
	}
}

func (p *Poller) next(wait time.Duration) time.Duration {
	if p.Config.Backoff != config.BackoffExponential {
		return p.Config.Interval
	}
	next := time.Duration(float64(wait) * p.Config.Multiplier)
	if p.Config.MaxInterval > 0 && next > p.Config.MaxInterval {
		next = p.Config.MaxInterval
	}
	return next
}

func (p *Poller) contextErr(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), ErrPollTimeout) {
		return ErrPollTimeout
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
