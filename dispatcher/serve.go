package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/dcn/control"
)

// Interrupt is consulted after every poll of the listener. handled tells
// whether the poll produced a request. Returning true stops Serve.
type Interrupt func(handled bool) bool

// Serve answers requests from l until ctx is cancelled, the listener closes,
// or interrupt returns true. Between requests it runs Liveness every
// LivenessInterval.
func (d *Dispatcher) Serve(ctx context.Context, l control.Listener, interrupt Interrupt) error {
	d.log.Info("dispatcher serving", map[string]interface{}{
		"broker": d.config.BrokerHost,
	})
	lastCheck := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}

		handled := false
		ex, err := l.Accept(ctx, d.config.PollInterval)
		switch {
		case err == nil:
			handled = true
			if rerr := ex.Reply(d.Handle(ctx, ex.Data)); rerr != nil {
				d.log.Warn("reply failed", map[string]interface{}{"error": rerr.Error()})
			}
		case errors.Is(err, control.ErrIdle):
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, control.ErrClosed):
			return nil
		default:
			return err
		}

		if interrupt != nil && interrupt(handled) {
			return nil
		}

		if time.Since(lastCheck) >= d.config.LivenessInterval {
			if err := d.Liveness(ctx); err != nil {
				d.log.Warn("broker liveness check failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
			lastCheck = time.Now()
		}
	}
}
