// Package admission is the dual-window admission controller at the public
// HTTP edge. Every request from a public address is checked against a short
// burst window and a long sustained window in one atomic store call.
package admission

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/beebs-dev/dorch-sub000/internal/coord"
	"github.com/beebs-dev/dorch-sub000/internal/metrics"
	"github.com/beebs-dev/dorch-sub000/internal/procs"
	pkgerrors "github.com/beebs-dev/dorch-sub000/pkg/errors"
)

type Decision int

const (
	Admit Decision = iota
	Reject
)

func (d Decision) String() string {
	if d == Reject {
		return "reject"
	}
	return "admit"
}

type Controller struct {
	store  coord.Store
	cfg    Config
	limits procs.Limits
	log    *zap.Logger
}

func New(store coord.Store, cfg Config, log *zap.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{store: store, cfg: cfg, limits: cfg.Limits(), log: log}, nil
}

// CheckAndRecord decides one request from identity at now and, when it is
// admitted, records it. Internal addresses are admitted without accounting.
//
// If the store cannot be reached the request is admitted and the error is
// returned alongside; an outage of the limiter must not take the edge down.
func (c *Controller) CheckAndRecord(ctx context.Context, identity string, now time.Time) (Decision, error) {
	if identity == "" {
		return Admit, fmt.Errorf("%w: empty identity", pkgerrors.ErrInvalidArgs)
	}
	if addr, err := netip.ParseAddr(identity); err == nil && IsPrivate(addr) {
		metrics.RecordAdmission("exempt")
		return Admit, nil
	}

	ok, err := c.store.Admit(ctx, c.cfg.KeyPrefix+identity, now, c.limits)
	if err != nil {
		metrics.RecordAdmission("fail_open")
		c.log.Warn("admission store unavailable, admitting", zap.String("identity", identity), zap.Error(err))
		return Admit, err
	}
	if !ok {
		metrics.RecordAdmission("reject")
		return Reject, nil
	}
	metrics.RecordAdmission("admit")
	return Admit, nil
}

// Middleware runs CheckAndRecord before next. Static assets and internal
// callers skip the check. A rejected request gets a bare 429.
func (c *Controller) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.cfg.exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ip, ok := ClientIP(r)
		if !ok {
			c.log.Debug("no client address, admitting", zap.String("remote", r.RemoteAddr))
			next.ServeHTTP(w, r)
			return
		}

		d, _ := c.CheckAndRecord(r.Context(), ip.String(), time.Now())
		if d == Reject {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
