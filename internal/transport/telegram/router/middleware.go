package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"cheersbot/internal/storage"
	logx "cheersbot/pkg/logx"
)

var errDenied = errors.New("access denied")

type Middleware func(next HandlerFunc) HandlerFunc

// Chain applies m so that m[0] runs first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

func MWPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if p := recover(); p != nil {
					req.Log.Error("panic recovered", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("panic: %v", p)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)
			var ue *UserError
			switch {
			case err != nil && !errors.As(err, &ue):
				req.Log.Warn("request failed", logx.Duration("dur", d), logx.Err(err))
			case d >= 750*time.Millisecond:
				req.Log.Info("request ok", logx.Duration("dur", d))
			default:
				req.Log.Debug("request ok", logx.Duration("dur", d))
			}
			return err
		}
	}
}

// MWAccess rejects callers below need before the handler runs.
func MWAccess(need Access, allowed func(context.Context, Access, *Request) (bool, error)) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			ok, err := allowed(ctx, need, req)
			if err != nil {
				return fmt.Errorf("check admin: %w", err)
			}
			if !ok {
				return errDenied
			}
			return next(ctx, req)
		}
	}
}

// MWAudit appends one entry per call when enabled. Audit failures are
// logged and never fail the command.
func MWAudit(enabled bool, a Auditor) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if !enabled || a == nil {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			e := storage.AuditEntry{
				At:            time.Now().UTC(),
				ActorID:       req.Msg.FromID,
				ActorUsername: req.Msg.FromUsername,
				Tenant:        string(req.Tenant),
				Command:       req.Command,
				Args:          strings.Join(req.Args, " "),
				OK:            err == nil,
			}
			if err != nil {
				e.Error = err.Error()
			}
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
			defer cancel()
			if aerr := a.AppendAudit(actx, e); aerr != nil {
				req.Log.Warn("audit append failed", logx.Err(aerr))
			}
			return err
		}
	}
}
