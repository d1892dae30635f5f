package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"meteobot/internal/eventbus"
	"meteobot/internal/subscription"
	logx "meteobot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

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
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if req != nil && !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// CommandEvent is published for every handled command.
type CommandEvent struct {
	Command string
	Outcome string // "ok" or the reply sent for the error
	Took    time.Duration
}

func MWRequestLog(log logx.Logger, bus eventbus.Bus) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log
			if !req.Logger.IsZero() {
				logger = req.Logger
			}
			err := next(ctx, req)
			d := time.Since(start)

			outcome := "ok"
			if err != nil {
				outcome = ReplyFor(err)
			}
			if bus != nil {
				bus.Publish(eventbus.Event{Type: eventbus.CommandHandled, Data: CommandEvent{Command: req.Command, Outcome: outcome, Took: d}})
			}

			fields := []logx.Field{
				logx.Int("args", len(req.Args)),
				logx.Duration("dur", d),
			}
			switch {
			case err != nil:
				logger.Warn("request failed", append(fields, logx.Err(err))...)
			case d >= 750*time.Millisecond:
				// Keep INFO useful: short successful requests go to DEBUG.
				logger.Info("request ok", fields...)
			default:
				logger.Debug("request ok", fields...)
			}
			return err
		}
	}
}

// MWReplyError answers a failed command with its user-facing French message.
// The error is still returned for logging.
func MWReplyError() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err == nil {
				return nil
			}
			// The handler context may be the one that expired.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if rerr := req.Reply(rctx, ReplyFor(err)); rerr != nil {
				req.Logger.Warn("error reply failed", logx.Err(rerr))
			}
			return err
		}
	}
}

// userError carries its own reply text.
type userError string

func (e userError) Error() string { return string(e) }

const (
	errInvalidCommand = userError("Commande invalide")
	errInvalidTime    = userError("Heure invalide")
	errInvalidDays    = userError("Nombre de jours invalide")
	errInvalidIndex   = userError("Indice invalide")
)

// ReplyFor maps an error to the text shown in the room.
func ReplyFor(err error) string {
	var ue userError
	switch {
	case errors.As(err, &ue):
		return string(ue)
	case errors.Is(err, subscription.ErrLocationNotFound):
		return "Ville non trouvée"
	case errors.Is(err, subscription.ErrIndexOutOfRange):
		return string(errInvalidIndex)
	case errors.Is(err, subscription.ErrPersistence):
		return "Erreur de sauvegarde"
	case errors.Is(err, subscription.ErrUpstreamUnavailable), errors.Is(err, context.DeadlineExceeded):
		return "Service météo indisponible"
	case errors.Is(err, subscription.ErrInvalidArgument):
		return string(errInvalidCommand)
	default:
		return "Erreur interne"
	}
}
