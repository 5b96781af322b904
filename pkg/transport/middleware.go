package transport

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/rhuss/schaubild/pkg/api"
)

// Middleware decorates a DiagramCreator.
type Middleware func(DiagramCreator) DiagramCreator

// Chain composes middleware so that the first argument sees the request
// first: Chain(a, b)(h) behaves like a(b(h)).
func Chain(middlewares ...Middleware) Middleware {
	return func(h DiagramCreator) DiagramCreator {
		for i := range middlewares {
			h = middlewares[len(middlewares)-1-i](h)
		}
		return h
	}
}

type requestIDKey struct{}

// ContextWithRequestID attaches a request ID to ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID of ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestID makes sure every diagram request carries an ID. IDs taken from
// the X-Request-ID header by the HTTP adapter are kept.
func RequestID() Middleware {
	return func(next DiagramCreator) DiagramCreator {
		return DiagramCreatorFunc(func(ctx context.Context, req *api.GenerateRequest, w RunWriter) error {
			if RequestIDFromContext(ctx) == "" {
				ctx = ContextWithRequestID(ctx, uuid.NewString())
			}
			return next.CreateDiagram(ctx, req, w)
		})
	}
}

// Logging writes one log line per diagram request. Status codes are not
// known at this layer; the HTTP metrics middleware records them.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next DiagramCreator) DiagramCreator {
		return DiagramCreatorFunc(func(ctx context.Context, req *api.GenerateRequest, w RunWriter) error {
			start := time.Now()
			err := next.CreateDiagram(ctx, req, w)

			level, msg := slog.LevelInfo, "diagram request served"
			attrs := []slog.Attr{
				slog.String("request_id", RequestIDFromContext(ctx)),
				slog.String("renderer", string(req.Renderer)),
				slog.Int("topic_len", len(req.Topic)),
				slog.Bool("stream", w.Streaming()),
				slog.Duration("elapsed", time.Since(start)),
			}
			if err != nil {
				level, msg = slog.LevelError, "diagram request failed"
				attrs = append(attrs, slog.Any("error", err))
			}
			logger.LogAttrs(ctx, level, msg, attrs...)
			return err
		})
	}
}

// Recovery turns a panic inside the handler into a server_error so one bad
// run cannot take the process down.
func Recovery() Middleware {
	return func(next DiagramCreator) DiagramCreator {
		return DiagramCreatorFunc(func(ctx context.Context, req *api.GenerateRequest, w RunWriter) (err error) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				slog.ErrorContext(ctx, "diagram handler panicked",
					"request_id", RequestIDFromContext(ctx),
					"panic", p,
					"stack", string(debug.Stack()),
				)
				err = api.NewServerError(fmt.Sprintf("internal server error: %v", p))
			}()
			return next.CreateDiagram(ctx, req, w)
		})
	}
}
