package handlers

import (
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	httpctx "cpapsync/internal/http/ctx"
)

// RequestLogger returns fasthttp middleware that tags each request with an
// ID (kept from X-Request-ID when the client sends one) and logs method,
// path, status and duration.
func RequestLogger(log *zap.Logger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			start := time.Now()
			id := string(ctx.Request.Header.Peek("X-Request-ID"))
			if id == "" {
				id = uuid.NewString()
			}
			httpctx.SetRequestID(ctx, id)
			ctx.Response.Header.Set("X-Request-ID", id)

			next(ctx)

			fields := []zap.Field{
				zap.String("request_id", id),
				zap.ByteString("method", ctx.Method()),
				zap.ByteString("path", ctx.Path()),
				zap.Int("status", ctx.Response.StatusCode()),
				zap.Duration("duration", time.Since(start)),
				zap.String("ip", ctx.RemoteIP().String()),
			}
			if key, ok := httpctx.APIKeyFromCtx(ctx); ok && key != nil {
				fields = append(fields, zap.String("key", key.Name))
			}
			if ctx.Response.StatusCode() >= fasthttp.StatusInternalServerError {
				log.Warn("request", fields...)
				return
			}
			log.Info("request", fields...)
		}
	}
}
