package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"cpapsync/internal/protocol"
)

// Upper bound for the storage work done on behalf of one request.
const requestTimeout = 10 * time.Second

// reqContext returns a context for service calls. fasthttp recycles
// RequestCtx after the handler returns, so it is not passed down.
func reqContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

type errorBody struct {
	Error   protocol.Kind `json:"error"`
	Message string        `json:"message"`
}

func statusFor(k protocol.Kind) int {
	switch k {
	case protocol.KindInvalidSample:
		return fasthttp.StatusUnprocessableEntity
	case protocol.KindInvalidRequest:
		return fasthttp.StatusBadRequest
	case protocol.KindRoomNotFound, protocol.KindSampleNotFound:
		return fasthttp.StatusNotFound
	case protocol.KindStorageUnavailable:
		return fasthttp.StatusServiceUnavailable
	}
	return fasthttp.StatusInternalServerError
}

func jsonResponse(ctx *fasthttp.RequestCtx, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(`{"error":"internal","message":"failed to encode response"}`)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// writeError maps err to its kind and status. Storage and internal errors
// are logged; their detail is not sent to the client.
func writeError(ctx *fasthttp.RequestCtx, log *zap.Logger, err error) {
	kind := protocol.KindOf(err)
	msg := err.Error()
	switch kind {
	case protocol.KindInternal:
		log.Error("request failed", zap.ByteString("path", ctx.Path()), zap.Error(err))
		msg = "internal error"
	case protocol.KindStorageUnavailable:
		log.Error("storage unavailable", zap.ByteString("path", ctx.Path()), zap.Error(err))
		msg = "storage unavailable, retry later"
	}
	jsonResponse(ctx, statusFor(kind), errorBody{Error: kind, Message: msg})
}

func decodeJSON(ctx *fasthttp.RequestCtx, v any) error {
	if err := json.Unmarshal(ctx.PostBody(), v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", protocol.ErrInvalidRequest, err)
	}
	return nil
}

func intParam(ctx *fasthttp.RequestCtx, name string) (int64, error) {
	s, _ := ctx.UserValue(name).(string)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", protocol.ErrInvalidRequest, name)
	}
	return n, nil
}

func roomParam(ctx *fasthttp.RequestCtx) (int, error) {
	s, _ := ctx.UserValue("room").(string)
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: room must be a non-negative integer", protocol.ErrInvalidRequest)
	}
	return n, nil
}
