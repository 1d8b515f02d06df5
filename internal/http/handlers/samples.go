package handlers

import (
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"cpapsync/internal/protocol"
)

// SubmitSample accepts a waveform upload from a bedside client, analyses
// it and makes it the current state of the room.
func SubmitSample(svc *protocol.Service, m *Metrics, log *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req protocol.SubmitRequest
		if err := decodeJSON(ctx, &req); err != nil {
			writeError(ctx, log, err)
			return
		}
		points, err := req.Points()
		if err != nil {
			writeError(ctx, log, err)
			return
		}

		c, cancel := reqContext()
		defer cancel()
		res, err := svc.Submit(c, req.Identity, points, req.Pressure)
		if err != nil {
			writeError(ctx, log, err)
			return
		}
		m.ObserveApnea(res.RoomNumber, res.Metrics.ApneaCount)
		jsonResponse(ctx, fasthttp.StatusCreated, res)
	}
}
