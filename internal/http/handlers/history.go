package handlers

import (
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"cpapsync/internal/protocol"
)

// PatientHistory lists the samples of a patient, oldest first, optionally
// bounded by the "from" and "to" query parameters.
func PatientHistory(svc *protocol.Service, log *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		mrn, err := intParam(ctx, "mrn")
		if err != nil {
			writeError(ctx, log, err)
			return
		}
		r, err := parseRange(ctx)
		if err != nil {
			writeError(ctx, log, err)
			return
		}

		c, cancel := reqContext()
		defer cancel()
		samples, err := svc.FetchHistory(c, mrn, r)
		if err != nil {
			writeError(ctx, log, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{
			"mrn":     mrn,
			"samples": samples,
		})
	}
}

// HistoryEntry returns one history sample including its waveform.
func HistoryEntry(svc *protocol.Service, log *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		mrn, err := intParam(ctx, "mrn")
		if err != nil {
			writeError(ctx, log, err)
			return
		}
		id, err := intParam(ctx, "id")
		if err != nil {
			writeError(ctx, log, err)
			return
		}

		c, cancel := reqContext()
		defer cancel()
		smp, err := svc.FetchEntry(c, mrn, uint64(id))
		if err != nil {
			writeError(ctx, log, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, smp)
	}
}
