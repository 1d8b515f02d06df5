package handlers

import (
	"strconv"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"cpapsync/internal/protocol"
)

func ListRooms(svc *protocol.Service, log *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		c, cancel := reqContext()
		defer cancel()
		rooms, err := svc.Rooms(c)
		if err != nil {
			writeError(ctx, log, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{"rooms": rooms})
	}
}

// CurrentState returns the latest sample of a room, waveform included.
func CurrentState(svc *protocol.Service, log *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		room, err := roomParam(ctx)
		if err != nil {
			writeError(ctx, log, err)
			return
		}
		c, cancel := reqContext()
		defer cancel()
		cur, err := svc.FetchCurrent(c, room)
		if err != nil {
			writeError(ctx, log, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, cur)
	}
}

func SetPressure(svc *protocol.Service, log *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		room, err := roomParam(ctx)
		if err != nil {
			writeError(ctx, log, err)
			return
		}
		var req protocol.PressureRequest
		if err := decodeJSON(ctx, &req); err != nil {
			writeError(ctx, log, err)
			return
		}

		c, cancel := reqContext()
		defer cancel()
		updated, err := svc.SetPressure(c, room, req.Pressure)
		if err != nil {
			writeError(ctx, log, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, updated)
	}
}

// VacateRoom clears the current state of a room.
func VacateRoom(svc *protocol.Service, log *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		room, err := roomParam(ctx)
		if err != nil {
			writeError(ctx, log, err)
			return
		}
		c, cancel := reqContext()
		defer cancel()
		if err := svc.Vacate(c, room); err != nil {
			writeError(ctx, log, err)
			return
		}
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	}
}

// CheckAssignment reports whether an MRN or a room is already in use. The
// body is {"mrn": ..., "room_number": ...}.
func CheckAssignment(svc *protocol.Service, log *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req protocol.Identity
		if err := decodeJSON(ctx, &req); err != nil {
			writeError(ctx, log, err)
			return
		}
		c, cancel := reqContext()
		defer cancel()
		a, err := svc.CheckAssignment(c, req.MRN, req.RoomNumber)
		if err != nil {
			writeError(ctx, log, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, a)
	}
}

func roomLabel(room int) string { return strconv.Itoa(room) }
