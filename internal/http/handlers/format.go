package handlers

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"cpapsync/internal/protocol"
	"cpapsync/internal/store"
)

// parseTime accepts RFC 3339 timestamps and unix seconds (fractions
// allowed). An empty value is the zero time.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("%w: %q is neither RFC 3339 nor unix seconds", protocol.ErrInvalidRequest, v)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

// parseRange reads the "from" and "to" query parameters.
func parseRange(ctx *fasthttp.RequestCtx) (store.TimeRange, error) {
	args := ctx.QueryArgs()
	from, err := parseTime(string(args.Peek("from")))
	if err != nil {
		return store.TimeRange{}, err
	}
	to, err := parseTime(string(args.Peek("to")))
	if err != nil {
		return store.TimeRange{}, err
	}
	return store.TimeRange{From: from, To: to}, nil
}
