package handlers

import (
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	dbpkg "cpapsync/internal/db"
	appmw "cpapsync/internal/http/middleware"
	"cpapsync/internal/protocol"
)

// NewRouter wires every route. keys may be nil, which turns
// authentication off.
func NewRouter(svc *protocol.Service, m *Metrics, keys appmw.KeyStore, log *zap.Logger) fasthttp.RequestHandler {
	r := router.New()
	auth := appmw.BearerAuth(keys, appmw.NewTokenCache(), log)

	route := func(method, path string, h fasthttp.RequestHandler, roles ...string) {
		r.Handle(method, path, m.Instrument(path, auth(appmw.RequireRole(roles...)(h))))
	}

	r.GET("/healthz", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	route(fasthttp.MethodPost, "/v1/samples", SubmitSample(svc, m, log), dbpkg.RolePatient)
	route(fasthttp.MethodPost, "/v1/assignments/check", CheckAssignment(svc, log), dbpkg.RolePatient, dbpkg.RoleMonitor)

	route(fasthttp.MethodGet, "/v1/rooms", ListRooms(svc, log), dbpkg.RoleMonitor)
	route(fasthttp.MethodGet, "/v1/rooms/{room}", CurrentState(svc, log), dbpkg.RolePatient, dbpkg.RoleMonitor)
	route(fasthttp.MethodPost, "/v1/rooms/{room}/pressure", SetPressure(svc, log), dbpkg.RoleMonitor)
	route(fasthttp.MethodDelete, "/v1/rooms/{room}", VacateRoom(svc, log), dbpkg.RoleAdmin)

	route(fasthttp.MethodGet, "/v1/patients/{mrn}/samples", PatientHistory(svc, log), dbpkg.RoleMonitor)
	route(fasthttp.MethodGet, "/v1/patients/{mrn}/samples/{id}", HistoryEntry(svc, log), dbpkg.RoleMonitor)

	r.GET("/metrics", auth(appmw.RequireRole(dbpkg.RoleMonitor)(m.MetricsHandler())))

	return RequestLogger(log)(r.Handler)
}
