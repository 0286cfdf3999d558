package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/stallwatch/internal/report"
	"github.com/loykin/stallwatch/internal/watchdog"
)

// maxReports caps the reports endpoint regardless of the requested limit.
const maxReports = 1000

// ReportSource is anything that remembers recent reports, newest first.
type ReportSource interface {
	Recent(limit int) []report.Report
}

// Router provides embeddable HTTP handlers for inspecting a watchdog.
// Endpoints:
//
//	GET {basePath}/healthz
//	GET {basePath}/status           watchdog counters and episode state
//	GET {basePath}/reports          query: limit=N (default 50)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	mon      watchdog.Monitor
	reports  ReportSource
	metrics  http.Handler
	basePath string
}

type RouterOption func(*Router)

// WithMetrics additionally serves h under {basePath}/metrics.
func WithMetrics(h http.Handler) RouterOption {
	return func(r *Router) { r.metrics = h }
}

// NewRouter constructs a Router. reports may be nil, in which case the
// reports endpoint always returns an empty list.
func NewRouter(mon watchdog.Monitor, reports ReportSource, basePath string, opts ...RouterOption) *Router {
	if mon == nil {
		mon = watchdog.Nop{}
	}
	r := &Router{mon: mon, reports: reports, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	group.GET("/status", r.handleStatus)
	group.GET("/reports", r.handleReports)
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Shut it down with the returned server's Close or Shutdown.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	OK    bool   `json:"ok"`
	State string `json:"state"`
}

type reportsResp struct {
	Count   int             `json:"count"`
	Reports []report.Report `json:"reports"`
}

func (r *Router) handleHealth(c *gin.Context) {
	st := r.mon.Stats()
	writeJSON(c, http.StatusOK, healthResp{OK: true, State: st.State})
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mon.Stats())
}

func (r *Router) handleReports(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	out := []report.Report{}
	if r.reports != nil {
		out = append(out, r.reports.Recent(limit)...)
	}
	if ev := c.Query("event"); ev != "" {
		filtered := out[:0]
		for _, rep := range out {
			if rep.Event == ev {
				filtered = append(filtered, rep)
			}
		}
		out = filtered
	}
	writeJSON(c, http.StatusOK, reportsResp{Count: len(out), Reports: out})
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return 50, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errInvalidLimit
	}
	if n > maxReports {
		n = maxReports
	}
	return n, nil
}
