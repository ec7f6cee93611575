package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	models "CoinScout/internal/domain/models"
	domrepo "CoinScout/internal/domain/repository"
	"CoinScout/internal/service/adapter"
	"CoinScout/internal/usecase"
	xhttp "CoinScout/pkg/http"
	xlogger "CoinScout/pkg/logger"
)

// ScannerControl is the orchestrator surface exposed over HTTP.
type ScannerControl interface {
	Start(ctx context.Context) error
	Stop() error
	Pause() error
	Resume() error
	RunCycle(ctx context.Context) (models.ScanCycleSummary, error)
	Status() models.ScannerStatus
	Health(ctx context.Context) models.HealthReport
	LastSummary(ctx context.Context) (*models.ScanCycleSummary, bool)
}

// AdapterRegistry lists registered adapters.
type AdapterRegistry interface {
	Records() []models.AdapterRecord
	Record(name string) (models.AdapterRecord, bool)
}

// OpportunityReader returns the latest cached opportunity of a symbol.
type OpportunityReader interface {
	Opportunity(ctx context.Context, symbol string) (*models.Opportunity, bool)
}

// ScannerHandler serves the scanner control API.
type ScannerHandler struct {
	logger   *xlogger.Logger
	scanner  ScannerControl
	adapters AdapterRegistry
	opps     OpportunityReader
	archive  domrepo.OpportunityArchive
	now      func() time.Time
}

// NewScannerHandler wires the handler. archive may be nil.
func NewScannerHandler(logger *xlogger.Logger, scanner ScannerControl, adapters AdapterRegistry, opps OpportunityReader, archive domrepo.OpportunityArchive) *ScannerHandler {
	if logger == nil {
		logger = xlogger.NewNop()
	}
	return &ScannerHandler{
		logger:   logger,
		scanner:  scanner,
		adapters: adapters,
		opps:     opps,
		archive:  archive,
		now:      time.Now,
	}
}

func (h *ScannerHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.GET("/scanner/status", h.Status)
	g.GET("/scanner/health", h.Health)
	g.GET("/scanner/summary", h.Summary)
	g.POST("/scanner/start", h.Start)
	g.POST("/scanner/stop", h.Stop)
	g.POST("/scanner/pause", h.Pause)
	g.POST("/scanner/resume", h.Resume)
	g.POST("/scanner/scan", h.Scan)
	g.GET("/adapters", h.Adapters)
	g.GET("/adapters/:name", h.Adapter)
	g.GET("/opportunities/:symbol", h.Opportunities)
}

func (h *ScannerHandler) Status(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.scanner.Status())
}

func (h *ScannerHandler) Health(c echo.Context) error {
	report := h.scanner.Health(c.Request().Context())
	if !report.Healthy {
		return xhttp.ServiceUnavailableResponse(c, report)
	}
	return xhttp.SuccessResponse(c, report)
}

func (h *ScannerHandler) Summary(c echo.Context) error {
	summary, ok := h.scanner.LastSummary(c.Request().Context())
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundError("no scan cycle has completed yet"))
	}
	return xhttp.SuccessResponse(c, summary)
}

func (h *ScannerHandler) Start(c echo.Context) error {
	// the loop outlives the request; Stop ends it
	ctx := context.WithoutCancel(c.Request().Context())
	return h.control(c, "start", func() error { return h.scanner.Start(ctx) })
}

func (h *ScannerHandler) Stop(c echo.Context) error {
	return h.control(c, "stop", h.scanner.Stop)
}

func (h *ScannerHandler) Pause(c echo.Context) error {
	return h.control(c, "pause", h.scanner.Pause)
}

func (h *ScannerHandler) Resume(c echo.Context) error {
	return h.control(c, "resume", h.scanner.Resume)
}

func (h *ScannerHandler) control(c echo.Context, action string, fn func() error) error {
	if err := fn(); err != nil {
		h.logger.Warn("scanner control rejected", xlogger.String("action", action), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, controlError(err))
	}
	h.logger.Info("scanner control", xlogger.String("action", action))
	return xhttp.SuccessResponse(c, models.ControlResponse{Action: action, State: h.scanner.Status().State})
}

// Scan runs one cycle synchronously and returns its summary.
func (h *ScannerHandler) Scan(c echo.Context) error {
	summary, err := h.scanner.RunCycle(c.Request().Context())
	if err != nil {
		if errors.Is(err, adapter.ErrNoAdapters) {
			return xhttp.AppErrorResponse(c, xhttp.UnavailableError("no usable market data adapter").WithError(err))
		}
		h.logger.Error("manual scan failed", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.InternalError("scan cycle failed").WithError(err))
	}
	return xhttp.SuccessResponse(c, summary)
}

func (h *ScannerHandler) Adapters(c echo.Context) error {
	records := h.adapters.Records()
	return xhttp.ListResponse(c, records, int64(len(records)))
}

func (h *ScannerHandler) Adapter(c echo.Context) error {
	name := c.Param("name")
	rec, ok := h.adapters.Record(name)
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("adapter %q not registered", name).WithParam("adapter", name))
	}
	return xhttp.SuccessResponse(c, rec)
}

func (h *ScannerHandler) Opportunities(c echo.Context) error {
	req := &models.OpportunityQuery{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	ctx := c.Request().Context()
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))

	view := models.OpportunityView{Symbol: symbol}
	if opp, ok := h.opps.Opportunity(ctx, symbol); ok {
		view.Latest = opp
	}
	if h.archive != nil {
		since := h.now().Add(-time.Duration(req.Hours) * time.Hour)
		history, err := h.archive.RecentOpportunities(ctx, symbol, since, req.Limit)
		if err != nil {
			h.logger.Warn("archive query failed", xlogger.String("symbol", symbol), xlogger.Error(err))
		} else {
			view.History = history
		}
	}
	if view.Latest == nil && len(view.History) == 0 {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("no opportunity recorded for %s", symbol).WithParam("symbol", symbol))
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=15")
	return xhttp.SuccessResponse(c, view)
}

func controlError(err error) *xhttp.AppError {
	switch {
	case errors.Is(err, usecase.ErrAlreadyRunning), errors.Is(err, usecase.ErrInvalidTransition):
		return xhttp.ConflictError(err.Error()).WithError(err)
	default:
		return xhttp.InternalError("scanner control failed").WithError(err)
	}
}
