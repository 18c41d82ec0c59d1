package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sony/gobreaker"

	models "CoordRisk/internal/domain/models"
	domrepo "CoordRisk/internal/domain/repository"
	"CoordRisk/internal/services/vmm"
	"CoordRisk/internal/usecase"
	"CoordRisk/pkg/frame"
	xhttp "CoordRisk/pkg/http"
	xlogger "CoordRisk/pkg/logger"
	"CoordRisk/pkg/util"
)

// VMMEchoHandler exposes the coordination engine over HTTP.
type VMMEchoHandler struct {
	logger   *xlogger.Logger
	analyzer *usecase.WindowAnalyzer
	engine   vmm.EngineConfig
	maxBatch int
}

func NewVMMEchoHandler(logger *xlogger.Logger, analyzer *usecase.WindowAnalyzer, engine vmm.EngineConfig, maxBatch int) *VMMEchoHandler {
	if logger == nil {
		logger = xlogger.Nop()
	}
	return &VMMEchoHandler{logger: logger, analyzer: analyzer, engine: engine, maxBatch: maxBatch}
}

func (h *VMMEchoHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/vmm")
	g.POST("/run", h.Run)
	g.GET("/market", h.Market)
	g.POST("/batch", h.Batch)
}

// Run scores a window sent in the body.
func (h *VMMEchoHandler) Run(c echo.Context) error {
	req := &models.InlineWindowRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	window, err := inlineFrame(req)
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError(err.Error()))
	}

	opts := usecase.AnalyzeOptions{SkipCalibration: req.SkipCalibration}
	if req.Config != nil {
		opts.Scorer = usecase.ScorerFor(h.engine, req.Config, h.logger)
	}
	res, err := h.analyzer.AnalyzeFrame(c.Request().Context(), req.Market, window, opts)
	if err != nil {
		return h.fail(c, "vmm run", err)
	}
	return xhttp.SuccessResponse(c, res)
}

// Market scores a stored window.
func (h *VMMEchoHandler) Market(c echo.Context) error {
	req := &models.MarketWindowRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	wr, err := marketWindow(req)
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError(err.Error()))
	}
	res, err := h.analyzer.Analyze(c.Request().Context(), wr)
	if err != nil {
		return h.fail(c, "vmm market", err)
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=15")
	return xhttp.SuccessResponse(c, res)
}

// Batch scores several stored windows concurrently.
func (h *VMMEchoHandler) Batch(c echo.Context) error {
	req := &models.BatchWindowRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if h.maxBatch > 0 && len(req.Windows) > h.maxBatch {
		return xhttp.AppErrorResponse(c,
			xhttp.BadRequestErrorf("batch of %d exceeds limit %d", len(req.Windows), h.maxBatch).
				WithParam("max", h.maxBatch))
	}
	out, err := h.analyzer.AnalyzeBatch(c.Request().Context(), req.Windows)
	if err != nil {
		return h.fail(c, "vmm batch", err)
	}
	return xhttp.SuccessResponse(c, out)
}

func (h *VMMEchoHandler) fail(c echo.Context, op string, err error) error {
	switch {
	case vmm.IsValidationError(err):
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError(err.Error()).WithError(err))
	case errors.Is(err, domrepo.ErrWindowNotFound):
		return xhttp.AppErrorResponse(c, xhttp.NotFoundError(err.Error()).WithError(err))
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("window store unavailable").WithError(err))
	case errors.Is(err, usecase.ErrNoWindowStore):
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("market windows are not configured"))
	case errors.Is(err, context.Canceled):
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("request cancelled"))
	}
	h.logger.Error(op+" usecase error", xlogger.Error(err))
	return xhttp.InternalServerErrorResponse(c)
}

// inlineFrame builds a frame from request series ordered by name.
func inlineFrame(req *models.InlineWindowRequest) (*frame.Frame, error) {
	names := make([]string, 0, len(req.Series))
	for name := range req.Series {
		names = append(names, name)
	}
	sort.Strings(names)

	cols := make([][]float64, len(names))
	for j, name := range names {
		raw := req.Series[name]
		col := make([]float64, len(raw))
		for i, v := range raw {
			if v == nil {
				col[i] = math.NaN()
			} else {
				col[i] = *v
			}
		}
		cols[j] = col
	}

	var index []time.Time
	if len(req.Timestamps) > 0 {
		index = make([]time.Time, len(req.Timestamps))
		for i, s := range req.Timestamps {
			t, ok := util.ParseTime(s)
			if !ok {
				return nil, fmt.Errorf("timestamps[%d]: cannot parse %q", i, s)
			}
			index[i] = t
		}
	}
	f, err := frame.New(index, names, cols)
	if err != nil {
		return nil, fmt.Errorf("series: %w", err)
	}
	return f, nil
}

func marketWindow(req *models.MarketWindowRequest) (models.WindowRequest, error) {
	from, ok := util.ParseTime(req.From)
	if !ok {
		return models.WindowRequest{}, fmt.Errorf("from: cannot parse %q", req.From)
	}
	to, ok := util.ParseTime(req.To)
	if !ok {
		return models.WindowRequest{}, fmt.Errorf("to: cannot parse %q", req.To)
	}
	if !to.After(from) {
		return models.WindowRequest{}, errors.New("to must be after from")
	}
	var venues []string
	for _, v := range strings.Split(req.Venues, ",") {
		if v = strings.TrimSpace(v); v != "" {
			venues = append(venues, v)
		}
	}
	if len(venues) == 1 {
		return models.WindowRequest{}, errors.New("venues must list at least 2 venues")
	}
	return models.WindowRequest{Market: req.Market, Venues: venues, From: from, To: to}, nil
}
