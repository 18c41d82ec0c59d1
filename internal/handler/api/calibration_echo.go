package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	models "CoordRisk/internal/domain/models"
	"CoordRisk/internal/services/calibration"
	"CoordRisk/internal/usecase"
	xhttp "CoordRisk/pkg/http"
	xlogger "CoordRisk/pkg/logger"
)

// CalibrationEchoHandler trains and serves per-market calibrators.
type CalibrationEchoHandler struct {
	logger  *xlogger.Logger
	trainer *usecase.CalibrationTrainer
}

func NewCalibrationEchoHandler(logger *xlogger.Logger, trainer *usecase.CalibrationTrainer) *CalibrationEchoHandler {
	if logger == nil {
		logger = xlogger.Nop()
	}
	return &CalibrationEchoHandler{logger: logger, trainer: trainer}
}

func (h *CalibrationEchoHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/calibration")
	g.POST("/train", h.Train)
	g.GET("/:market/:date", h.Get)
}

// Train fits a calibrator. A rejected calibrator answers 422 with the full report.
func (h *CalibrationEchoHandler) Train(c echo.Context) error {
	req := &models.CalibrationTrainRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	report, err := h.trainer.Train(c.Request().Context(), *req)
	switch {
	case err == nil:
		if report.Persisted {
			return xhttp.CreatedResponse(c, report)
		}
		return xhttp.SuccessResponse(c, report)
	case errors.Is(err, calibration.ErrGatesFailed):
		return xhttp.DataResponse(c, http.StatusUnprocessableEntity, report)
	case calibration.IsInputError(err):
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError(err.Error()).WithError(err))
	}
	h.logger.Error("calibration train usecase error", xlogger.Error(err), xlogger.String("market", req.Market))
	return xhttp.InternalServerErrorResponse(c)
}

// Get returns the calibrator covering the given date.
func (h *CalibrationEchoHandler) Get(c echo.Context) error {
	req := &models.CalibratorPathRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	cal, key, err := h.trainer.Lookup(c.Request().Context(), req.Market, req.Date)
	switch {
	case err == nil:
		c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=300")
		return xhttp.SuccessResponse(c, map[string]interface{}{
			"key":        key.String(),
			"calibrator": cal,
		})
	case errors.Is(err, calibration.ErrCalibratorNotFound):
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("no calibrator for %s", key))
	case errors.Is(err, calibration.ErrMalformedRecord):
		h.logger.Warn("calibrator record unreadable", xlogger.String("key", key.String()), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.UnprocessableError("stored calibrator is malformed"))
	case calibration.IsInputError(err):
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError(err.Error()).WithError(err))
	}
	h.logger.Error("calibration lookup usecase error", xlogger.Error(err))
	return xhttp.InternalServerErrorResponse(c)
}
