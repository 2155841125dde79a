package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"edge-gateway/internal/apierror"
)

// ErrorHandler renders errors that escape handlers and middleware, such as
// recovered panics and body limit rejections, in the gateway envelope.
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	logger = logger.With("component", "error_handler")

	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			switch {
			case he.Code == http.StatusRequestEntityTooLarge:
				err = apierror.Wrap(apierror.KindPayloadTooLarge, "", err)
			case he.Code == http.StatusNotFound:
				err = apierror.Wrap(apierror.KindRouteNotFound, "", err)
			case he.Code < http.StatusInternalServerError:
				writeError(c, he.Code, apierror.Envelope{Message: http.StatusText(he.Code)}, logger)
				return
			}
		}

		status, envelope := apierror.Translate(err)
		if status >= http.StatusInternalServerError {
			logger.Error("unhandled error",
				"err", err,
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			)
		}
		writeError(c, status, envelope, logger)
	}
}

func writeError(c echo.Context, status int, envelope apierror.Envelope, logger *slog.Logger) {
	var err error
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, envelope)
	}
	if err != nil {
		logger.Error("writing error response", "err", err)
	}
}
