package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pinchtab/pinchtab/internal/domain"
)

var kindStatus = map[domain.ErrorKind]int{
	domain.KindNotFound:       http.StatusNotFound,
	domain.KindDuplicateName:  http.StatusConflict,
	domain.KindPortInUse:      http.StatusConflict,
	domain.KindAlreadyRunning: http.StatusConflict,
	domain.KindInUse:          http.StatusConflict,
	domain.KindValidation:     http.StatusBadRequest,
	domain.KindPolicyDenied:   http.StatusForbidden,
	domain.KindImport:         http.StatusUnprocessableEntity,
	domain.KindSpawn:          http.StatusInternalServerError,
	domain.KindTimeout:        http.StatusGatewayTimeout,
	domain.KindUnavailable:    http.StatusServiceUnavailable,
}

// writeError maps a domain error to its HTTP status and writes {error, code}.
func writeError(c echo.Context, err error) error {
	kind := domain.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
		kind = "internal"
	}
	return c.JSON(status, map[string]string{"error": err.Error(), "code": string(kind)})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg, "code": string(domain.KindValidation)})
}
