package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/GriffinCanCode/modbridge/internal/bridge/correlation"
	"github.com/GriffinCanCode/modbridge/internal/bridge/runner"
	"github.com/GriffinCanCode/modbridge/internal/bridge/session"
	"github.com/GriffinCanCode/modbridge/internal/modules"
	"github.com/GriffinCanCode/modbridge/internal/shared/utils"
	"github.com/gin-gonic/gin"
)

// statusFor maps bridge errors to HTTP status codes
func statusFor(err error) int {
	var scriptErr *session.ScriptError
	switch {
	case errors.Is(err, modules.ErrModuleNotFound),
		errors.Is(err, runner.ErrChallengeNotFound):
		return http.StatusNotFound
	case errors.Is(err, runner.ErrSessionGone),
		errors.Is(err, session.ErrNoChallenge):
		return http.StatusGone
	case errors.Is(err, runner.ErrRunTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &scriptErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, correlation.ErrCancelled),
		errors.Is(err, session.ErrClosed),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with the status statusFor picks
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

// toCookies validates solver cookies and converts them for the jar
func toCookies(params []CookieParam) ([]*http.Cookie, error) {
	if len(params) > utils.MaxCookieCount {
		return nil, fmt.Errorf("too many cookies: %d (max %d)", len(params), utils.MaxCookieCount)
	}
	cookies := make([]*http.Cookie, 0, len(params))
	for _, p := range params {
		if err := utils.ValidateCookie(p.Name, p.Value); err != nil {
			return nil, err
		}
		cookie := &http.Cookie{
			Name:     p.Name,
			Value:    p.Value,
			Domain:   p.Domain,
			Path:     p.Path,
			Secure:   p.Secure,
			HttpOnly: p.HTTPOnly,
		}
		if p.Expires != nil {
			cookie.Expires = *p.Expires
		}
		cookies = append(cookies, cookie)
	}
	return cookies, nil
}
