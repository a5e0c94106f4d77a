package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// MountEcho serves the router under prefix of an existing echo instance.
func (r *Router) MountEcho(e *echo.Echo, prefix string) {
	prefix = sanitizeBase(prefix)
	h := r.Handler()
	if prefix != "" {
		h = http.StripPrefix(prefix, h)
	}
	e.Any(prefix+"/*", echo.WrapHandler(h))
}
