package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication and tenant resolution.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
}

// AuthSkipper matches on the registered route, so "/health/extra" is not public.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}
