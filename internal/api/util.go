package api

import (
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"
)

// timeNowDate returns today's date in the YYYY-MM-DD form digests are
// keyed by.
func timeNowDate() string {
	return time.Now().UTC().Format("2006-01-02")
}

// queryInt parses an integer query parameter, falling back to def when
// absent or malformed.
func queryInt(c *echo.Context, name string, def int) int {
	v := c.QueryParam(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
