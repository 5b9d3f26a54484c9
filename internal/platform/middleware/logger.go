package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger emits one structured line per request after the handler returns.
// Handler errors are logged at error level, 4xx responses at warn.
func Logger(log zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			began := time.Now()
			err := next(c)

			res := c.Response()
			var evt *zerolog.Event
			switch {
			case err != nil:
				evt = log.Error().Err(err)
			case res.Status >= 400:
				evt = log.Warn()
			default:
				evt = log.Info()
			}

			rid, _ := c.Get("request_id").(string)
			req := c.Request()
			evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", res.Status).
				Int64("bytes_out", res.Size).
				Dur("latency", time.Since(began)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}
