package admind

import (
	"crypto/subtle"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/presbrey/ircd/irc/bans"
	"github.com/presbrey/ircd/irc/session"
)

// requestValidator implements echo.Validator on go-playground/validator
type requestValidator struct {
	validator *validator.Validate
}

func newValidator() *requestValidator {
	v := validator.New()

	// Report JSON field names in errors
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &requestValidator{validator: v}
}

func (rv *requestValidator) Validate(i interface{}) error {
	if err := rv.validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// bearerAuth rejects requests without the configured bearer token
func bearerAuth(token string) echo.MiddlewareFunc {
	want := []byte(token)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			got, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			return next(c)
		}
	}
}

// parseDuration parses a ban duration. It accepts IRC-like formats
// like "1d", "2h", "30m" as well as Go durations.
func parseDuration(s string) (time.Duration, error) {
	if len(s) > 1 {
		last := s[len(s)-1]
		if val, err := strconv.Atoi(s[:len(s)-1]); err == nil {
			switch last {
			case 's':
				return time.Duration(val) * time.Second, nil
			case 'm':
				return time.Duration(val) * time.Minute, nil
			case 'h':
				return time.Duration(val) * time.Hour, nil
			case 'd':
				return time.Duration(val) * time.Hour * 24, nil
			case 'w':
				return time.Duration(val) * time.Hour * 24 * 7, nil
			case 'y':
				return time.Duration(val) * time.Hour * 24 * 365, nil
			}
		}
	}

	// Fallback to standard Go duration parsing
	return time.ParseDuration(s)
}

// disconnectBanned closes every live session the ban covers and returns
// how many were closed
func disconnectBanned(sessions *session.Registry, ban *bans.Ban) int {
	if sessions == nil {
		return 0
	}
	var matched []session.Session
	sessions.Range(func(s session.Session) bool {
		if ban.Matches(net.ParseIP(s.RemoteIP())) {
			matched = append(matched, s)
		}
		return true
	})
	for _, s := range matched {
		s.Close(ban.Message())
	}
	return len(matched)
}
