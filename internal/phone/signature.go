package phone

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go/client"
)

// paramsKey is where Middleware stores the verified form parameters.
const paramsKey = "twilioParams"

// Middleware rejects webhooks whose X-Twilio-Signature does not match.
// Verified form values are available to handlers through Params.
func Middleware(authToken, publicBaseURL string) echo.MiddlewareFunc {
	validator := client.NewRequestValidator(authToken)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if authToken == "" {
				return c.String(http.StatusInternalServerError, "TWILIO_AUTH_TOKEN not configured")
			}
			body, err := io.ReadAll(c.Request().Body)
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to read request body")
			}
			form, err := url.ParseQuery(string(body))
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to parse form data")
			}
			params := make(map[string]string, len(form))
			for key, values := range form {
				if len(values) > 0 {
					params[key] = values[0]
				}
			}

			requestURL := publicURL(c.Request(), publicBaseURL, c.Request().URL.RequestURI())
			signature := c.Request().Header.Get("X-Twilio-Signature")
			if signature == "" || !validator.Validate(requestURL, params, signature) {
				log.Warn("twilio signature rejected", "url", requestURL)
				return c.String(http.StatusUnauthorized, "Invalid Twilio signature")
			}
			c.Set(paramsKey, params)
			return next(c)
		}
	}
}

// Params returns the form values verified by Middleware.
func Params(c echo.Context) map[string]string {
	params, _ := c.Get(paramsKey).(map[string]string)
	return params
}

// publicURL is the absolute URL Twilio used to reach path. The configured
// base wins, then X-Forwarded-Proto/Host, then the request host (http for
// localhost, https otherwise).
func publicURL(r *http.Request, base, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if base != "" {
		return strings.TrimRight(base, "/") + path
	}
	proto := r.Header.Get("X-Forwarded-Proto")
	host := r.Header.Get("X-Forwarded-Host")
	if proto != "" && host != "" {
		return fmt.Sprintf("%s://%s%s", proto, host, path)
	}
	host = r.Host
	proto = "https"
	if strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.0.0.1") {
		proto = "http"
	}
	return fmt.Sprintf("%s://%s%s", proto, host, path)
}

// websocketURL turns an http(s) URL into its ws(s) counterpart.
func websocketURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}
