package doorman

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"time"
)

const (
	defaultCorrelationCookiePrefix = ".Doorman.Correlation"
	correlationMarker              = "N"
	correlationIDBytes             = 32
)

// GenerateCorrelationID binds the outgoing properties to this browser: a random id
// goes into the properties and a marker cookie named after it into the response.
func (h *RemoteHandler) GenerateCorrelationID(props *Properties) error {
	b := make([]byte, correlationIDBytes)
	if _, err := rand.Read(b); err != nil {
		return err
	}
	id := base64.RawURLEncoding.EncodeToString(b)
	props.Set(propertyCorrelation, id)

	attrs := h.correlationCookieAttributes()
	attrs.Expires = time.Now().Add(h.options.RemoteAuthenticationTimeout)
	h.rc.SetCookie(h.correlationCookieName(id), correlationMarker, attrs)
	return nil
}

// ValidateCorrelationID consumes the correlation id of props and its cookie. It
// reports false when either is missing or the cookie does not carry the marker.
func (h *RemoteHandler) ValidateCorrelationID(props *Properties) bool {
	id, ok := props.Get(propertyCorrelation)
	if !ok {
		h.logger.Warn("correlation property not found", "scheme", h.scheme.name)
		return false
	}
	props.Set(propertyCorrelation, "")

	name := h.correlationCookieName(id)
	value, ok := h.rc.Cookie(name)
	if !ok {
		h.logger.Warn("correlation cookie not found", "scheme", h.scheme.name, "cookie", name)
		return false
	}
	h.rc.DeleteCookie(name, h.correlationCookieAttributes())

	if value != correlationMarker {
		h.logger.Warn("unexpected correlation cookie value", "scheme", h.scheme.name, "cookie", name)
		return false
	}
	return true
}

func (h *RemoteHandler) correlationCookieName(id string) string {
	return h.options.CorrelationCookiePrefix + "." + h.scheme.name + "." + id
}

func (h *RemoteHandler) correlationCookieAttributes() CookieAttributes {
	path := h.rc.PathBase
	if f := h.rc.Feature(); f != nil && f.OriginalPathBase != "" {
		path = f.OriginalPathBase
	}
	if path == "" {
		path = "/"
	}
	return CookieAttributes{
		Path:     path,
		HttpOnly: true,
		Secure:   h.rc.IsHTTPS(),
		SameSite: http.SameSiteLaxMode,
	}
}
