package doorman

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
)

// ClaimTypeHeaderPrefix prefixes the claim type of captured request headers.
const ClaimTypeHeaderPrefix = "header:"

type HttpHeader struct {
	Name            string   `mapstructure:"name" validate:"required"`
	Value           string   `mapstructure:"value" validate:"required"`
	Hashed          string   `mapstructure:"hashed"`
	Subject         string   `mapstructure:"subject"`
	CapturedHeaders []string `mapstructure:"capture_headers"`
	DynamicACLS     []string `mapstructure:"dynamic_acls"`
	hasher          HasherFunc
}

type HttpHeaderOptions struct {
	SchemeOptions `mapstructure:",squash"`

	Headers []HttpHeader `mapstructure:"headers" validate:"required,min=1,dive"`
}

var httpHeaderSchemeType = SchemeType{
	NewOptions: func() any { return &HttpHeaderOptions{} },
	Build:      buildHttpHeaderScheme,
}

func buildHttpHeaderScheme(dm *Doorman, name string, options any) (*Scheme, error) {
	opts, ok := options.(*HttpHeaderOptions)
	if !ok {
		return nil, fmt.Errorf("%w: scheme '%s' expects *HttpHeaderOptions, got %T", ErrInvalidOptions, name, options)
	}
	if err := dm.validateOptions(name, opts); err != nil {
		return nil, err
	}
	for idx, header := range opts.Headers {
		hasher, err := dm.hasher(header.Hashed)
		if err != nil {
			return nil, err
		}
		opts.Headers[idx].hasher = hasher
		opts.Headers[idx].Name = http.CanonicalHeaderKey(header.Name)
	}
	return NewScheme(name, "http_header", func() Handler { return &HttpHeaderHandler{} }, opts)
}

// HttpHeaderHandler authenticates static header secrets, e.g. API keys.
type HttpHeaderHandler struct {
	HandlerBase
	options *HttpHeaderOptions
}

func (h *HttpHeaderHandler) Initialize(_ context.Context, scheme *Scheme, rc *RequestContext) error {
	opts, ok := scheme.Options().(*HttpHeaderOptions)
	if !ok {
		return fmt.Errorf("%w: scheme '%s' has no http header options", ErrInvalidOptions, scheme.Name())
	}
	h.options = opts
	return h.InitializeBase(scheme, rc, h)
}

// HandleAuthenticate checks the configured headers in order. A present header with a
// wrong value fails; no configured header present is no result.
func (h *HttpHeaderHandler) HandleAuthenticate(_ context.Context) (*AuthenticateResult, error) {
	presented := false
	for _, httpHeader := range h.options.Headers {
		headerValue := h.rc.Request.Header.Get(httpHeader.Name)
		if headerValue == "" {
			continue
		}
		presented = true
		if httpHeader.hasher != nil {
			headerValue = httpHeader.hasher(headerValue)
		}
		if subtle.ConstantTimeCompare([]byte(headerValue), []byte(httpHeader.Value)) != 1 {
			continue
		}

		subject := httpHeader.Subject
		if subject == "" {
			subject = httpHeader.Name
		}
		identity := h.NewIdentity(
			Claim{Type: ClaimTypeName, Value: subject},
			Claim{Type: ClaimTypeNameIdentifier, Value: subject},
		)
		for _, header := range httpHeader.CapturedHeaders {
			h.AddClaim(identity, Claim{Type: ClaimTypeHeaderPrefix + http.CanonicalHeaderKey(header), Value: h.rc.Request.Header.Get(header)})
		}
		for _, acl := range httpHeader.DynamicACLS {
			h.AddClaim(identity, Claim{Type: ClaimTypeRole, Value: acl})
		}
		return Success(NewTicket(NewPrincipal(identity), nil, h.scheme.name)), nil
	}

	if presented {
		return Fail(ErrInvalidCredentials), nil
	}
	return NoResult(), nil
}
