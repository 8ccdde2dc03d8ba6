package doorman

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

type BasicAuthCredential struct {
	Username    string   `mapstructure:"username" validate:"required"`
	Password    string   `mapstructure:"password" validate:"required"`
	Hashed      string   `mapstructure:"hashed"`
	DynamicACLS []string `mapstructure:"dynamic_acls"`
	hasher      HasherFunc
}

type BasicAuthOptions struct {
	SchemeOptions `mapstructure:",squash"`

	Realm       string                `mapstructure:"realm"`
	Credentials []BasicAuthCredential `mapstructure:"credentials" validate:"required,min=1,dive"`

	credentialMap map[string]int
}

var basicSchemeType = SchemeType{
	NewOptions: func() any { return &BasicAuthOptions{} },
	Build:      buildBasicAuthScheme,
}

func buildBasicAuthScheme(dm *Doorman, name string, options any) (*Scheme, error) {
	opts, ok := options.(*BasicAuthOptions)
	if !ok {
		return nil, fmt.Errorf("%w: scheme '%s' expects *BasicAuthOptions, got %T", ErrInvalidOptions, name, options)
	}
	if err := dm.validateOptions(name, opts); err != nil {
		return nil, err
	}
	if opts.Realm == "" {
		opts.Realm = name
	}

	opts.credentialMap = make(map[string]int)
	for credIdx, cred := range opts.Credentials {
		hasher, err := dm.hasher(cred.Hashed)
		if err != nil {
			return nil, err
		}
		opts.Credentials[credIdx].hasher = hasher
		opts.credentialMap[cred.Username] = credIdx
	}

	return NewScheme(name, "basic", func() Handler { return &BasicAuthHandler{} }, opts)
}

// BasicAuthHandler authenticates RFC 7617 credentials against a static list.
type BasicAuthHandler struct {
	HandlerBase
	options *BasicAuthOptions
}

func (h *BasicAuthHandler) Initialize(_ context.Context, scheme *Scheme, rc *RequestContext) error {
	opts, ok := scheme.Options().(*BasicAuthOptions)
	if !ok {
		return fmt.Errorf("%w: scheme '%s' has no basic auth options", ErrInvalidOptions, scheme.Name())
	}
	h.options = opts
	return h.InitializeBase(scheme, rc, h)
}

func (h *BasicAuthHandler) HandleAuthenticate(_ context.Context) (*AuthenticateResult, error) {
	authHeaderValue := h.rc.Request.Header.Get("Authorization")
	basicValue, found := strings.CutPrefix(authHeaderValue, "Basic ")
	if !found {
		return NoResult(), nil
	}

	decodedBasicValue, err := base64.StdEncoding.DecodeString(strings.TrimSpace(basicValue))
	if err != nil {
		return Fail(fmt.Errorf("%w: invalid basic auth value", ErrInvalidCredentials)), nil
	}
	username, password, found := strings.Cut(string(decodedBasicValue), ":")
	if !found {
		return Fail(fmt.Errorf("%w: invalid basic auth value", ErrInvalidCredentials)), nil
	}

	credIdx, found := h.options.credentialMap[username]
	if !found {
		return Fail(ErrInvalidCredentials), nil
	}
	cred := h.options.Credentials[credIdx]
	if cred.hasher != nil {
		password = cred.hasher(password)
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(cred.Password)) != 1 {
		return Fail(ErrInvalidCredentials), nil
	}

	identity := h.NewIdentity(
		Claim{Type: ClaimTypeName, Value: username},
		Claim{Type: ClaimTypeNameIdentifier, Value: username},
	)
	for _, acl := range cred.DynamicACLS {
		h.AddClaim(identity, Claim{Type: ClaimTypeRole, Value: acl})
	}
	return Success(NewTicket(NewPrincipal(identity), nil, h.scheme.name)), nil
}

func (h *BasicAuthHandler) HandleUnauthorized(_ context.Context, _ *Properties) error {
	h.rc.Response.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm=%q, charset="UTF-8"`, h.options.Realm))
	h.rc.SetStatus(http.StatusUnauthorized)
	return nil
}
