package doorman

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"time"

	"golang.org/x/oauth2"
)

const propertyCodeVerifier = ".code_verifier"

type OAuthOptions struct {
	RemoteOptions `mapstructure:",squash"`

	ClientID                string   `mapstructure:"client_id" validate:"required"`
	ClientSecret            string   `mapstructure:"client_secret" validate:"required"`
	AuthorizationEndpoint   string   `mapstructure:"authorization_endpoint" validate:"required,url"`
	TokenEndpoint           string   `mapstructure:"token_endpoint" validate:"required,url"`
	UserInformationEndpoint string   `mapstructure:"user_information_endpoint" validate:"omitempty,url"`
	Scopes                  []string `mapstructure:"scopes"`
	UsePKCE                 bool     `mapstructure:"use_pkce"`
	// ClaimMap maps (dotted) keys of the user information document to claim types.
	ClaimMap map[string]string `mapstructure:"claim_map"`
}

var oauthSchemeType = SchemeType{
	NewOptions: func() any { return &OAuthOptions{} },
	Build:      buildOAuthScheme,
}

func buildOAuthScheme(dm *Doorman, name string, options any) (*Scheme, error) {
	opts, ok := options.(*OAuthOptions)
	if !ok {
		return nil, fmt.Errorf("%w: scheme '%s' expects *OAuthOptions, got %T", ErrInvalidOptions, name, options)
	}
	if err := dm.validateOptions(name, opts); err != nil {
		return nil, err
	}
	if len(opts.ClaimMap) == 0 {
		opts.ClaimMap = map[string]string{
			"sub":   ClaimTypeNameIdentifier,
			"name":  ClaimTypeName,
			"email": ClaimTypeEmail,
		}
	}
	return NewRemoteScheme(name, "oauth", func() RemoteProtocol { return &OAuthProtocol{} }, opts)
}

// OAuthError is an error response of the authorization endpoint.
type OAuthError struct {
	Code        string
	Description string
	URI         string
}

func (e *OAuthError) Error() string {
	msg := "oauth error: " + e.Code
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return msg
}

// Unwrap maps access_denied to ErrAccessDenied.
func (e *OAuthError) Unwrap() error {
	if e.Code == "access_denied" {
		return ErrAccessDenied
	}
	return nil
}

// OAuthProtocol is the RFC 6749 authorization code flow.
type OAuthProtocol struct {
	options *OAuthOptions
}

func (p *OAuthProtocol) Initialize(_ context.Context, h *RemoteHandler) error {
	opts, ok := h.Scheme().Options().(*OAuthOptions)
	if !ok {
		return fmt.Errorf("%w: scheme '%s' has no oauth options", ErrInvalidOptions, h.Scheme().Name())
	}
	p.options = opts
	return nil
}

func (p *OAuthProtocol) config(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.options.ClientID,
		ClientSecret: p.options.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.options.AuthorizationEndpoint,
			TokenURL: p.options.TokenEndpoint,
		},
		RedirectURL: redirectURI,
		Scopes:      p.options.Scopes,
	}
}

func (p *OAuthProtocol) BuildChallengeURL(_ context.Context, h *RemoteHandler, props *Properties, redirectURI string) (string, error) {
	var opts []oauth2.AuthCodeOption
	if p.options.UsePKCE {
		verifier := oauth2.GenerateVerifier()
		props.Set(propertyCodeVerifier, verifier)
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	state, err := h.ProtectState(props)
	if err != nil {
		return "", err
	}
	return p.config(redirectURI).AuthCodeURL(state, opts...), nil
}

func (p *OAuthProtocol) HandleRemoteAuthenticate(ctx context.Context, h *RemoteHandler) (*AuthenticateResult, error) {
	query := h.RequestContext().Request.URL.Query()

	props, err := h.UnprotectState(query.Get("state"))
	if err != nil {
		return Fail(fmt.Errorf("the oauth state was missing or invalid: %w", err)), nil
	}

	if code := query.Get("error"); code != "" {
		return FailWithProperties(&OAuthError{
			Code:        code,
			Description: query.Get("error_description"),
			URI:         query.Get("error_uri"),
		}, props), nil
	}

	code := query.Get("code")
	if code == "" {
		return FailWithProperties(errors.New("code was not found"), props), nil
	}

	var opts []oauth2.AuthCodeOption
	if verifier, ok := props.Get(propertyCodeVerifier); ok {
		opts = append(opts, oauth2.VerifierOption(verifier))
		props.Set(propertyCodeVerifier, "")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, h.Backchannel())
	redirectURI := h.RequestContext().BuildURI(p.options.CallbackPath)
	token, err := p.config(redirectURI).Exchange(ctx, code, opts...)
	if err != nil {
		return FailWithProperties(fmt.Errorf("oauth token exchange: %w", err), props), nil
	}

	identity := h.NewIdentity()
	if p.options.UserInformationEndpoint != "" {
		userInfo, err := p.fetchUserInformation(ctx, h.Backchannel(), token)
		if err != nil {
			return FailWithProperties(err, props), nil
		}
		p.mapClaims(h, identity, userInfo)
	}

	if p.options.SaveTokens {
		props.SetToken("access_token", token.AccessToken)
		props.SetToken("refresh_token", token.RefreshToken)
		props.SetToken("token_type", token.TokenType)
		if !token.Expiry.IsZero() {
			props.SetToken("expires_at", token.Expiry.UTC().Format(time.RFC3339))
		}
	}

	return Success(NewTicket(NewPrincipal(identity), props, h.Scheme().Name())), nil
}

func (p *OAuthProtocol) fetchUserInformation(ctx context.Context, client *http.Client, token *oauth2.Token) (userInfo map[string]any, err error) {
	var (
		request  *http.Request
		response *http.Response
	)

	if request, err = http.NewRequestWithContext(ctx, http.MethodGet, p.options.UserInformationEndpoint, nil); err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "application/json")
	token.SetAuthHeader(request)

	if response, err = client.Do(request); err != nil {
		return nil, err
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(response.Body)

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user information endpoint: %s", response.Status)
	}
	if err = json.NewDecoder(response.Body).Decode(&userInfo); err != nil {
		return nil, err
	}
	return userInfo, nil
}

func (p *OAuthProtocol) mapClaims(h *RemoteHandler, identity *Identity, userInfo map[string]any) {
	for _, key := range slices.Sorted(maps.Keys(p.options.ClaimMap)) {
		claimType := p.options.ClaimMap[key]
		switch value := getFromTokenPayload(key, userInfo).(type) {
		case nil:
		case []any:
			for _, v := range value {
				if s, err := castAsString(v); err == nil {
					h.AddClaim(identity, Claim{Type: claimType, Value: s})
				}
			}
		case bool:
			h.AddClaim(identity, Claim{Type: claimType, Value: fmt.Sprint(value), ValueType: "bool"})
		default:
			if s, err := castAsString(value); err == nil {
				h.AddClaim(identity, Claim{Type: claimType, Value: s})
			}
		}
	}
}
