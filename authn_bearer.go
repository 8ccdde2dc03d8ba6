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
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultClockSkew = 10 * time.Second

type bearerMetaData struct {
	JwksUri string `json:"jwks_uri"`
}

type ClaimValidation struct {
	Key                 string               `mapstructure:"key" validate:"required"`
	IsOptional          bool                 `mapstructure:"optional"`
	ValidationOperation *ValidationOperation `mapstructure:"validation" validate:"required"`
	DynamicACLS         []string             `mapstructure:"dynamic_acls"`
}

type TokenKeyAliases map[string]string

type ClaimsValidationGroup struct {
	ClaimsValidations []ClaimValidation `mapstructure:"claims_validations" validate:"dive"`
	TokenKeyAliases   TokenKeyAliases   `mapstructure:"token_key_aliases"`
	TokenMapACLs      []string          `mapstructure:"token_map_acls"`
}

type BearerOptions struct {
	SchemeOptions `mapstructure:",squash"`

	MetaUrl           string        `mapstructure:"meta_url" validate:"required_without=JwksUrl,omitempty,url"`
	JwksUrl           string        `mapstructure:"jwks_url" validate:"required_without=MetaUrl,omitempty,url"`
	KeysFetchInterval time.Duration `mapstructure:"keys_fetch_interval"`
	ValidIssuer       string        `mapstructure:"valid_issuer"`
	ValidAudience     string        `mapstructure:"valid_audience"`
	ClockSkew         time.Duration `mapstructure:"clock_skew"`
	NameClaim         string        `mapstructure:"name_claim"`
	SaveToken         bool          `mapstructure:"save_token"`
	// _
	ClaimsValidationGroups []*ClaimsValidationGroup `mapstructure:"claims_validation_groups" validate:"dive"`
	// _
	ClaimsValidations []ClaimValidation `mapstructure:"claims_validations" validate:"dive"`
	TokenKeyAliases   TokenKeyAliases   `mapstructure:"token_key_aliases"`
	TokenMapACLs      []string          `mapstructure:"token_map_acls"`
	// ____
	HTTPClient *http.Client `mapstructure:"-" validate:"-"`

	keyManager *BearerKeyManager
	validator  claimValidator
}

// Close stops the key refresh.
func (o *BearerOptions) Close() error {
	if o.keyManager != nil {
		o.keyManager.Stop()
	}
	return nil
}

var bearerSchemeType = SchemeType{
	NewOptions: func() any { return &BearerOptions{} },
	Build:      buildBearerScheme,
}

func buildBearerScheme(dm *Doorman, name string, options any) (*Scheme, error) {
	opts, ok := options.(*BearerOptions)
	if !ok {
		return nil, fmt.Errorf("%w: scheme '%s' expects *BearerOptions, got %T", ErrInvalidOptions, name, options)
	}
	if err := dm.validateOptions(name, opts); err != nil {
		return nil, err
	}
	if opts.MetaUrl != "" && opts.JwksUrl != "" {
		dm.logger.Info("prefer meta_url over jwks_url", "scheme", name)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: keysFetchTimeout}
	}
	if opts.ClockSkew == 0 {
		opts.ClockSkew = defaultClockSkew
	}
	if opts.NameClaim == "" {
		opts.NameClaim = ClaimTypeNameIdentifier
	}

	if len(opts.ClaimsValidations) > 0 {
		g := &ClaimsValidationGroup{
			ClaimsValidations: opts.ClaimsValidations,
			TokenKeyAliases:   opts.TokenKeyAliases,
			TokenMapACLs:      opts.TokenMapACLs,
		}
		opts.ClaimsValidationGroups = slices.Insert(opts.ClaimsValidationGroups, 0, g)
	}

	// validation sanity check
	if len(opts.ClaimsValidationGroups) == 0 {
		return nil, fmt.Errorf("%w: scheme '%s' needs claims_validations", ErrInvalidOptions, name)
	}
	opts.validator = claimValidator{ops: maps.Clone(dm.validationOps)}
	for idx, group := range opts.ClaimsValidationGroups {
		for _, cv := range group.ClaimsValidations {
			if _, found := opts.validator.ops[cv.ValidationOperation.Operation]; !found {
				return nil, fmt.Errorf("%w: scheme '%s': unknown validation operation '%s' in group %d", ErrInvalidOptions, name, cv.ValidationOperation.Operation, idx)
			}
		}
	}

	ctx := context.Background()
	if opts.MetaUrl != "" {
		jwksUrl, err := fetchMetaData(ctx, opts.HTTPClient, opts.MetaUrl)
		if err != nil {
			return nil, fmt.Errorf("scheme '%s': %w", name, err)
		}
		opts.JwksUrl = jwksUrl
	}
	if opts.KeysFetchInterval == 0 {
		opts.KeysFetchInterval = defaultKeysFetchInterval
	}

	keyManager, err := NewBearerKeyManager(ctx, name, opts.JwksUrl, opts.KeysFetchInterval, opts.HTTPClient, dm.logger)
	if err != nil {
		return nil, fmt.Errorf("scheme '%s': %w", name, err)
	}
	opts.keyManager = keyManager

	s, err := NewScheme(name, "bearer", func() Handler { return &BearerHandler{} }, opts)
	if err != nil {
		keyManager.Stop()
		return nil, err
	}
	return s, nil
}

// fetchMetaData reads the jwks_uri from the identity provider's metadata document.
func fetchMetaData(ctx context.Context, httpClient *http.Client, metaUrl string) (string, error) {
	var (
		request  *http.Request
		response *http.Response
		metaData bearerMetaData
		err      error
	)

	if request, err = http.NewRequestWithContext(ctx, http.MethodGet, metaUrl, nil); err != nil {
		return "", err
	}
	if response, err = httpClient.Do(request); err != nil {
		return "", err
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(response.Body)

	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("error: %s", response.Status)
	}
	if err = json.NewDecoder(response.Body).Decode(&metaData); err != nil {
		return "", err
	}
	if metaData.JwksUri == "" {
		return "", errors.New("metadata has no jwks_uri")
	}
	return metaData.JwksUri, nil
}

// BearerHandler authenticates JWT bearer tokens signed by keys of a JWKS.
type BearerHandler struct {
	HandlerBase
	options      *BearerOptions
	tokenFailure error
}

func (h *BearerHandler) Initialize(_ context.Context, scheme *Scheme, rc *RequestContext) error {
	opts, ok := scheme.Options().(*BearerOptions)
	if !ok || opts.keyManager == nil {
		return fmt.Errorf("%w: scheme '%s' has no bearer options", ErrInvalidOptions, scheme.Name())
	}
	h.options = opts
	return h.InitializeBase(scheme, rc, h)
}

func (h *BearerHandler) parserOptions() []jwt.ParserOption {
	parserOpts := []jwt.ParserOption{jwt.WithLeeway(h.options.ClockSkew)}
	if h.options.ValidIssuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(h.options.ValidIssuer))
	}
	if h.options.ValidAudience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(h.options.ValidAudience))
	}
	return parserOpts
}

func (h *BearerHandler) HandleAuthenticate(_ context.Context) (*AuthenticateResult, error) {
	authHeaderValue := h.rc.Request.Header.Get("Authorization")
	bearerValue, found := strings.CutPrefix(authHeaderValue, "Bearer ")
	if !found {
		return NoResult(), nil
	}

	tokenClaims := make(jwt.MapClaims)
	token, err := jwt.ParseWithClaims(bearerValue, &tokenClaims, h.options.keyManager.getSignatureKey, h.parserOptions()...)
	if errors.Is(err, errUnknownSigningKey) {
		// the token may belong to another bearer scheme
		h.logger.Debug("token signed by unknown key", "scheme", h.scheme.name)
		return NoResult(), nil
	}
	if err != nil || token == nil || !token.Valid {
		h.tokenFailure = err
		return Fail(fmt.Errorf("%w: invalid token: %w", ErrInvalidCredentials, err)), nil
	}

	for idx, group := range h.options.ClaimsValidationGroups {
		acls, err := h.validateClaimsForGroup(group, idx, tokenClaims)
		if err != nil {
			h.logger.Info("group validation failed with error", "scheme", h.scheme.name, "idx", idx, "err", err)
			continue
		}
		if acls == nil {
			h.logger.Debug("group validation returned false", "scheme", h.scheme.name, "idx", idx)
			continue
		}
		mappedACLs, err := group.tokenMapACLs(tokenClaims)
		if err != nil {
			return Fail(fmt.Errorf("%w: %w", ErrInvalidCredentials, err)), nil
		}

		identity := h.tokenIdentity(tokenClaims)
		for _, acl := range slices.Concat(acls, mappedACLs) {
			h.AddClaim(identity, Claim{Type: ClaimTypeRole, Value: acl})
		}
		props := NewProperties()
		if h.options.SaveToken {
			props.SetToken("access_token", bearerValue)
		}
		return Success(NewTicket(NewPrincipal(identity), props, h.scheme.name)), nil
	}

	h.tokenFailure = errors.New("no claims validation group matched")
	return Fail(fmt.Errorf("%w: %w", ErrInvalidCredentials, h.tokenFailure)), nil
}

// tokenIdentity turns top level token claims into identity claims. Nested objects
// are skipped; lists become one claim per element.
func (h *BearerHandler) tokenIdentity(tokenClaims jwt.MapClaims) *Identity {
	identity := h.NewIdentity()
	identity.NameClaimType = h.options.NameClaim
	for _, key := range slices.Sorted(maps.Keys(tokenClaims)) {
		switch value := tokenClaims[key].(type) {
		case map[string]any:
		case []any:
			for _, v := range value {
				if s, err := castAsString(v); err == nil {
					h.AddClaim(identity, Claim{Type: key, Value: s})
				}
			}
		default:
			if s, err := castAsString(value); err == nil {
				h.AddClaim(identity, Claim{Type: key, Value: s})
			}
		}
	}
	return identity
}

func (h *BearerHandler) HandleUnauthorized(_ context.Context, _ *Properties) error {
	challenge := "Bearer"
	if h.tokenFailure != nil {
		challenge += ` error="invalid_token"`
		if errors.Is(h.tokenFailure, jwt.ErrTokenExpired) {
			challenge += `, error_description="The token expired"`
		}
	}
	h.rc.Response.Header().Set("WWW-Authenticate", challenge)
	h.rc.SetStatus(http.StatusUnauthorized)
	return nil
}

// validateClaimsForGroup returns the dynamic ACLs of the group, or nil when the
// token does not satisfy it. Every present claim must pass; missing or failing
// optional claims are skipped.
func (h *BearerHandler) validateClaimsForGroup(group *ClaimsValidationGroup, idx int, tokenClaims jwt.MapClaims) ([]string, error) {
	acls := []string{}
	for _, cv := range group.ClaimsValidations {
		tokenValue := getFromTokenPayload(group.mapKey(cv.Key), tokenClaims)
		if tokenValue == nil {
			if cv.IsOptional {
				continue
			}
			return nil, fmt.Errorf("invalid claim. key '%s' not found", cv.Key)
		}

		result, err := h.options.validator.evaluate(cv.ValidationOperation, tokenValue)
		if err != nil {
			return nil, fmt.Errorf("validation failed for group %d and key %s: %w", idx, cv.Key, err)
		}
		if !result {
			h.logger.Debug("validation returned false", "group", idx, "key", cv.Key, "optional", cv.IsOptional, "operation", cv.ValidationOperation.Operation)
			if cv.IsOptional {
				continue
			}
			return nil, nil
		}
		acls = append(acls, cv.DynamicACLS...)
	}
	return acls, nil
}

func (g *ClaimsValidationGroup) tokenMapACLs(tokenClaims jwt.MapClaims) ([]string, error) {
	var acls []string
	for _, key := range g.TokenMapACLs {
		switch anyVal := getFromTokenPayload(g.mapKey(key), tokenClaims).(type) {
		case nil:
		case []any:
			for _, arrVal := range anyVal {
				acl, err := tokenMapACL(arrVal)
				if err != nil {
					return nil, err
				}
				acls = append(acls, acl)
			}
		default:
			acl, err := tokenMapACL(anyVal)
			if err != nil {
				return nil, err
			}
			acls = append(acls, acl)
		}
	}
	return acls, nil
}

func tokenMapACL(aVal any) (string, error) {
	switch val := aVal.(type) {
	case string, int, int8, int16, int32, int64, float32, float64:
		return castAsString(val)
	default:
		return "", fmt.Errorf("unsupported token content value for ACL mapping. %T", val)
	}
}

func (g *ClaimsValidationGroup) mapKey(key string) string {
	if alias, found := g.TokenKeyAliases[key]; found {
		return alias
	}
	return key
}

// getFromTokenPayload resolves dotted keys into nested objects.
func getFromTokenPayload(key string, t map[string]any) any {
	sKey := strings.SplitN(key, ".", 2)
	if v, exists := t[sKey[0]]; exists {
		if len(sKey) > 1 {
			if vv, ok := v.(map[string]any); ok {
				return getFromTokenPayload(sKey[1], vv)
			}
		} else {
			return v
		}
	}
	return nil
}
