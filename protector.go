package doorman

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const protectorIssuer = "doorman"

// Protector seals data that travels through the client, e.g. cookies and OAuth state.
type Protector interface {
	Protect(plaintext []byte) (string, error)
	Unprotect(protected string) ([]byte, error)
}

// JWTProtector seals payloads as HS256 JWTs. The purpose is the token audience, so a
// payload sealed for one purpose does not unprotect under another.
type JWTProtector struct {
	secret  []byte
	purpose string
}

func NewJWTProtector(secret []byte, purpose string) (*JWTProtector, error) {
	if len(secret) < 32 {
		return nil, ErrInvalidSecretLength
	}
	if purpose == "" {
		return nil, fmt.Errorf("%w: protector purpose must not be empty", ErrConfiguration)
	}
	return &JWTProtector{secret: append([]byte(nil), secret...), purpose: purpose}, nil
}

// ForPurpose derives a protector for a sub purpose sharing the secret.
func (p *JWTProtector) ForPurpose(purpose string) Protector {
	return &JWTProtector{secret: p.secret, purpose: p.purpose + "." + purpose}
}

type protectedClaims struct {
	jwt.RegisteredClaims
	Data string `json:"dat"`
}

func (p *JWTProtector) Protect(plaintext []byte) (string, error) {
	claims := protectedClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   protectorIssuer,
			Audience: jwt.ClaimStrings{p.purpose},
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
		Data: base64.RawURLEncoding.EncodeToString(plaintext),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

func (p *JWTProtector) Unprotect(protected string) ([]byte, error) {
	var claims protectedClaims
	_, err := jwt.ParseWithClaims(protected, &claims,
		func(*jwt.Token) (any, error) { return p.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(protectorIssuer),
		jwt.WithAudience(p.purpose),
	)
	if err != nil {
		return nil, err
	}
	return base64.RawURLEncoding.DecodeString(claims.Data)
}

// protectorFor derives a purpose specific protector when p supports it.
func protectorFor(p Protector, purpose string) Protector {
	if pp, ok := p.(interface{ ForPurpose(string) Protector }); ok {
		return pp.ForPurpose(purpose)
	}
	return p
}

const ticketFormatVersion = 1

type ticketPayload struct {
	Version    int               `json:"v"`
	Scheme     string            `json:"scheme"`
	Principal  *Principal        `json:"principal"`
	Properties map[string]string `json:"properties,omitempty"`
}

// TicketFormat seals tickets for storage in a cookie.
type TicketFormat struct {
	protector Protector
}

func NewTicketFormat(p Protector) *TicketFormat {
	return &TicketFormat{protector: p}
}

func (f *TicketFormat) Protect(t *Ticket) (string, error) {
	b, err := json.Marshal(ticketPayload{
		Version:    ticketFormatVersion,
		Scheme:     t.scheme,
		Principal:  t.principal,
		Properties: t.properties.Items,
	})
	if err != nil {
		return "", err
	}
	return f.protector.Protect(b)
}

func (f *TicketFormat) Unprotect(protected string) (*Ticket, error) {
	b, err := f.protector.Unprotect(protected)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTicket, err)
	}
	var payload ticketPayload
	if err = json.Unmarshal(b, &payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTicket, err)
	}
	if payload.Version != ticketFormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidTicket, payload.Version)
	}
	if payload.Principal == nil {
		return nil, fmt.Errorf("%w: no principal", ErrInvalidTicket)
	}
	props := NewProperties()
	for k, v := range payload.Properties {
		props.Set(k, v)
	}
	return NewTicket(payload.Principal, props, payload.Scheme), nil
}

// PropertiesFormat seals properties, e.g. as OAuth state.
type PropertiesFormat struct {
	protector Protector
}

func NewPropertiesFormat(p Protector) *PropertiesFormat {
	return &PropertiesFormat{protector: p}
}

func (f *PropertiesFormat) Protect(props *Properties) (string, error) {
	b, err := json.Marshal(props)
	if err != nil {
		return "", err
	}
	return f.protector.Protect(b)
}

func (f *PropertiesFormat) Unprotect(protected string) (*Properties, error) {
	if protected == "" {
		return nil, errors.New("empty state")
	}
	b, err := f.protector.Unprotect(protected)
	if err != nil {
		return nil, err
	}
	props := NewProperties()
	if err = json.Unmarshal(b, props); err != nil {
		return nil, err
	}
	if props.Items == nil {
		props.Items = make(map[string]string)
	}
	return props, nil
}
