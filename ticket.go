package doorman

import (
	"maps"
	"strconv"
	"time"
)

// Reserved property keys.
const (
	propertyRedirectURI  = ".redirect"
	propertyExpires      = ".expires"
	propertyIssued       = ".issued"
	propertyIsPersistent = ".persistent"
	propertyCorrelation  = ".xsrf"
	propertyAuthScheme   = ".AuthScheme"
	propertyTokenPrefix  = ".Token."
)

// Properties is the string metadata bag carried alongside a principal.
type Properties struct {
	Items map[string]string `json:"items"`
}

func NewProperties() *Properties {
	return &Properties{Items: make(map[string]string)}
}

func (p *Properties) Get(key string) (string, bool) {
	if p == nil || p.Items == nil {
		return "", false
	}
	v, ok := p.Items[key]
	return v, ok
}

// Set stores value under key; an empty value removes the key.
func (p *Properties) Set(key, value string) {
	if p.Items == nil {
		p.Items = make(map[string]string)
	}
	if value == "" {
		delete(p.Items, key)
		return
	}
	p.Items[key] = value
}

func (p *Properties) Clone() *Properties {
	if p == nil {
		return NewProperties()
	}
	items := maps.Clone(p.Items)
	if items == nil {
		items = make(map[string]string)
	}
	return &Properties{Items: items}
}

func (p *Properties) RedirectURI() string {
	v, _ := p.Get(propertyRedirectURI)
	return v
}

func (p *Properties) SetRedirectURI(uri string) { p.Set(propertyRedirectURI, uri) }

func (p *Properties) IsPersistent() bool {
	_, ok := p.Get(propertyIsPersistent)
	return ok
}

func (p *Properties) SetIsPersistent(persistent bool) {
	if persistent {
		p.Set(propertyIsPersistent, "true")
		return
	}
	p.Set(propertyIsPersistent, "")
}

func (p *Properties) ExpiresUTC() (time.Time, bool) { return p.getTime(propertyExpires) }

func (p *Properties) SetExpiresUTC(t time.Time) { p.setTime(propertyExpires, t) }

func (p *Properties) IssuedUTC() (time.Time, bool) { return p.getTime(propertyIssued) }

func (p *Properties) SetIssuedUTC(t time.Time) { p.setTime(propertyIssued, t) }

// Token returns a token saved by a remote scheme, e.g. Token("access_token").
func (p *Properties) Token(name string) string {
	v, _ := p.Get(propertyTokenPrefix + name)
	return v
}

func (p *Properties) SetToken(name, value string) { p.Set(propertyTokenPrefix+name, value) }

func (p *Properties) getTime(key string) (time.Time, bool) {
	v, ok := p.Get(key)
	if !ok {
		return time.Time{}, false
	}
	unix, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(unix, 0).UTC(), true
}

func (p *Properties) setTime(key string, t time.Time) {
	if t.IsZero() {
		p.Set(key, "")
		return
	}
	p.Set(key, strconv.FormatInt(t.UTC().Unix(), 10))
}

// Ticket is the immutable outcome of a successful authentication.
type Ticket struct {
	principal  *Principal
	properties *Properties
	scheme     string
}

func NewTicket(principal *Principal, properties *Properties, scheme string) *Ticket {
	if properties == nil {
		properties = NewProperties()
	}
	return &Ticket{principal: principal, properties: properties, scheme: scheme}
}

func (t *Ticket) Principal() *Principal        { return t.principal }
func (t *Ticket) Properties() *Properties      { return t.properties }
func (t *Ticket) AuthenticationScheme() string { return t.scheme }

func (t *Ticket) WithPrincipal(p *Principal) *Ticket {
	return NewTicket(p, t.properties, t.scheme)
}

func (t *Ticket) WithProperties(p *Properties) *Ticket {
	return NewTicket(t.principal, p, t.scheme)
}

// AuthenticateResult is exactly one of success (ticket), failure (error) or no result.
// Remote callbacks may additionally report Handled or Skipped.
type AuthenticateResult struct {
	ticket  *Ticket
	failure error
	handled bool
	skipped bool
	// properties may accompany a failure or no result
	properties *Properties
}

func Success(ticket *Ticket) *AuthenticateResult {
	return &AuthenticateResult{ticket: ticket}
}

func Fail(err error) *AuthenticateResult {
	return &AuthenticateResult{failure: err}
}

func FailWithProperties(err error, properties *Properties) *AuthenticateResult {
	return &AuthenticateResult{failure: err, properties: properties}
}

func NoResult() *AuthenticateResult {
	return &AuthenticateResult{}
}

func Handled() *AuthenticateResult {
	return &AuthenticateResult{handled: true}
}

func Skipped() *AuthenticateResult {
	return &AuthenticateResult{skipped: true}
}

func (r *AuthenticateResult) Succeeded() bool { return r != nil && r.ticket != nil }
func (r *AuthenticateResult) Failure() error  { return r.failure }
func (r *AuthenticateResult) Handled() bool   { return r.handled }
func (r *AuthenticateResult) Skipped() bool   { return r.skipped }
func (r *AuthenticateResult) Ticket() *Ticket { return r.ticket }

// None reports a result that neither succeeded nor failed.
func (r *AuthenticateResult) None() bool {
	return r.ticket == nil && r.failure == nil
}

func (r *AuthenticateResult) Principal() *Principal {
	if r.ticket == nil {
		return nil
	}
	return r.ticket.principal
}

func (r *AuthenticateResult) Properties() *Properties {
	if r.ticket != nil {
		return r.ticket.properties
	}
	return r.properties
}
