package doorman

import "strings"

// Well known claim types.
const (
	ClaimTypeName           = "name"
	ClaimTypeRole           = "role"
	ClaimTypeNameIdentifier = "sub"
	ClaimTypeEmail          = "email"
	ClaimTypeIPAddress      = "ipaddress"
	ClaimTypeAuthScheme     = "auth_scheme"
)

type Claim struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	ValueType string `json:"value_type,omitempty"`
	Issuer    string `json:"issuer,omitempty"`
}

// Identity is one set of claims asserted by a single authentication mechanism.
// An identity with an empty AuthenticationType is anonymous.
type Identity struct {
	AuthenticationType string  `json:"authentication_type,omitempty"`
	NameClaimType      string  `json:"name_claim_type,omitempty"`
	RoleClaimType      string  `json:"role_claim_type,omitempty"`
	Claims             []Claim `json:"claims,omitempty"`
}

func NewIdentity(authenticationType string, claims ...Claim) *Identity {
	return &Identity{
		AuthenticationType: authenticationType,
		NameClaimType:      ClaimTypeName,
		RoleClaimType:      ClaimTypeRole,
		Claims:             claims,
	}
}

func (i *Identity) IsAuthenticated() bool {
	return i != nil && i.AuthenticationType != ""
}

func (i *Identity) AddClaim(c Claim) {
	i.Claims = append(i.Claims, c)
}

func (i *Identity) nameClaimType() string {
	if i.NameClaimType == "" {
		return ClaimTypeName
	}
	return i.NameClaimType
}

func (i *Identity) roleClaimType() string {
	if i.RoleClaimType == "" {
		return ClaimTypeRole
	}
	return i.RoleClaimType
}

// Name returns the value of the first name claim or "".
func (i *Identity) Name() string {
	if i == nil {
		return ""
	}
	for _, c := range i.Claims {
		if strings.EqualFold(c.Type, i.nameClaimType()) {
			return c.Value
		}
	}
	return ""
}

func (i *Identity) clone() *Identity {
	ci := *i
	ci.Claims = append([]Claim(nil), i.Claims...)
	return &ci
}

// Principal is the caller of a request. It carries one or more identities.
type Principal struct {
	Identities []*Identity `json:"identities"`
}

func NewPrincipal(identities ...*Identity) *Principal {
	return &Principal{Identities: identities}
}

// Identity returns the primary identity: the first authenticated one, otherwise the first one.
func (p *Principal) Identity() *Identity {
	if p == nil || len(p.Identities) == 0 {
		return nil
	}
	for _, id := range p.Identities {
		if id.IsAuthenticated() {
			return id
		}
	}
	return p.Identities[0]
}

func (p *Principal) IsAuthenticated() bool {
	return p.Identity().IsAuthenticated()
}

func (p *Principal) Name() string {
	return p.Identity().Name()
}

func (p *Principal) AddIdentity(id *Identity) {
	p.Identities = append(p.Identities, id)
}

// Claims returns the claims of every identity.
func (p *Principal) Claims() []Claim {
	if p == nil {
		return nil
	}
	var claims []Claim
	for _, id := range p.Identities {
		claims = append(claims, id.Claims...)
	}
	return claims
}

// FindAll matches claim types case-insensitively.
func (p *Principal) FindAll(claimType string) []Claim {
	var found []Claim
	for _, c := range p.Claims() {
		if strings.EqualFold(c.Type, claimType) {
			found = append(found, c)
		}
	}
	return found
}

func (p *Principal) FindFirst(claimType string) (Claim, bool) {
	for _, c := range p.Claims() {
		if strings.EqualFold(c.Type, claimType) {
			return c, true
		}
	}
	return Claim{}, false
}

// HasClaim compares the type case-insensitively and the value ordinally.
func (p *Principal) HasClaim(claimType, value string) bool {
	for _, c := range p.FindAll(claimType) {
		if c.Value == value {
			return true
		}
	}
	return false
}

func (p *Principal) IsInRole(role string) bool {
	if p == nil {
		return false
	}
	for _, id := range p.Identities {
		for _, c := range id.Claims {
			if strings.EqualFold(c.Type, id.roleClaimType()) && c.Value == role {
				return true
			}
		}
	}
	return false
}

func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	cp := &Principal{Identities: make([]*Identity, 0, len(p.Identities))}
	for _, id := range p.Identities {
		cp.Identities = append(cp.Identities, id.clone())
	}
	return cp
}
