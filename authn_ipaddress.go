package doorman

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// ClaimTypeNetwork is the CIDR an authenticated client address matched.
const ClaimTypeNetwork = "network"

type IPAddressOptions struct {
	SchemeOptions `mapstructure:",squash"`

	Addresses []string `mapstructure:"addresses" validate:"required,min=1,dive,cidr"`

	networks []*net.IPNet
}

var ipAddressSchemeType = SchemeType{
	NewOptions: func() any { return &IPAddressOptions{} },
	Build:      buildIPAddressScheme,
}

func buildIPAddressScheme(dm *Doorman, name string, options any) (*Scheme, error) {
	opts, ok := options.(*IPAddressOptions)
	if !ok {
		return nil, fmt.Errorf("%w: scheme '%s' expects *IPAddressOptions, got %T", ErrInvalidOptions, name, options)
	}
	if err := dm.validateOptions(name, opts); err != nil {
		return nil, err
	}

	opts.networks = opts.networks[:0]
	for _, addr := range opts.Addresses {
		_, network, err := net.ParseCIDR(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: scheme '%s': %w", ErrInvalidOptions, name, err)
		}
		opts.networks = append(opts.networks, network)
	}

	return NewScheme(name, "ipaddress", func() Handler { return &IPAddressHandler{} }, opts)
}

// IPAddressHandler authenticates clients whose remote address is in an allow-list.
type IPAddressHandler struct {
	HandlerBase
	options *IPAddressOptions
}

func (h *IPAddressHandler) Initialize(_ context.Context, scheme *Scheme, rc *RequestContext) error {
	opts, ok := scheme.Options().(*IPAddressOptions)
	if !ok {
		return fmt.Errorf("%w: scheme '%s' has no ip address options", ErrInvalidOptions, scheme.Name())
	}
	h.options = opts
	return h.InitializeBase(scheme, rc, h)
}

func (h *IPAddressHandler) HandleAuthenticate(_ context.Context) (*AuthenticateResult, error) {
	remoteAddr := h.rc.Request.RemoteAddr
	if strings.Contains(remoteAddr, ":") {
		if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
			remoteAddr = host
		}
	}
	clientIP := net.ParseIP(remoteAddr)
	if clientIP == nil {
		return Fail(fmt.Errorf("client ip '%s' is invalid", h.rc.Request.RemoteAddr)), nil
	}

	for _, network := range h.options.networks {
		if network.Contains(clientIP) {
			identity := h.NewIdentity(
				Claim{Type: ClaimTypeName, Value: clientIP.String()},
				Claim{Type: ClaimTypeIPAddress, Value: clientIP.String()},
				Claim{Type: ClaimTypeNetwork, Value: network.String()},
			)
			return Success(NewTicket(NewPrincipal(identity), nil, h.scheme.name)), nil
		}
	}
	return NoResult(), nil
}
