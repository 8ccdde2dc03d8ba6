package doorman

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	minKeysFetchInterval     = 5 * time.Minute
	defaultKeysFetchInterval = time.Hour
	keysFetchTimeout         = 15 * time.Second
)

// errUnknownSigningKey marks tokens whose key id is not in the key set.
var errUnknownSigningKey = errors.New("unknown signing key")

// jsonWebKey is the subset of RFC 7517 needed to verify RSA and EC signatures.
type jsonWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	X5t string `json:"x5t"`
	// RSA
	N string `json:"n"`
	E string `json:"e"`
	// EC
	Curve string `json:"crv"`
	X     string `json:"x"`
	Y     string `json:"y"`
}

type jsonWebKeySet struct {
	Keys []jsonWebKey `json:"keys"`
}

// BearerKeyManager keeps the JWKS of a bearer scheme and refreshes it periodically.
type BearerKeyManager struct {
	scheme     string
	jwksURL    string
	httpClient *http.Client
	logger     Logger

	mu   sync.RWMutex
	keys map[string]crypto.PublicKey

	cancel context.CancelFunc
}

// NewBearerKeyManager fetches the keys once and starts the background refresh, which
// runs until Stop. interval is at least five minutes.
func NewBearerKeyManager(ctx context.Context, scheme, jwksURL string, interval time.Duration, httpClient *http.Client, logger Logger) (*BearerKeyManager, error) {
	bkm := &BearerKeyManager{
		scheme:     scheme,
		jwksURL:    jwksURL,
		httpClient: httpClient,
		logger:     logger,
	}
	if err := bkm.refresh(ctx); err != nil {
		return nil, err
	}

	refreshCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	bkm.cancel = cancel
	go bkm.refreshLoop(refreshCtx, max(interval, minKeysFetchInterval))
	return bkm, nil
}

// Stop ends the background refresh. It is safe to call more than once.
func (bkm *BearerKeyManager) Stop() {
	bkm.cancel()
}

func (bkm *BearerKeyManager) refreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// on failure the previous keys stay in use
			if err := bkm.refresh(ctx); err != nil {
				bkm.logger.Error("failed to fetch keys", "scheme", bkm.scheme, "error", err)
			}
		}
	}
}

func (bkm *BearerKeyManager) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, keysFetchTimeout)
	defer cancel()

	bkm.logger.Info("fetching new keys from server", "scheme", bkm.scheme, "url", bkm.jwksURL)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, bkm.jwksURL, nil)
	if err != nil {
		return err
	}
	response, err := bkm.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch keys: %s", response.Status)
	}

	var set jsonWebKeySet
	if err = json.NewDecoder(response.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode keys: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, jwk := range set.Keys {
		publicKey, err := jwk.publicKey()
		if err != nil {
			bkm.logger.Info("skipping key", "scheme", bkm.scheme, "kid", jwk.id(), "type", jwk.Kty, "alg", jwk.Alg, "error", err)
			continue
		}
		keys[jwk.id()] = publicKey
	}
	if len(keys) == 0 {
		return errors.New("no usable keys found")
	}

	bkm.mu.Lock()
	bkm.keys = keys
	bkm.mu.Unlock()
	return nil
}

// getSignatureKey is the jwt.Keyfunc of the bearer handler. The token's kid header
// selects the key, x5t is the fallback.
func (bkm *BearerKeyManager) getSignatureKey(token *jwt.Token) (any, error) {
	var keyID string
	for _, header := range []string{"kid", "x5t"} {
		if v, found := token.Header[header]; found {
			id, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("token header '%s' is not a string", header)
			}
			keyID = id
			break
		}
	}
	if keyID == "" {
		return nil, errors.New("token header carries no key id")
	}

	bkm.mu.RLock()
	defer bkm.mu.RUnlock()
	publicKey, found := bkm.keys[keyID]
	if !found {
		return nil, fmt.Errorf("%w: '%s' (%d keys cached)", errUnknownSigningKey, keyID, len(bkm.keys))
	}
	return publicKey, nil
}

func (jwk *jsonWebKey) id() string {
	if jwk.Kid != "" {
		return jwk.Kid
	}
	return jwk.X5t
}

func (jwk *jsonWebKey) publicKey() (crypto.PublicKey, error) {
	switch jwk.Kty {
	case "RSA":
		n, err := decodeBigInt(jwk.N)
		if err != nil {
			return nil, fmt.Errorf("modulus: %w", err)
		}
		e, err := decodeBigInt(jwk.E)
		if err != nil {
			return nil, fmt.Errorf("exponent: %w", err)
		}
		if !e.IsInt64() || e.Int64() > 1<<31-1 {
			return nil, errors.New("exponent out of range")
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		curve, err := jwk.curve()
		if err != nil {
			return nil, err
		}
		x, err := decodeBigInt(jwk.X)
		if err != nil {
			return nil, fmt.Errorf("x: %w", err)
		}
		y, err := decodeBigInt(jwk.Y)
		if err != nil {
			return nil, fmt.Errorf("y: %w", err)
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	}
	return nil, fmt.Errorf("unsupported key type '%s'", jwk.Kty)
}

func (jwk *jsonWebKey) curve() (elliptic.Curve, error) {
	switch {
	case jwk.Curve == "P-256" || jwk.Alg == "ES256":
		return elliptic.P256(), nil
	case jwk.Curve == "P-384" || jwk.Alg == "ES384":
		return elliptic.P384(), nil
	case jwk.Curve == "P-521" || jwk.Alg == "ES512":
		return elliptic.P521(), nil
	}
	return nil, fmt.Errorf("unsupported curve '%s'", jwk.Curve)
}

func decodeBigInt(s string) (*big.Int, error) {
	if s == "" {
		return nil, errors.New("missing value")
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}
