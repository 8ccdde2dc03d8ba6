package doorman

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCookieDoorman(t *testing.T, configure func(o *CookieOptions)) *Doorman {
	t.Helper()
	opts := NewCookieOptions()
	opts.LoginPath = "/login"
	if configure != nil {
		configure(opts)
	}
	dm, err := NewDoorman(WithScheme("cookie", "cookie", opts))
	require.NoError(t, err)
	return dm
}

func requestWithCookies(method, target string, cookies []*http.Cookie) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	for _, c := range cookies {
		if c.MaxAge >= 0 {
			r.AddCookie(c)
		}
	}
	return r
}

func findCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func signInCookie(t *testing.T, dm *Doorman, props *Properties) (*httptest.ResponseRecorder, *http.Cookie) {
	t.Helper()
	rc, w := newTestRequestContext(dm, httptest.NewRequest(http.MethodPost, "/session", nil))
	principal := NewPrincipal(NewIdentity("password",
		Claim{Type: ClaimTypeName, Value: "alice"},
		Claim{Type: ClaimTypeRole, Value: "admin"},
	))
	require.NoError(t, dm.SignIn(context.Background(), rc, "", principal, props))
	return w, findCookie(w, ".Doorman.cookie")
}

func TestCookieSignInRoundTrip(t *testing.T) {
	dm := newCookieDoorman(t, nil)
	ctx := context.Background()

	props := NewProperties()
	props.SetRedirectURI("/home")
	props.Set("tenant", "acme")
	w, cookie := signInCookie(t, dm, props)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, "/", cookie.Path)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.True(t, cookie.Expires.IsZero(), "session cookie unless persistent")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/home", w.Header().Get("Location"))

	rc, _ := newTestRequestContext(dm, requestWithCookies(http.MethodGet, "/", []*http.Cookie{cookie}))
	result, err := dm.Authenticate(ctx, rc, "cookie")
	require.NoError(t, err)
	require.True(t, result.Succeeded())
	assert.Equal(t, "alice", result.Principal().Name())
	assert.True(t, result.Principal().IsInRole("admin"))
	assert.Equal(t, "cookie", result.Ticket().AuthenticationScheme())
	assert.Empty(t, result.Properties().RedirectURI())
	tenant, _ := result.Properties().Get("tenant")
	assert.Equal(t, "acme", tenant)
	expires, ok := result.Properties().ExpiresUTC()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(defaultExpireTimeSpan), expires, time.Minute)
}

func TestCookiePersistent(t *testing.T) {
	dm := newCookieDoorman(t, nil)

	props := NewProperties()
	props.SetIsPersistent(true)
	_, cookie := signInCookie(t, dm, props)
	require.NotNil(t, cookie)
	assert.WithinDuration(t, time.Now().Add(defaultExpireTimeSpan), cookie.Expires, time.Minute)
}

func TestCookieNoCookieIsNoResult(t *testing.T) {
	dm := newCookieDoorman(t, nil)
	rc, _ := newTestRequestContext(dm, nil)
	result, err := dm.Authenticate(context.Background(), rc, "cookie")
	require.NoError(t, err)
	assert.True(t, result.None())
}

func TestCookieInvalidTicket(t *testing.T) {
	dm := newCookieDoorman(t, nil)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: ".Doorman.cookie", Value: "garbage"})
	rc, _ := newTestRequestContext(dm, r)

	result, err := dm.Authenticate(context.Background(), rc, "cookie")
	require.NoError(t, err)
	assert.ErrorIs(t, result.Failure(), ErrInvalidTicket)
}

func TestCookieTicketOfOtherSchemeIsRejected(t *testing.T) {
	dm, err := NewDoorman(
		WithScheme("first", "cookie", NewCookieOptions()),
		WithScheme("second", "cookie", NewCookieOptions()),
		WithDefaultSignInScheme("first"),
	)
	require.NoError(t, err)

	rc, w := newTestRequestContext(dm, nil)
	require.NoError(t, dm.SignIn(context.Background(), rc, "first", NewPrincipal(NewIdentity("test")), nil))
	cookie := findCookie(w, ".Doorman.first")
	require.NotNil(t, cookie)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: ".Doorman.second", Value: cookie.Value})
	rc, _ = newTestRequestContext(dm, r)
	result, err := dm.Authenticate(context.Background(), rc, "second")
	require.NoError(t, err)
	assert.ErrorIs(t, result.Failure(), ErrInvalidTicket)
}

func TestCookieExpired(t *testing.T) {
	dm := newCookieDoorman(t, nil)

	props := NewProperties()
	props.SetExpiresUTC(time.Now().Add(-time.Minute))
	_, cookie := signInCookie(t, dm, props)
	require.NotNil(t, cookie)

	rc, w := newTestRequestContext(dm, requestWithCookies(http.MethodGet, "/", []*http.Cookie{cookie}))
	result, err := dm.Authenticate(context.Background(), rc, "cookie")
	require.NoError(t, err)
	assert.ErrorIs(t, result.Failure(), ErrTicketExpired)

	deleted := findCookie(w, ".Doorman.cookie")
	require.NotNil(t, deleted)
	assert.Less(t, deleted.MaxAge, 0)
}

func TestCookieSlidingExpiration(t *testing.T) {
	for _, sliding := range []bool{true, false} {
		dm := newCookieDoorman(t, func(o *CookieOptions) {
			o.ExpireTimeSpan = 2 * time.Hour
			o.SlidingExpiration = sliding
		})
		opts := dm.Schemes().GetScheme("cookie").Options().(*CookieOptions)

		now := time.Now()
		props := NewProperties()
		props.SetIssuedUTC(now.Add(-90 * time.Minute))
		props.SetExpiresUTC(now.Add(30 * time.Minute))
		value, err := opts.ticketFormat.Protect(NewTicket(NewPrincipal(NewIdentity("test", Claim{Type: ClaimTypeName, Value: "bob"})), props, "cookie"))
		require.NoError(t, err)

		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.AddCookie(&http.Cookie{Name: ".Doorman.cookie", Value: value})
		rc, w := newTestRequestContext(dm, r)
		result, err := dm.Authenticate(context.Background(), rc, "cookie")
		require.NoError(t, err)
		require.True(t, result.Succeeded())

		expires, _ := result.Properties().ExpiresUTC()
		if sliding {
			assert.NotNil(t, findCookie(w, ".Doorman.cookie"), "renewed cookie")
			assert.WithinDuration(t, now.Add(2*time.Hour), expires, time.Minute)
		} else {
			assert.Nil(t, findCookie(w, ".Doorman.cookie"))
			assert.WithinDuration(t, now.Add(30*time.Minute), expires, time.Minute)
		}
	}
}

func TestCookieValidatePrincipal(t *testing.T) {
	reject := true
	dm := newCookieDoorman(t, func(o *CookieOptions) {
		o.Events = &CookieEvents{
			OnValidatePrincipal: func(_ context.Context, vc *ValidatePrincipalContext) error {
				if reject {
					vc.RejectPrincipal()
					return nil
				}
				p := vc.Principal.Clone()
				p.Identity().AddClaim(Claim{Type: ClaimTypeRole, Value: "refreshed"})
				vc.ReplacePrincipal(p)
				return nil
			},
		}
	})
	_, cookie := signInCookie(t, dm, nil)
	require.NotNil(t, cookie)

	rc, _ := newTestRequestContext(dm, requestWithCookies(http.MethodGet, "/", []*http.Cookie{cookie}))
	result, err := dm.Authenticate(context.Background(), rc, "cookie")
	require.NoError(t, err)
	assert.ErrorIs(t, result.Failure(), ErrInvalidTicket)

	reject = false
	rc, _ = newTestRequestContext(dm, requestWithCookies(http.MethodGet, "/", []*http.Cookie{cookie}))
	result, err = dm.Authenticate(context.Background(), rc, "cookie")
	require.NoError(t, err)
	require.True(t, result.Succeeded())
	assert.True(t, result.Principal().IsInRole("refreshed"))
}

func TestCookieSignInEvents(t *testing.T) {
	var signedIn *Principal
	dm := newCookieDoorman(t, func(o *CookieOptions) {
		o.Events = &CookieEvents{
			OnSigningIn: func(_ context.Context, sc *CookieSigningContext) error {
				sc.Cookie.Path = "/app"
				return nil
			},
			OnSignedIn: func(_ context.Context, sc *CookieSigningContext) error {
				signedIn = sc.Principal
				return nil
			},
		}
	})
	_, cookie := signInCookie(t, dm, nil)
	require.NotNil(t, cookie)
	assert.Equal(t, "/app", cookie.Path)
	require.NotNil(t, signedIn)
	assert.Equal(t, "alice", signedIn.Name())
}

func TestCookieSignInAtLoginPathFollowsReturnURL(t *testing.T) {
	dm := newCookieDoorman(t, nil)
	rc, w := newTestRequestContext(dm, httptest.NewRequest(http.MethodPost, "/login?ReturnUrl=%2Fapp%2Fdashboard", nil))
	require.NoError(t, dm.SignIn(context.Background(), rc, "", NewPrincipal(NewIdentity("test")), nil))
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/app/dashboard", w.Header().Get("Location"))

	rc, w = newTestRequestContext(dm, httptest.NewRequest(http.MethodPost, "/login?ReturnUrl=https%3A%2F%2Fevil.test%2F", nil))
	require.NoError(t, dm.SignIn(context.Background(), rc, "", NewPrincipal(NewIdentity("test")), nil))
	assert.Empty(t, w.Header().Get("Location"))
}

func TestCookieSignOut(t *testing.T) {
	dm := newCookieDoorman(t, nil)

	props := NewProperties()
	props.SetRedirectURI("/bye")
	rc, w := newTestRequestContext(dm, nil)
	require.NoError(t, dm.SignOut(context.Background(), rc, "", props))

	deleted := findCookie(w, ".Doorman.cookie")
	require.NotNil(t, deleted)
	assert.Less(t, deleted.MaxAge, 0)
	assert.Equal(t, "/bye", w.Header().Get("Location"))
}

func TestCookieChallenge(t *testing.T) {
	dm := newCookieDoorman(t, func(o *CookieOptions) { o.AccessDeniedPath = "/denied" })
	ctx := context.Background()

	t.Run("browser is redirected to login", func(t *testing.T) {
		rc, w := newTestRequestContext(dm, httptest.NewRequest(http.MethodGet, "/private?x=1", nil))
		require.NoError(t, dm.Challenge(ctx, rc, "", nil, ChallengeAutomatic))
		assert.Equal(t, http.StatusFound, w.Code)
		assert.Equal(t, "/login?ReturnUrl=%2Fprivate%3Fx%3D1", w.Header().Get("Location"))
	})

	t.Run("ajax gets status", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/private", nil)
		r.Header.Set("X-Requested-With", "XMLHttpRequest")
		rc, w := newTestRequestContext(dm, r)
		require.NoError(t, dm.Challenge(ctx, rc, "", nil, ChallengeAutomatic))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "/login?ReturnUrl=%2Fprivate", w.Header().Get("Location"))
	})

	t.Run("forbid redirects to access denied", func(t *testing.T) {
		props := NewProperties()
		props.SetRedirectURI("/admin")
		rc, w := newTestRequestContext(dm, nil)
		require.NoError(t, dm.Forbid(ctx, rc, "", props))
		assert.Equal(t, http.StatusFound, w.Code)
		assert.Equal(t, "/denied?ReturnUrl=%2Fadmin", w.Header().Get("Location"))
	})

	t.Run("plain status without paths", func(t *testing.T) {
		plain := newCookieDoorman(t, func(o *CookieOptions) { o.LoginPath = "" })
		rc, w := newTestRequestContext(plain, nil)
		require.NoError(t, plain.Challenge(ctx, rc, "", nil, ChallengeUnauthorized))
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		rc, w = newTestRequestContext(plain, nil)
		require.NoError(t, plain.Forbid(ctx, rc, "", nil))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestCookieOptionsFromConfig(t *testing.T) {
	dm, err := NewDoorman(WithSchemeConfigs([]*SchemeConfig{{
		Name: "session",
		Type: "cookie",
		Config: map[string]any{
			"cookie_name":      "sid",
			"same_site":        "strict",
			"secure_policy":    "always",
			"expire_time_span": "1h",
		},
	}}))
	require.NoError(t, err)

	opts := dm.Schemes().GetScheme("session").Options().(*CookieOptions)
	assert.Equal(t, "sid", opts.CookieName)
	assert.Equal(t, time.Hour, opts.ExpireTimeSpan)
	assert.True(t, opts.SlidingExpiration)

	rc, w := newTestRequestContext(dm, nil)
	require.NoError(t, dm.SignIn(context.Background(), rc, "", NewPrincipal(NewIdentity("test")), nil))
	cookie := findCookie(w, "sid")
	require.NotNil(t, cookie)
	assert.True(t, cookie.Secure)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)

	_, err = NewDoorman(WithSchemeConfigs([]*SchemeConfig{{
		Name:   "session",
		Type:   "cookie",
		Config: map[string]any{"same_site": "sometimes"},
	}}))
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = NewDoorman(WithSchemeConfigs([]*SchemeConfig{{
		Name:   "session",
		Type:   "cookie",
		Config: map[string]any{"cookie_nmae": "typo"},
	}}))
	assert.ErrorIs(t, err, ErrInvalidOptions)
}
