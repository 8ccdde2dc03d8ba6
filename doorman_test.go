package doorman

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-viper/mapstructure/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closingOptions struct {
	SchemeOptions `mapstructure:",squash"`

	Greeting string `mapstructure:"greeting" validate:"required"`
	closed   atomic.Int32
}

func (o *closingOptions) Close() error {
	o.closed.Add(1)
	return nil
}

var closingSchemeType = SchemeType{
	NewOptions: func() any { return &closingOptions{} },
	Build: func(dm *Doorman, name string, options any) (*Scheme, error) {
		if err := dm.validateOptions(name, options); err != nil {
			return nil, err
		}
		return NewScheme(name, "closing", func() Handler { return &testHandler{result: NoResult()} }, options)
	},
}

func TestNewDoormanConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		opts   []Option
		target error
	}{
		{
			name:   "unknown scheme type",
			opts:   []Option{WithSchemeConfigs([]*SchemeConfig{{Name: "x", Type: "kerberos"}})},
			target: ErrUnknownSchemeType,
		},
		{
			name: "duplicate scheme name",
			opts: []Option{
				WithScheme("a", "cookie", NewCookieOptions()),
				WithScheme("a", "cookie", NewCookieOptions()),
			},
			target: ErrDuplicateScheme,
		},
		{
			name:   "unknown default scheme",
			opts:   []Option{WithScheme("a", "cookie", NewCookieOptions()), WithDefaultChallengeScheme("b")},
			target: ErrMissingHandler,
		},
		{
			name: "unknown option key",
			opts: []Option{WithSchemeConfigs([]*SchemeConfig{{
				Name:   "a",
				Type:   "ipaddress",
				Config: map[string]any{"addresses": "10.0.0.0/8", "adresses": "typo"},
			}})},
			target: ErrInvalidOptions,
		},
		{
			name:   "wrong options type",
			opts:   []Option{WithScheme("a", "cookie", &BasicAuthOptions{})},
			target: ErrInvalidOptions,
		},
		{
			name:   "incomplete scheme type",
			opts:   []Option{RegisterSchemeType("custom", SchemeType{})},
			target: ErrConfiguration,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDoorman(tt.opts...)
			assert.ErrorIs(t, err, tt.target)
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}

	_, err := NewDoorman(WithConfig(nil))
	assert.Error(t, err)
	_, err = NewDoorman(WithLogger(nil))
	assert.Error(t, err)
	_, err = NewDoorman(WithProtector(nil))
	assert.Error(t, err)
}

func TestWithConfig(t *testing.T) {
	var cfg Config
	require.NoError(t, mapstructure.Decode(map[string]any{
		"default_scheme":           "session",
		"default_challenge_scheme": "api",
		"schemes": []map[string]any{
			{"name": "session", "type": "cookie", "cookie_name": "sid", "sliding_expiration": false},
			{"name": "api", "type": "http_header", "acls": []string{"api"}, "headers": []map[string]any{{"name": "X-Api-Key", "value": "k"}}},
		},
	}, &cfg))

	dm, err := NewDoorman(WithConfig(&cfg))
	require.NoError(t, err)

	assert.Equal(t, "session", dm.Schemes().DefaultAuthenticateScheme().Name())
	assert.Equal(t, "api", dm.Schemes().DefaultChallengeScheme().Name())
	assert.Equal(t, "api", dm.Schemes().DefaultForbidScheme().Name())
	assert.Equal(t, "sid", dm.Schemes().GetScheme("session").Options().(*CookieOptions).CookieName)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Api-Key", "k")
	rc, _ := newTestRequestContext(dm, r)
	result, err := dm.Authenticate(context.Background(), rc, "api")
	require.NoError(t, err)
	require.True(t, result.Succeeded())
	assert.True(t, result.Principal().IsInRole("api"))
}

func TestDoormanCustomSchemeTypeAndClose(t *testing.T) {
	dm, err := NewDoorman(
		RegisterSchemeType("closing", closingSchemeType),
		WithSchemeConfigs([]*SchemeConfig{{Name: "first", Type: "closing", Config: map[string]any{"greeting": "hi"}}}),
	)
	require.NoError(t, err)
	first := dm.Schemes().GetScheme("first").Options().(*closingOptions)
	assert.Equal(t, "hi", first.Greeting)

	second := &closingOptions{Greeting: "hello"}
	require.NoError(t, dm.AddScheme("second", "closing", second))
	assert.ErrorIs(t, dm.AddScheme("third", "closing", &closingOptions{}), ErrInvalidOptions)
	assert.ErrorIs(t, dm.AddScheme("fourth", "unknown", nil), ErrUnknownSchemeType)

	duplicate := &closingOptions{Greeting: "again"}
	assert.ErrorIs(t, dm.AddScheme("second", "closing", duplicate), ErrDuplicateScheme)
	assert.EqualValues(t, 1, duplicate.closed.Load())

	require.NoError(t, dm.Close())
	require.NoError(t, dm.Close())
	assert.EqualValues(t, 1, first.closed.Load())
	assert.EqualValues(t, 1, second.closed.Load())

	// a failed construction releases what was already built
	built := &closingOptions{Greeting: "built"}
	_, err = NewDoorman(
		RegisterSchemeType("closing", closingSchemeType),
		WithScheme("ok", "closing", built),
		WithDefaultScheme("missing"),
	)
	assert.ErrorIs(t, err, ErrMissingHandler)
	assert.EqualValues(t, 1, built.closed.Load())
}

func TestDoormanRemoveScheme(t *testing.T) {
	dm, err := NewDoorman(RegisterSchemeType("closing", closingSchemeType))
	require.NoError(t, err)

	opts := &closingOptions{Greeting: "hi"}
	require.NoError(t, dm.AddScheme("temp", "closing", opts))
	require.NoError(t, dm.RemoveScheme("temp"))
	assert.Nil(t, dm.Schemes().GetScheme("temp"))
	assert.EqualValues(t, 1, opts.closed.Load())

	require.NoError(t, dm.RemoveScheme("temp"))
	require.NoError(t, dm.Close())
	assert.EqualValues(t, 1, opts.closed.Load())

	// the name is free again
	require.NoError(t, dm.AddScheme("temp", "closing", &closingOptions{Greeting: "again"}))
}

func TestDoormanAddSchemeConcurrentWithClose(t *testing.T) {
	dm, err := NewDoorman(RegisterSchemeType("closing", closingSchemeType))
	require.NoError(t, err)

	all := make([]*closingOptions, 20)
	var wg sync.WaitGroup
	for i := range all {
		all[i] = &closingOptions{Greeting: "hi"}
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, dm.AddScheme("s"+strconv.Itoa(i), "closing", all[i]))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, dm.Close())
		}()
	}
	wg.Wait()
	require.NoError(t, dm.Close())

	for _, o := range all {
		assert.EqualValues(t, 1, o.closed.Load())
	}
}

func TestDoormanNoSchemes(t *testing.T) {
	dm, err := NewDoorman()
	require.NoError(t, err)
	assert.NotNil(t, dm.Protector())
	assert.NotNil(t, dm.Logger())
	assert.Empty(t, dm.Schemes().Schemes())
	assert.Nil(t, dm.Schemes().DefaultAuthenticateScheme())
}

func TestHashers(t *testing.T) {
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", stringHashMd5("hello"))
	assert.Equal(t, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", stringHashSha1("hello"))
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", stringHashSha256("hello"))

	dm, err := NewDoorman()
	require.NoError(t, err)
	h, err := dm.hasher("")
	require.NoError(t, err)
	assert.Nil(t, h)
	_, err = dm.hasher("crc32")
	assert.ErrorIs(t, err, ErrInvalidOptions)
}
