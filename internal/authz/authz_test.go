package authz

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "sekret"

type stubProvider struct {
	user *Principal
	info any
	err  error

	callbackCalls int
	optionsCalls  int
	strategy      string
	opts          Options
}

func (p *stubProvider) AuthenticateWithCallback(strategy string, cb ResultFunc) gin.HandlerFunc {
	p.callbackCalls++
	p.strategy = strategy
	return func(c *gin.Context) {
		cb(p.user, p.info, p.err)
	}
}

func (p *stubProvider) AuthenticateWithOptions(strategy string, opts Options) gin.HandlerFunc {
	p.optionsCalls++
	p.strategy = strategy
	p.opts = opts
	return func(c *gin.Context) {
		c.Next()
	}
}

type stubSigner struct {
	claims jwt.MapClaims
	secret []byte
	token  string
	err    error
}

func (s *stubSigner) Sign(claims jwt.MapClaims, secret []byte) (string, error) {
	s.claims = claims
	s.secret = secret
	return s.token, s.err
}

func newTestAuthZ(t *testing.T, provider Provider, signer Signer) *AuthZ {
	t.Helper()
	a, err := New(Config{Secret: []byte(testSecret), Provider: provider, Signer: signer})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return a
}

func withUser(user *Principal) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ContextUserKey, user)
		c.Next()
	}
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("New without secret returned %v, want ErrMissingSecret", err)
	}
}

func TestNewDefaults(t *testing.T) {
	a := newTestAuthZ(t, nil, nil)
	if _, ok := a.Provider().(*Registry); !ok {
		t.Fatalf("default provider = %T, want *Registry", a.Provider())
	}
	if _, ok := a.signer.(HS256Signer); !ok {
		t.Fatalf("default signer = %T, want HS256Signer", a.signer)
	}

	provider := &stubProvider{}
	a = newTestAuthZ(t, provider, nil)
	if a.Provider() != provider {
		t.Fatal("configured provider was not kept")
	}
}

func TestAuthenticateForbiddenWithoutUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	provider := &stubProvider{}
	a := newTestAuthZ(t, provider, nil)

	nextCalled := false
	router := gin.New()
	router.GET("/", a.Authenticate("foo"), func(c *gin.Context) {
		nextCalled = true
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if rec.Body.String() != "Forbidden\n" {
		t.Fatalf("body = %q, want %q", rec.Body.String(), "Forbidden\n")
	}
	if nextCalled {
		t.Fatal("next handler must not run when authentication is declined")
	}
	if provider.callbackCalls != 1 || provider.strategy != "foo" {
		t.Fatalf("provider called %d times with %q", provider.callbackCalls, provider.strategy)
	}
}

func TestAuthenticatePropagatesProviderError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	providerErr := errors.New("provider exploded")
	a := newTestAuthZ(t, &stubProvider{err: providerErr}, nil)

	var collected []*gin.Error
	nextCalled := false
	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Next()
		collected = c.Errors
	})
	router.GET("/", a.Authenticate("foo"), func(c *gin.Context) {
		nextCalled = true
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if nextCalled {
		t.Fatal("next handler must not run on provider error")
	}
	if len(collected) != 1 || collected[0].Err != providerErr {
		t.Fatalf("collected errors = %v, want the provider error once", collected)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("response body should be untouched, got %q", rec.Body.String())
	}
}

func TestAuthenticatePropagatesLogInError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	// クッキーストアの上限（4096 バイト）を超えるクレームで保存を失敗させる
	user := NewPrincipal().Set("sub", "u-1").Set("blob", strings.Repeat("x", 8000))
	a := newTestAuthZ(t, &stubProvider{user: user}, nil)

	var collected []*gin.Error
	nextCalled := false
	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Next()
		collected = c.Errors
	})
	router.Use(sessions.Sessions("authz", cookie.NewStore([]byte("session-secret"))))
	router.GET("/", a.Authenticate("foo"), func(c *gin.Context) {
		nextCalled = true
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if nextCalled {
		t.Fatal("next handler must not run when the session cannot be saved")
	}
	if len(collected) != 1 || !strings.Contains(collected[0].Error(), "save session") {
		t.Fatalf("collected errors = %v, want one session save failure", collected)
	}
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Fatalf("response should be untouched, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestAuthenticateLogsInUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	user := NewPrincipal().Set("sub", "u-1").Set("name", "foo")
	a := newTestAuthZ(t, &stubProvider{user: user}, nil)

	var seen *Principal
	router := gin.New()
	router.Use(sessions.Sessions("authz", cookie.NewStore([]byte("session-secret"))))
	router.GET("/", a.Authenticate("foo"), func(c *gin.Context) {
		seen = CurrentUser(c)
		session, _ := Session(c)
		if raw, _ := session.Get(sessionKeyUser).(string); raw == "" {
			t.Error("principal was not stored in the session")
		}
		c.Status(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if seen != user {
		t.Fatalf("CurrentUser = %v, want the authenticated principal", seen)
	}
}

func TestAuthenticateWithoutSessionMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	user := NewPrincipal().Set("sub", "u-1")
	a := newTestAuthZ(t, &stubProvider{user: user}, nil)

	nextCalled := false
	router := gin.New()
	router.GET("/", a.Authenticate("foo"), func(c *gin.Context) {
		nextCalled = CurrentUser(c) == user
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !nextCalled {
		t.Fatal("next handler should see the logged in principal")
	}
}

func TestOAuthState(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("omitted", func(t *testing.T) {
		provider := &stubProvider{}
		a := newTestAuthZ(t, provider, nil)
		ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
		ctx.Request = httptest.NewRequest(http.MethodGet, "/oauth", nil)

		a.OAuth("foo", []string{"scope"}, nil)(ctx)

		if provider.optionsCalls != 1 {
			t.Fatalf("provider called %d times, want 1", provider.optionsCalls)
		}
		if !reflect.DeepEqual(provider.opts.State, map[string]any{}) {
			t.Fatalf("state = %#v, want empty object", provider.opts.State)
		}
		if !reflect.DeepEqual(provider.opts.Scope, []string{"scope"}) {
			t.Fatalf("scope = %#v", provider.opts.Scope)
		}
	})

	t.Run("literal", func(t *testing.T) {
		provider := &stubProvider{}
		a := newTestAuthZ(t, provider, nil)
		ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
		ctx.Request = httptest.NewRequest(http.MethodGet, "/oauth", nil)

		a.OAuth("foo", []string{"scope"}, "data")(ctx)

		if provider.opts.State != "data" {
			t.Fatalf("state = %#v, want %q", provider.opts.State, "data")
		}
	})

	t.Run("function", func(t *testing.T) {
		provider := &stubProvider{}
		a := newTestAuthZ(t, provider, nil)
		ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
		ctx.Request = httptest.NewRequest(http.MethodGet, "/oauth", nil)

		calls := 0
		var got *gin.Context
		a.OAuth("foo", []string{"scope"}, StateFunc(func(c *gin.Context) any {
			calls++
			got = c
			return "computed"
		}))(ctx)

		if calls != 1 || got != ctx {
			t.Fatalf("state func called %d times with %p, want once with %p", calls, got, ctx)
		}
		if provider.opts.State != "computed" {
			t.Fatalf("state = %#v, want %q", provider.opts.State, "computed")
		}
	})

	t.Run("plain function", func(t *testing.T) {
		provider := &stubProvider{}
		a := newTestAuthZ(t, provider, nil)
		ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
		ctx.Request = httptest.NewRequest(http.MethodGet, "/oauth", nil)

		a.OAuth("foo", nil, func(c *gin.Context) any { return 42 })(ctx)

		if provider.opts.State != 42 {
			t.Fatalf("state = %#v, want 42", provider.opts.State)
		}
	})
}

func TestRequestState(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := newTestAuthZ(t, nil, nil)
	state := a.RequestState()

	cases := []struct {
		target string
		want   string
		ok     bool
	}{
		{"/foo?bar=baz&flow=foo&bizz=bang", "foo", true},
		{"/foo?flow=a%20b%26c", "a b&c", true},
		{"/foo?flow=", "", true},
		{"/foo?flow", "", true},
		{"/x?flow=a;b", "a;b", true},
		{"/x?flow=%zz", "%zz", true},
		{"/x?a=%zz&flow=ok", "ok", true},
		{"/x?flow=a+b", "a b", true},
		{"/x?fl%6Fw=enc&flow=plain", "enc", true},
		{"/x?flow=first&flow=second", "first", true},
		{"/x?&&flow=x", "x", true},
		{"/foo?bar=baz", "", false},
		{"/foo", "", false},
	}
	for _, tc := range cases {
		ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
		ctx.Request = httptest.NewRequest(http.MethodGet, tc.target, nil)

		got, ok := state(ctx)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("state(%q) = (%q, %v), want (%q, %v)", tc.target, got, ok, tc.want, tc.ok)
		}
		again, okAgain := state(ctx)
		if again != got || okAgain != ok {
			t.Fatalf("state(%q) is not stable: (%q, %v) then (%q, %v)", tc.target, got, ok, again, okAgain)
		}
	}
}

func TestRequestStateUsesOriginalURI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := newTestAuthZ(t, nil, nil)

	ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
	ctx.Request = httptest.NewRequest(http.MethodGet, "/api/auth/oauth?flow=original", nil)
	ctx.Request.URL.RawQuery = "flow=rewritten"

	if got, _ := a.RequestState()(ctx); got != "original" {
		t.Fatalf("flow = %q, want %q", got, "original")
	}
}

func TestSignClaims(t *testing.T) {
	gin.SetMode(gin.TestMode)
	signer := &stubSigner{token: "signed-token"}
	a := newTestAuthZ(t, nil, signer)

	router := gin.New()
	router.GET("/", withUser(NewPrincipal().Set("foo", "bar").Set("iss", "someone-else")), a.Sign("acme"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/plain")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	want := jwt.MapClaims{"foo": "bar", "iss": "acme"}
	if !reflect.DeepEqual(signer.claims, want) {
		t.Fatalf("claims = %#v, want %#v", signer.claims, want)
	}
	if string(signer.secret) != testSecret {
		t.Fatal("signer did not receive the factory secret")
	}
	if rec.Body.String() != "signed-token" {
		t.Fatalf("body = %q, want token", rec.Body.String())
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("content type = %q", rec.Header().Get("Content-Type"))
	}
}

func TestSignWithoutUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	signer := &stubSigner{token: "t"}
	a := newTestAuthZ(t, nil, signer)

	ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
	ctx.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	a.Sign("acme")(ctx)

	if !reflect.DeepEqual(signer.claims, jwt.MapClaims{"iss": "acme"}) {
		t.Fatalf("claims = %#v", signer.claims)
	}
}

func TestSignJSONVerifiesWithSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := newTestAuthZ(t, nil, nil)

	router := gin.New()
	router.GET("/", withUser(NewPrincipal().Set("foo", "bar")), a.Sign("acme"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var body struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(body.Token, claims, func(t *jwt.Token) (any, error) {
		return []byte(testSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		t.Fatalf("token did not verify: %v", err)
	}
	if claims["foo"] != "bar" || claims["iss"] != "acme" {
		t.Fatalf("unexpected claims: %#v", claims)
	}
}

func TestSignRepresentations(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := newTestAuthZ(t, nil, &stubSigner{token: "tok"})

	router := gin.New()
	router.SetHTMLTemplate(TokenTemplate)
	router.GET("/", a.Sign("acme"))

	cases := []struct {
		accept string
		want   string
	}{
		{"text/html", `<pre id="jwt">tok</pre>`},
		{"text/plain", "tok"},
		{"application/json", `{"token":"tok"}`},
		{"image/png", "tok"},
		{"", "tok"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.accept != "" {
			req.Header.Set("Accept", tc.accept)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("Accept %q: status = %d", tc.accept, rec.Code)
		}
		if tc.accept == "text/html" {
			if !strings.Contains(rec.Body.String(), tc.want) {
				t.Fatalf("Accept %q: body %q does not contain %q", tc.accept, rec.Body.String(), tc.want)
			}
			continue
		}
		if rec.Body.String() != tc.want {
			t.Fatalf("Accept %q: body = %q, want %q", tc.accept, rec.Body.String(), tc.want)
		}
	}
}

func TestSignFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	signErr := errors.New("bad key")
	a := newTestAuthZ(t, nil, &stubSigner{err: signErr})

	var collected []*gin.Error
	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Next()
		collected = c.Errors
	})
	router.GET("/", a.Sign("acme"))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if len(collected) != 1 || !errors.Is(collected[0].Err, signErr) {
		t.Fatalf("collected errors = %v", collected)
	}
}

func TestUserInfo(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := newTestAuthZ(t, nil, nil)

	router := gin.New()
	router.GET("/", withUser(NewPrincipal().Set("name", "foo")), a.UserInfo())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != `{"name":"foo"}` {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestUserInfoKeepsClaimOrder(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := newTestAuthZ(t, nil, nil)

	router := gin.New()
	router.GET("/", withUser(NewPrincipal().Set("z", 1).Set("a", "b")), a.UserInfo())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Body.String() != `{"z":1,"a":"b"}` {
		t.Fatalf("body = %q", rec.Body.String())
	}
}
