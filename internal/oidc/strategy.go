// Package oidc は OpenID Connect の認可コードフローを authz.Strategy として提供します。
//
// リダイレクトURLの組み立てとコード交換は golang.org/x/oauth2 に、
// ID トークンの検証は github.com/coreos/go-oidc/v3 に委譲します。
// PKCE の verifier と nonce はログインセッションに保存されるため、
// gin-contrib/sessions のミドルウェアが必要です。
package oidc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/yourusername/authz/internal/authz"
)

// StrategyName は Registry に登録するときの既定名です。
const StrategyName = "oidc"

const (
	sessionKeyVerifier = "oidc_verifier"
	sessionKeyNonce    = "oidc_nonce"
)

// Config は IdP とクライアントの設定です。
type Config struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// CallbackError は IdP がエラーでリダイレクトしてきた場合の情報です。
type CallbackError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e CallbackError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// Strategy は OIDC の認可コードフローを扱う authz.Strategy です。
type Strategy struct {
	oauth    oauth2.Config
	verifier *gooidc.IDTokenVerifier
}

var _ authz.Strategy = (*Strategy)(nil)

// New はディスカバリーを行い Strategy を作成します。
func New(ctx context.Context, cfg Config) (*Strategy, error) {
	if cfg.IssuerURL == "" {
		return nil, errors.New("issuer url is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client id is required")
	}

	provider, err := gooidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}

	return &Strategy{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       withOpenID(cfg.Scopes),
		},
		verifier: provider.Verifier(&gooidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

// Authenticate は、コールバックであればコードを交換し、
// そうでなければ IdP へのリダイレクト先を返します。
func (s *Strategy) Authenticate(c *gin.Context, opts authz.Options) (*authz.Result, error) {
	query := c.Request.URL.Query()
	if code := query.Get("error"); code != "" {
		return &authz.Result{
			Status: http.StatusUnauthorized,
			Info:   CallbackError{Code: code, Description: query.Get("error_description")},
		}, nil
	}
	if code := query.Get("code"); code != "" {
		return s.exchange(c, code)
	}
	return s.redirect(c, opts)
}

func (s *Strategy) redirect(c *gin.Context, opts authz.Options) (*authz.Result, error) {
	session, ok := authz.Session(c)
	if !ok {
		return nil, fmt.Errorf("oidc: %w", authz.ErrSessionUnavailable)
	}

	state, err := EncodeState(opts.State)
	if err != nil {
		return nil, err
	}

	verifier := oauth2.GenerateVerifier()
	nonce := uuid.NewString()
	session.Set(sessionKeyVerifier, verifier)
	session.Set(sessionKeyNonce, nonce)
	if err := session.Save(); err != nil {
		return nil, fmt.Errorf("oidc: save session: %w", err)
	}

	cfg := s.oauth
	if len(opts.Scope) > 0 {
		cfg.Scopes = withOpenID(opts.Scope)
	}
	return &authz.Result{
		Redirect: cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier), gooidc.Nonce(nonce)),
	}, nil
}

func (s *Strategy) exchange(c *gin.Context, code string) (*authz.Result, error) {
	session, ok := authz.Session(c)
	if !ok {
		return nil, fmt.Errorf("oidc: %w", authz.ErrSessionUnavailable)
	}

	verifier, _ := session.Get(sessionKeyVerifier).(string)
	nonce, _ := session.Get(sessionKeyNonce).(string)
	session.Delete(sessionKeyVerifier)
	session.Delete(sessionKeyNonce)
	if err := session.Save(); err != nil {
		return nil, fmt.Errorf("oidc: save session: %w", err)
	}
	if verifier == "" || nonce == "" {
		return declined("login was not started from this session"), nil
	}

	ctx := c.Request.Context()
	token, err := s.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("oidc: exchange code: %w", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("oidc: token response has no id_token")
	}

	idToken, err := s.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return declined(err.Error()), nil
	}
	if idToken.Nonce != nonce {
		return declined("nonce mismatch"), nil
	}

	user := authz.NewPrincipal()
	if err := idToken.Claims(user); err != nil {
		return nil, fmt.Errorf("oidc: decode claims: %w", err)
	}
	return &authz.Result{User: user}, nil
}

func declined(reason string) *authz.Result {
	return &authz.Result{
		Status: http.StatusUnauthorized,
		Info:   CallbackError{Code: "access_denied", Description: reason},
	}
}

// EncodeState は OAuth の state パラメーターを組み立てます。
// 文字列はそのまま使い、それ以外は JSON を base64url でエンコードします。
func EncodeState(state any) (string, error) {
	switch v := state.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("oidc: encode state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(payload), nil
}

func withOpenID(scopes []string) []string {
	out := []string{gooidc.ScopeOpenID}
	for _, s := range scopes {
		if s != gooidc.ScopeOpenID {
			out = append(out, s)
		}
	}
	return out
}
