// Package authz は gin 向けの認証ミドルウェアファクトリーを提供します。
//
// 資格情報の検証は Provider に、JWT の署名は Signer に、ログイン状態の保持は
// gin-contrib/sessions に委譲し、このパッケージ自体は暗号処理やプロトコルを実装しません。
package authz

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

const flowParam = "flow"

// Config は AuthZ の構築パラメーターです。
type Config struct {
	// Secret はトークン署名用の鍵です（必須）。
	Secret []byte
	// Provider が nil の場合は NewRegistry() が使われます。
	Provider Provider
	// Signer が nil の場合は HS256Signer が使われます。
	Signer Signer
}

// AuthZ は認証ミドルウェアを生成するファクトリーです。
// 構築後は読み取り専用のため、複数のリクエストから並行に利用できます。
type AuthZ struct {
	secret   []byte
	provider Provider
	signer   Signer
}

// StateFunc はリクエストごとに OAuth の state を組み立てる関数です。
type StateFunc func(c *gin.Context) any

// FlowFunc はリクエストから flow を取り出す関数です。
type FlowFunc func(c *gin.Context) (string, bool)

// New は AuthZ を作成します。
func New(cfg Config) (*AuthZ, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrMissingSecret
	}
	provider := cfg.Provider
	if provider == nil {
		provider = NewRegistry()
	}
	signer := cfg.Signer
	if signer == nil {
		signer = HS256Signer{}
	}
	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)
	return &AuthZ{
		secret:   secret,
		provider: provider,
		signer:   signer,
	}, nil
}

// Provider は利用中の Provider を返します。
func (a *AuthZ) Provider() Provider {
	return a.provider
}

// Authenticate は strategy でリクエストを認証するミドルウェアを返します。
//
// Provider がエラーを返した場合は c.Error に渡して中断し、
// ユーザーが得られなかった場合は 403 を返します。
// 成功した場合は LogIn してから後続のハンドラーへ進みます。
func (a *AuthZ) Authenticate(strategy string) gin.HandlerFunc {
	return func(c *gin.Context) {
		handler := a.provider.AuthenticateWithCallback(strategy, func(user *Principal, info any, err error) {
			if err != nil {
				_ = c.Error(err)
				c.Abort()
				return
			}
			if user == nil {
				c.String(http.StatusForbidden, "Forbidden\n")
				c.Abort()
				return
			}
			if err := LogIn(c, user); err != nil {
				_ = c.Error(err)
				c.Abort()
				return
			}
			c.Next()
		})
		handler(c)
	}
}

// OAuth は OAuth の権限リクエストを開始するミドルウェアを返します。
//
// data が nil の場合は空のオブジェクト、StateFunc の場合はリクエストごとの戻り値、
// それ以外はそのままの値を state として Provider に渡します。
func (a *AuthZ) OAuth(strategy string, scopes []string, data any) gin.HandlerFunc {
	return func(c *gin.Context) {
		opts := Options{
			Scope: scopes,
			State: resolveState(c, data),
		}
		a.provider.AuthenticateWithOptions(strategy, opts)(c)
	}
}

func resolveState(c *gin.Context, data any) any {
	switch d := data.(type) {
	case nil:
		return map[string]any{}
	case StateFunc:
		return d(c)
	case func(*gin.Context) any:
		return d(c)
	default:
		return data
	}
}

// RequestState は元のリクエストURIから flow パラメーターを取り出す関数を返します。
// url.ParseQuery が拒否する値（";" を含む、不正な % エスケープ）も捨てずに返します。
func (a *AuthZ) RequestState() FlowFunc {
	return func(c *gin.Context) (string, bool) {
		if c.Request == nil {
			return "", false
		}
		raw := c.Request.RequestURI
		if raw == "" && c.Request.URL != nil {
			raw = c.Request.URL.RequestURI()
		}
		_, query, _ := strings.Cut(raw, "?")
		return queryValue(query, flowParam)
	}
}

// queryValue は rawQuery の中で key に一致する最初の値を返します。
// "=" の無い項目は空文字の値として扱います。
func queryValue(rawQuery, key string) (string, bool) {
	for rawQuery != "" {
		var pair string
		pair, rawQuery, _ = strings.Cut(rawQuery, "&")
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		if unescapeQuery(k) != key {
			continue
		}
		return unescapeQuery(v), true
	}
	return "", false
}

// unescapeQuery はデコードできない場合に元の文字列を返します。
func unescapeQuery(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

// Sign は認証済みユーザーのクレームに iss を加えて署名し、トークンを返す終端ハンドラーです。
func (a *AuthZ) Sign(issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := CurrentUser(c).Claims(issuer)
		token, err := a.signer.Sign(claims, a.secret)
		if err != nil {
			_ = c.AbortWithError(http.StatusInternalServerError, fmt.Errorf("authz: sign token: %w", err))
			return
		}

		switch Negotiate(c.Request) {
		case RepresentationHTML:
			c.HTML(http.StatusOK, TokenTemplateName, gin.H{"jwt": token})
		case RepresentationText:
			c.String(http.StatusOK, token)
		case RepresentationJSON:
			c.JSON(http.StatusOK, gin.H{"token": token})
		default:
			c.String(http.StatusOK, token)
		}
	}
}

// UserInfo は認証済みユーザーをそのまま JSON で返す終端ハンドラーです。
// 公開してよいクレームだけを Principal に含めるのは呼び出し側の責任です。
func (a *AuthZ) UserInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, CurrentUser(c))
	}
}
