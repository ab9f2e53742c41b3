// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string `env:"PORT,default=8080"`
	GinMode string `env:"GIN_MODE,default=debug"`

	// CORS許可オリジン（カンマ区切り）
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS,default=http://localhost:5173"`

	// セッション/トークン設定
	SessionSecret string `env:"SESSION_SECRET"`
	JWTSecret     string `env:"JWT_SECRET"`
	JWTIssuer     string `env:"JWT_ISSUER,default=authz"`

	// Basic 認証ストラテジー
	AppUsername     string `env:"APP_USERNAME"`
	AppPasswordHash string `env:"APP_PASSWORD_HASH"` // bcryptでハッシュ化されたパスワード

	// ログイン試行回数の共有先（空の場合はプロセス内で管理）
	RedisURL string `env:"REDIS_URL"`

	// OIDC ストラテジー（OIDC_ISSUER_URL が空の場合は無効）
	OIDCIssuerURL    string `env:"OIDC_ISSUER_URL"`
	OIDCClientID     string `env:"OIDC_CLIENT_ID"`
	OIDCClientSecret string `env:"OIDC_CLIENT_SECRET"`
	OIDCRedirectURL  string `env:"OIDC_REDIRECT_URL"`
	OIDCScopes       string `env:"OIDC_SCOPES,default=profile email"`
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{}
	if err := envdecode.Decode(config); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.AppUsername != "" && c.AppPasswordHash == "" {
		return fmt.Errorf("APP_PASSWORD_HASH is required when APP_USERNAME is set")
	}
	if c.OIDCIssuerURL != "" && c.OIDCClientID == "" {
		return fmt.Errorf("OIDC_CLIENT_ID is required when OIDC_ISSUER_URL is set")
	}

	// ローカル開発ではセッション鍵は任意
	if c.GinMode == "release" && c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required in release mode")
	}
	return nil
}

// OIDCEnabled は OIDC ストラテジーを登録するかどうかを返します。
func (c *Config) OIDCEnabled() bool {
	return c.OIDCIssuerURL != ""
}

// BasicEnabled は Basic 認証ストラテジーを登録するかどうかを返します。
func (c *Config) BasicEnabled() bool {
	return c.AppUsername != ""
}

// Scopes は OIDC_SCOPES を空白またはカンマで分割して返します。
func (c *Config) Scopes() []string {
	return strings.FieldsFunc(c.OIDCScopes, func(r rune) bool {
		return r == ' ' || r == ','
	})
}

// AllowedOrigins は CORS_ALLOWED_ORIGINS を分割して返します。
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// String は秘密情報を伏せた設定内容を返します。
func (c Config) String() string {
	return fmt.Sprintf(
		"port=%s mode=%s issuer=%s basic=%t oidc=%t redis=%t jwt_secret=%s session_secret=%s",
		c.Port, c.GinMode, c.JWTIssuer, c.BasicEnabled(), c.OIDCEnabled(), c.RedisURL != "",
		redact(c.JWTSecret), redact(c.SessionSecret),
	)
}

func redact(s string) string {
	if s == "" {
		return "<unset>"
	}
	return "<redacted>"
}
