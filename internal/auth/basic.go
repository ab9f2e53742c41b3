// Package auth は authz.Registry に登録するストラテジーを提供します。
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/authz/internal/authz"
)

const (
	// SessionCookieName はログインセッションのクッキー名です。
	SessionCookieName = "authz_session"

	// BasicStrategyName は Registry に登録するときの既定名です。
	BasicStrategyName = "basic"

	defaultRealm = "authz"
)

// AttemptInfo は認証失敗時の残り試行回数です。
type AttemptInfo struct {
	Remaining int `json:"remainingAttempts"`
}

// LockInfo はロック中に返される情報です。
type LockInfo struct {
	RetryAfter time.Duration `json:"retryAfter"`
}

// BasicConfig は BasicStrategy の設定です。
type BasicConfig struct {
	Username     string
	PasswordHash string // bcrypt でハッシュ化されたパスワード
	Realm        string
	Limiter      Limiter // nil の場合は NewMemoryLimiter()
	Logger       *log.Logger
}

// BasicStrategy は HTTP Basic 認証の資格情報を設定済みのユーザーと照合します。
// パスワードの照合は bcrypt に委譲し、IP ごとの試行回数は Limiter で制限します。
type BasicStrategy struct {
	username     string
	passwordHash []byte
	realm        string
	limiter      Limiter
	logger       *log.Logger
}

var _ authz.Strategy = (*BasicStrategy)(nil)

// NewBasicStrategy は BasicStrategy を作成します。
func NewBasicStrategy(cfg BasicConfig) (*BasicStrategy, error) {
	if cfg.Username == "" {
		return nil, errors.New("APP_USERNAME が設定されていません")
	}
	if cfg.PasswordHash == "" {
		return nil, errors.New("APP_PASSWORD_HASH が設定されていません")
	}
	if _, err := bcrypt.Cost([]byte(cfg.PasswordHash)); err != nil {
		return nil, fmt.Errorf("invalid password hash: %w", err)
	}

	realm := cfg.Realm
	if realm == "" {
		realm = defaultRealm
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = NewMemoryLimiter()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &BasicStrategy{
		username:     cfg.Username,
		passwordHash: []byte(cfg.PasswordHash),
		realm:        realm,
		limiter:      limiter,
		logger:       logger,
	}, nil
}

// Authenticate は Authorization ヘッダーの資格情報を検証します。
func (s *BasicStrategy) Authenticate(c *gin.Context, _ authz.Options) (*authz.Result, error) {
	username, password, ok := c.Request.BasicAuth()
	if !ok {
		return &authz.Result{
			Status:    http.StatusUnauthorized,
			Challenge: s.challenge(),
		}, nil
	}

	ctx := c.Request.Context()
	ip := c.ClientIP()

	retryAfter, err := s.limiter.Check(ctx, ip)
	if err != nil {
		return nil, fmt.Errorf("check login attempts: %w", err)
	}
	if retryAfter > 0 {
		// Retry-After は秒数またはHTTP-Date形式が推奨されているため秒数で返す
		c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
		return &authz.Result{
			Status: http.StatusTooManyRequests,
			Info:   LockInfo{RetryAfter: retryAfter},
		}, nil
	}

	if !s.verify(username, password) {
		remaining, err := s.limiter.RecordFailure(ctx, ip)
		if err != nil {
			return nil, fmt.Errorf("record login failure: %w", err)
		}
		s.logger.Printf("basic auth failed ip=%s remaining=%d", ip, remaining)
		return &authz.Result{
			Status:    http.StatusUnauthorized,
			Challenge: s.challenge(),
			Info:      AttemptInfo{Remaining: remaining},
		}, nil
	}

	if err := s.limiter.Reset(ctx, ip); err != nil {
		return nil, fmt.Errorf("reset login attempts: %w", err)
	}

	user := authz.NewPrincipal().
		Set("sub", s.username).
		Set("name", s.username)
	return &authz.Result{User: user}, nil
}

func (s *BasicStrategy) verify(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.username)) == 1
	passOK := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)) == nil
	return userOK && passOK
}

func (s *BasicStrategy) challenge() string {
	return fmt.Sprintf(`Basic realm=%q`, s.realm)
}
