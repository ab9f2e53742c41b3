package authz

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

const (
	// ContextUserKey は、ハンドラー間で認証済み Principal を共有するためのキーです。
	ContextUserKey = "authz.user"

	sessionKeyUser       = "authz_user"
	sessionKeyIssuedAt   = "authz_issued_at"
	sessionKeyLastActive = "authz_last_activity"
)

var (
	maxSessionLifetime = 12 * time.Hour
	idleTimeout        = 30 * time.Minute

	now = time.Now
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// Session はリクエストに紐づくセッションを返します。
// sessions ミドルウェアが組み込まれていない場合は false を返します。
func Session(c *gin.Context) (sessions.Session, bool) {
	if _, ok := c.Get(sessions.DefaultKey); !ok {
		return nil, false
	}
	return sessions.Default(c), true
}

// CurrentUser はコンテキスト上の Principal を返します。
func CurrentUser(c *gin.Context) *Principal {
	v, ok := c.Get(ContextUserKey)
	if !ok {
		return nil
	}
	user, _ := v.(*Principal)
	return user
}

// LogIn は Principal をリクエストに関連付けます。
// セッションがあればクレームを JSON で保存し、以降のリクエストで RestoreSession が復元します。
func LogIn(c *gin.Context, user *Principal) error {
	if user == nil {
		return fmt.Errorf("authz: cannot log in a nil principal")
	}

	if session, ok := Session(c); ok {
		payload, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("authz: encode principal: %w", err)
		}
		current := now().Unix()
		session.Set(sessionKeyUser, string(payload))
		session.Set(sessionKeyIssuedAt, current)
		session.Set(sessionKeyLastActive, current)
		if err := session.Save(); err != nil {
			return fmt.Errorf("authz: save session: %w", err)
		}
	}

	c.Set(ContextUserKey, user)
	return nil
}

// LogOut はリクエストとセッションから Principal を取り除きます。
func LogOut(c *gin.Context) error {
	c.Set(ContextUserKey, (*Principal)(nil))

	session, ok := Session(c)
	if !ok {
		return nil
	}
	clearUser(session)
	if err := session.Save(); err != nil {
		return fmt.Errorf("authz: save session: %w", err)
	}
	return nil
}

func clearUser(session sessions.Session) {
	session.Delete(sessionKeyUser)
	session.Delete(sessionKeyIssuedAt)
	session.Delete(sessionKeyLastActive)
}

// RestoreSession は LogIn で保存された Principal をセッションから復元するミドルウェアです。
// 壊れたセッション値や、最大寿命またはアイドルタイムアウトを超えたセッションは
// 破棄して未認証として扱います。復元できた場合は最終アクセス時刻を更新します。
func RestoreSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		session, ok := Session(c)
		if !ok {
			c.Next()
			return
		}

		raw, ok := session.Get(sessionKeyUser).(string)
		if !ok || raw == "" {
			c.Next()
			return
		}

		current := now()
		issuedAt := readUnix(session.Get(sessionKeyIssuedAt))
		lastActive := readUnix(session.Get(sessionKeyLastActive))

		user := NewPrincipal()
		switch {
		case issuedAt.IsZero() || current.Sub(issuedAt) > maxSessionLifetime,
			lastActive.IsZero() || current.Sub(lastActive) > idleTimeout,
			json.Unmarshal([]byte(raw), user) != nil:
			clearUser(session)
			_ = session.Save()
		default:
			c.Set(ContextUserKey, user)
			session.Set(sessionKeyLastActive, current.Unix())
			_ = session.Save()
		}
		c.Next()
	}
}

func readUnix(v any) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}

// RequireUser は Principal がない場合に 401 を返すミドルウェアです。
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if CurrentUser(c) == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "ログインが必要です",
			})
			return
		}
		c.Next()
	}
}
