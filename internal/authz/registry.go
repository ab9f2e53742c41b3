package authz

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

// Registry は名前付きストラテジーを保持する既定の Provider です。
// Use は起動時に呼び出し、リクエスト処理中の呼び出しは想定していません。
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

var _ Provider = (*Registry)(nil)

// NewRegistry は空の Registry を作成します。
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Use はストラテジーを name で登録します。同名の登録は上書きされます。
func (r *Registry) Use(name string, strategy Strategy) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[name] = strategy
	return r
}

// Unuse は登録済みのストラテジーを取り除きます。
func (r *Registry) Unuse(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.strategies, name)
}

// Strategy は登録済みのストラテジーを返します。
func (r *Registry) Strategy(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

func (r *Registry) run(c *gin.Context, name string, opts Options) (*Result, error) {
	strategy, ok := r.Strategy(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	result, err := strategy.Authenticate(c, opts)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &Result{}
	}
	return result, nil
}

// AuthenticateWithCallback は判定結果を cb に渡すミドルウェアを返します。
// リダイレクトだけはここで処理し、cb は呼び出しません。
func (r *Registry) AuthenticateWithCallback(name string, cb ResultFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := r.run(c, name, Options{})
		if err != nil {
			cb(nil, nil, err)
			return
		}
		if result.Redirect != "" {
			c.Redirect(http.StatusFound, result.Redirect)
			c.Abort()
			return
		}
		cb(result.User, result.Info, nil)
	}
}

// AuthenticateWithOptions は失敗時のレスポンスとログインまで担うミドルウェアを返します。
func (r *Registry) AuthenticateWithOptions(name string, opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := r.run(c, name, opts)
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}

		if result.Redirect != "" {
			c.Redirect(http.StatusFound, result.Redirect)
			c.Abort()
			return
		}

		if result.User == nil {
			if result.Challenge != "" {
				c.Header("WWW-Authenticate", result.Challenge)
			}
			status := result.Status
			if status == 0 {
				status = http.StatusUnauthorized
			}
			c.String(status, http.StatusText(status))
			c.Abort()
			return
		}

		if err := LogIn(c, result.User); err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}
		c.Next()
	}
}
