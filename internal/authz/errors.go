package authz

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

var (
	// ErrMissingSecret は署名鍵が設定されていない場合に返されます。
	ErrMissingSecret = errors.New("authz: secret is required")
	// ErrUnknownStrategy は登録されていないストラテジー名が指定された場合に返されます。
	ErrUnknownStrategy = errors.New("authz: unknown strategy")
	// ErrSessionUnavailable はセッションミドルウェアが組み込まれていない場合に返されます。
	ErrSessionUnavailable = errors.New("authz: session middleware is not installed")
)

// ContextRequestIDKey はリクエストIDを共有するためのキーです。
const ContextRequestIDKey = "authz.request_id"

// ErrorHandler は c.Error で積まれたエラーをまとめて 500 として返すミドルウェアです。
// すでにレスポンスが書き込まれている場合はログ出力のみ行います。
func ErrorHandler(logger *log.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = log.Default()
	}
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		requestID := c.GetString(ContextRequestIDKey)
		for _, e := range c.Errors {
			logger.Printf("request failed id=%s path=%s: %v", requestID, c.FullPath(), e.Err)
		}

		if c.Writer.Written() {
			return
		}

		status := c.Writer.Status()
		if status < http.StatusBadRequest {
			status = http.StatusInternalServerError
		}
		code := "INTERNAL_ERROR"
		message := "サーバー内部でエラーが発生しました"
		if errors.Is(c.Errors.Last().Err, ErrSessionUnavailable) {
			code = "SESSION_UNAVAILABLE"
			message = "セッションを利用できません"
		}
		c.JSON(status, gin.H{
			"code":    code,
			"message": message,
		})
	}
}
