package authz

import "github.com/gin-gonic/gin"

// ResultFunc は認証の完了時に一度だけ呼ばれるコールバックです。
// user が nil かつ err が nil の場合は、ストラテジーが認証を拒否したことを表します。
type ResultFunc func(user *Principal, info any, err error)

// Options は宣言的な認証（主に OAuth の権限リクエスト）の設定です。
type Options struct {
	Scope []string
	State any
}

// Provider はストラテジー名を受け取り認証ミドルウェアを返す外部コンポーネントです。
//
// AuthenticateWithCallback は完了処理を呼び出し側に任せるモードで、
// AuthenticateWithOptions はレスポンスを含めて Provider に任せるモードです。
type Provider interface {
	AuthenticateWithCallback(strategy string, cb ResultFunc) gin.HandlerFunc
	AuthenticateWithOptions(strategy string, opts Options) gin.HandlerFunc
}

// Result はストラテジー 1 回分の判定結果です。
type Result struct {
	// User は認証に成功した場合のみ設定されます。
	User *Principal
	// Info はストラテジー固有の補足情報です（残り試行回数など）。
	Info any
	// Status は失敗時に返すステータスコードです。0 の場合は 401。
	Status int
	// Challenge は失敗時の WWW-Authenticate ヘッダー値です。
	Challenge string
	// Redirect が設定されている場合、外部 IdP などへリダイレクトします。
	Redirect string
}

// Strategy は名前付きの認証方式です。
type Strategy interface {
	Authenticate(c *gin.Context, opts Options) (*Result, error)
}

// StrategyFunc は関数を Strategy として扱うためのアダプターです。
type StrategyFunc func(c *gin.Context, opts Options) (*Result, error)

// Authenticate は f(c, opts) を呼び出します。
func (f StrategyFunc) Authenticate(c *gin.Context, opts Options) (*Result, error) {
	return f(c, opts)
}
