package authz

import (
	"html/template"

	"github.com/golang-jwt/jwt/v5"
)

// Signer はクレームと鍵からトークン文字列を生成します。
type Signer interface {
	Sign(claims jwt.MapClaims, secret []byte) (string, error)
}

// HS256Signer は HMAC-SHA256 で JWT を署名する既定の Signer です。
type HS256Signer struct{}

// Sign は claims を HS256 で署名します。
func (HS256Signer) Sign(claims jwt.MapClaims, secret []byte) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// TokenTemplateName は Sign が HTML で返すときに使うテンプレート名です。
const TokenTemplateName = "token"

// TokenTemplate は発行したトークンを表示する既定のテンプレートです。
// gin.Engine.SetHTMLTemplate に渡して使います。
var TokenTemplate = template.Must(template.New(TokenTemplateName).Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Token</title></head>
<body>
<pre id="jwt">{{ .jwt }}</pre>
</body>
</html>
`))
