package authz

import (
	"encoding/json"

	"github.com/golang-jwt/jwt/v5"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Principal は認証済みユーザーのクレームを挿入順に保持します。
// nil の Principal は「未認証」を表します。
type Principal struct {
	claims *orderedmap.OrderedMap[string, any]
}

// NewPrincipal は空の Principal を作成します。
func NewPrincipal() *Principal {
	return &Principal{claims: orderedmap.New[string, any]()}
}

// Set はクレームを追加または上書きします。既存キーの位置は維持されます。
// ゼロ値の Principal{} にも設定できます。
func (p *Principal) Set(key string, value any) *Principal {
	if p.claims == nil {
		p.claims = orderedmap.New[string, any]()
	}
	p.claims.Set(key, value)
	return p
}

// Get はクレームを取得します。
func (p *Principal) Get(key string) (any, bool) {
	if p.empty() {
		return nil, false
	}
	return p.claims.Get(key)
}

// Len はクレーム数を返します。
func (p *Principal) Len() int {
	if p.empty() {
		return 0
	}
	return p.claims.Len()
}

// Keys はクレームのキーを挿入順で返します。
func (p *Principal) Keys() []string {
	if p.empty() {
		return nil
	}
	keys := make([]string, 0, p.claims.Len())
	for pair := p.claims.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Claims は署名用のクレームを組み立てます。
// Principal の浅いコピーに iss を加え、既存の iss は issuer で上書きされます。
func (p *Principal) Claims(issuer string) jwt.MapClaims {
	claims := jwt.MapClaims{}
	if !p.empty() {
		for pair := p.claims.Oldest(); pair != nil; pair = pair.Next() {
			claims[pair.Key] = pair.Value
		}
	}
	claims["iss"] = issuer
	return claims
}

// MarshalJSON はクレームを挿入順のまま JSON にします。
func (p *Principal) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	if p.claims == nil {
		return []byte("{}"), nil
	}
	return p.claims.MarshalJSON()
}

// UnmarshalJSON は JSON オブジェクトから Principal を復元します。
func (p *Principal) UnmarshalJSON(data []byte) error {
	if p.claims == nil {
		p.claims = orderedmap.New[string, any]()
	}
	return p.claims.UnmarshalJSON(data)
}

func (p *Principal) empty() bool {
	return p == nil || p.claims == nil
}

var _ json.Marshaler = (*Principal)(nil)
