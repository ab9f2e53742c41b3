package authz

import (
	"net/http"

	"github.com/elnormous/contenttype"
)

// Representation はレスポンスの表現形式です。
type Representation int

const (
	// RepresentationDefault は Accept が無い、または対応形式が無い場合です。
	RepresentationDefault Representation = iota
	RepresentationHTML
	RepresentationText
	RepresentationJSON
)

func (r Representation) String() string {
	switch r {
	case RepresentationHTML:
		return "html"
	case RepresentationText:
		return "text"
	case RepresentationJSON:
		return "json"
	default:
		return "default"
	}
}

var (
	htmlMediaType = contenttype.NewMediaType("text/html")
	textMediaType = contenttype.NewMediaType("text/plain")
	jsonMediaType = contenttype.NewMediaType("application/json")

	// 同じ品質値の場合はこの並び順が優先されます。
	offeredMediaTypes = []contenttype.MediaType{htmlMediaType, textMediaType, jsonMediaType}
)

// Negotiate は Accept ヘッダーから最適な表現形式を決定します。
func Negotiate(r *http.Request) Representation {
	if r == nil || r.Header.Get("Accept") == "" {
		return RepresentationDefault
	}

	accepted, _, err := contenttype.GetAcceptableMediaType(r, offeredMediaTypes)
	if err != nil {
		return RepresentationDefault
	}

	switch {
	case sameMediaType(accepted, htmlMediaType):
		return RepresentationHTML
	case sameMediaType(accepted, textMediaType):
		return RepresentationText
	case sameMediaType(accepted, jsonMediaType):
		return RepresentationJSON
	default:
		return RepresentationDefault
	}
}

func sameMediaType(a, b contenttype.MediaType) bool {
	return a.Type == b.Type && a.Subtype == b.Subtype
}
