//go:build !sonic

package jsonx

import (
	"io"

	"github.com/goccy/go-json"
)

// Marshal and friends are aliased so the whole tree switches JSON engines
// with a single build tag.
var (
	Marshal       = json.Marshal
	MarshalIndent = json.MarshalIndent
	Unmarshal     = json.Unmarshal
)

func EncodeTo(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func DecodeFrom(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}
