//go:build sonic

package jsonx

import (
	"io"

	"github.com/bytedance/sonic"
)

// Marshal and friends are aliased so the whole tree switches JSON engines
// with a single build tag.
var (
	Marshal       = sonic.Marshal
	MarshalIndent = sonic.MarshalIndent
	Unmarshal     = sonic.Unmarshal
)

func EncodeTo(w io.Writer, v any) error {
	return sonic.ConfigDefault.NewEncoder(w).Encode(v)
}

func DecodeFrom(r io.Reader, v any) error {
	return sonic.ConfigDefault.NewDecoder(r).Decode(v)
}
