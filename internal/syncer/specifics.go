package syncer

import (
	"github.com/driftlab/driftsync/internal/jsonx"
	"github.com/driftlab/driftsync/internal/modeltype"
)

// encodeSpecifics serializes wire specifics into the directory's stored
// form. Empty specifics store as an empty string, not "{}".
func encodeSpecifics(specifics modeltype.EntitySpecifics) string {
	if len(specifics) == 0 {
		return ""
	}
	b, err := jsonx.Marshal(specifics)
	if err != nil {
		return ""
	}
	return string(b)
}

// decodeSpecifics is the inverse of encodeSpecifics. Malformed stored data
// decodes to nil rather than failing the cycle.
func decodeSpecifics(s string) modeltype.EntitySpecifics {
	if s == "" {
		return nil
	}
	var specifics modeltype.EntitySpecifics
	if err := jsonx.Unmarshal([]byte(s), &specifics); err != nil {
		return nil
	}
	return specifics
}
