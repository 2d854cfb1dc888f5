package crypto

import (
	"fmt"

	"github.com/driftlab/driftsync/internal/jsonx"
	"github.com/driftlab/driftsync/internal/modeltype"
)

// NigoriSpecifics is the decoded payload of the NIGORI node: the account's
// sealed keybag plus its encryption scope. Every device converges on this
// node to agree on keys.
type NigoriSpecifics struct {
	Keybag            *EncryptedData `json:"keybag,omitempty"`
	EncryptedTypes    modeltype.Set  `json:"encryptedTypes,omitempty"`
	EncryptEverything bool           `json:"encryptEverything,omitempty"`
}

// ParseNigoriSpecifics decodes the NIGORI payload bytes.
func ParseNigoriSpecifics(payload []byte) (*NigoriSpecifics, error) {
	if len(payload) == 0 {
		return &NigoriSpecifics{}, nil
	}
	var n NigoriSpecifics
	if err := jsonx.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("parse nigori specifics: %w", err)
	}
	return &n, nil
}

// Marshal is the inverse of ParseNigoriSpecifics.
func (n *NigoriSpecifics) Marshal() ([]byte, error) {
	return jsonx.Marshal(n)
}

// Update ingests a downloaded NIGORI keybag. A bag some installed key can
// open installs immediately; otherwise it parks in pending until
// DecryptPendingKeys gets the right passphrase.
func (c *Cryptographer) Update(n *NigoriSpecifics) error {
	if n == nil || n.Keybag == nil || len(n.Keybag.Blob) == 0 {
		return nil
	}
	if c.CanDecrypt(n.Keybag) {
		return c.SetKeys(n.Keybag)
	}
	c.SetPendingKeys(n.Keybag)
	return nil
}

// EncryptedEnvelope reports whether a specifics payload is a sealed envelope
// rather than plaintext, returning the envelope when it is. Plaintext
// payloads and malformed data return nil.
func EncryptedEnvelope(payload []byte) *EncryptedData {
	if len(payload) == 0 {
		return nil
	}
	var env EncryptedData
	if err := jsonx.Unmarshal(payload, &env); err != nil {
		return nil
	}
	if env.KeyName == "" || len(env.Blob) == 0 {
		return nil
	}
	return &env
}
