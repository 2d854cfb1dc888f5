// Package crypto implements the keybag protecting synced payloads. Keys are
// derived from user passphrases with Argon2id and payloads are sealed with
// AES-256-GCM. Derivation is deterministic so every device holding the same
// passphrase arrives at the same key and key name.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"

	"github.com/driftlab/driftsync/internal/jsonx"
	"github.com/driftlab/driftsync/internal/utils"
)

var (
	ErrNotReady        = errors.New("crypto: cryptographer not ready")
	ErrNoPendingKeys   = errors.New("crypto: no pending keys")
	ErrWrongPassphrase = errors.New("crypto: passphrase cannot decrypt pending keys")
	ErrUnknownKey      = errors.New("crypto: no key matches encrypted data")
	ErrMalformedToken  = errors.New("crypto: malformed bootstrap token")
)

const (
	// Versioned derivation salt. The same passphrase must yield the same key
	// on every device, so the salt is fixed rather than random.
	derivationSalt = "driftsync.nigori.v1"
	keyNameSalt    = "driftsync.keyname.v1"

	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MiB
	argonThreads = 4
	argonKeyLen  = 32 // 256 bits
)

// KeyParams identify one passphrase-derived key.
type KeyParams struct {
	Hostname string
	Username string
	Password string
}

// EncryptedData is a sealed payload naming the key that sealed it.
// Blob layout is nonce (12 bytes) followed by ciphertext.
type EncryptedData struct {
	KeyName string `json:"keyName"`
	Blob    []byte `json:"blob"`
}

type cryptoKey struct {
	name     string
	material []byte
	aead     cipher.AEAD
}

func newKeyFromMaterial(material []byte) (*cryptoKey, error) {
	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	sum := sha256.Sum256(append(append([]byte{}, material...), keyNameSalt...))
	return &cryptoKey{
		name:     hex.EncodeToString(sum[:16]),
		material: material,
		aead:     aead,
	}, nil
}

func deriveKey(params KeyParams) (*cryptoKey, error) {
	salt := fmt.Sprintf("%s|%s|%s", derivationSalt, params.Hostname, params.Username)
	material := argon2.IDKey([]byte(params.Password), []byte(salt), argonTime, argonMemory, argonThreads, argonKeyLen)
	return newKeyFromMaterial(material)
}

func (k *cryptoKey) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return append(nonce, k.aead.Seal(nil, nonce, plaintext, nil)...), nil
}

func (k *cryptoKey) open(blob []byte) ([]byte, error) {
	nonceSize := k.aead.NonceSize()
	if len(blob) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	return k.aead.Open(nil, nonce, ciphertext, nil)
}

// keyBag is the serialized form of every key this client knows.
type keyBag struct {
	Keys    map[string][]byte `json:"keys"`
	Default string            `json:"default"`
}

// Cryptographer holds the keybag and the pending keys the current passphrase
// cannot yet open. It is not safe for concurrent use; callers access it
// while holding a directory transaction.
type Cryptographer struct {
	keys        map[string]*cryptoKey
	defaultName string
	pending     *EncryptedData

	machineKey *cryptoKey
}

// NewCryptographer builds an empty cryptographer whose bootstrap tokens are
// bound to this machine's hardware id.
func NewCryptographer() *Cryptographer {
	return NewCryptographerWithMachineSecret(utils.HWID)
}

// NewCryptographerWithMachineSecret is NewCryptographer with an explicit
// machine secret, used by tests and embedders with their own keystore.
func NewCryptographerWithMachineSecret(secret string) *Cryptographer {
	sum := sha256.Sum256([]byte("driftsync.bootstrap.v1|" + secret))
	mk, err := newKeyFromMaterial(sum[:])
	if err != nil {
		// sha256 output is always a valid AES-256 key size.
		panic(err)
	}
	return &Cryptographer{
		keys:       make(map[string]*cryptoKey),
		machineKey: mk,
	}
}

// Initialized reports whether at least one key is installed.
func (c *Cryptographer) Initialized() bool {
	return c.defaultName != "" && len(c.keys) > 0
}

// Ready reports whether payloads can be both encrypted and decrypted: some
// key is installed and nothing is pending a passphrase.
func (c *Cryptographer) Ready() bool {
	return c.Initialized() && !c.HasPendingKeys()
}

func (c *Cryptographer) HasPendingKeys() bool { return c.pending != nil }

// PendingKeys returns the keybag awaiting a passphrase, nil if none.
func (c *Cryptographer) PendingKeys() *EncryptedData {
	if c.pending == nil {
		return nil
	}
	cp := *c.pending
	cp.Blob = append([]byte{}, c.pending.Blob...)
	return &cp
}

// DefaultKeyName names the key new payloads are sealed with.
func (c *Cryptographer) DefaultKeyName() string { return c.defaultName }

// AddKey derives a key from params, installs it, and makes it the default.
func (c *Cryptographer) AddKey(params KeyParams) error {
	k, err := deriveKey(params)
	if err != nil {
		return err
	}
	c.keys[k.name] = k
	c.defaultName = k.name
	return nil
}

// IsDefaultKey reports whether params derive the current default key, so
// callers can detect a passphrase that is already in effect without touching
// the keybag.
func (c *Cryptographer) IsDefaultKey(params KeyParams) bool {
	if c.defaultName == "" {
		return false
	}
	k, err := deriveKey(params)
	if err != nil {
		return false
	}
	return k.name == c.defaultName
}

// CanDecrypt reports whether a known key sealed the data.
func (c *Cryptographer) CanDecrypt(data *EncryptedData) bool {
	if data == nil {
		return false
	}
	_, ok := c.keys[data.KeyName]
	return ok
}

// CanDecryptUsingDefaultKey reports whether data was sealed with the current
// default key. Payloads failing this are due for re-encryption.
func (c *Cryptographer) CanDecryptUsingDefaultKey(data *EncryptedData) bool {
	return data != nil && data.KeyName != "" && data.KeyName == c.defaultName
}

// Encrypt marshals v and seals it with the default key.
func (c *Cryptographer) Encrypt(v any) (*EncryptedData, error) {
	if !c.Initialized() {
		return nil, ErrNotReady
	}
	plaintext, err := jsonx.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	k := c.keys[c.defaultName]
	blob, err := k.seal(plaintext)
	if err != nil {
		return nil, err
	}
	return &EncryptedData{KeyName: k.name, Blob: blob}, nil
}

// DecryptRaw unseals data and returns the plaintext bytes.
func (c *Cryptographer) DecryptRaw(data *EncryptedData) ([]byte, error) {
	if data == nil {
		return nil, ErrUnknownKey
	}
	k, ok := c.keys[data.KeyName]
	if !ok {
		return nil, ErrUnknownKey
	}
	plaintext, err := k.open(data.Blob)
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}
	return plaintext, nil
}

// Decrypt unseals data and unmarshals it into target.
func (c *Cryptographer) Decrypt(data *EncryptedData, target any) error {
	plaintext, err := c.DecryptRaw(data)
	if err != nil {
		return err
	}
	if err := jsonx.Unmarshal(plaintext, target); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// GetKeys seals the whole keybag under the default key, producing the blob
// that gets synced to other devices.
func (c *Cryptographer) GetKeys() (*EncryptedData, error) {
	if !c.Initialized() {
		return nil, ErrNotReady
	}
	return c.sealKeyBag(c.keys[c.defaultName])
}

func (c *Cryptographer) sealKeyBag(k *cryptoKey) (*EncryptedData, error) {
	bag := keyBag{Keys: make(map[string][]byte, len(c.keys)), Default: c.defaultName}
	for name, key := range c.keys {
		bag.Keys[name] = key.material
	}
	plaintext, err := jsonx.Marshal(&bag)
	if err != nil {
		return nil, fmt.Errorf("marshal keybag: %w", err)
	}
	blob, err := k.seal(plaintext)
	if err != nil {
		return nil, err
	}
	return &EncryptedData{KeyName: k.name, Blob: blob}, nil
}

func (c *Cryptographer) installKeyBag(plaintext []byte, sealingKey *cryptoKey) error {
	var bag keyBag
	if err := jsonx.Unmarshal(plaintext, &bag); err != nil {
		return fmt.Errorf("unmarshal keybag: %w", err)
	}
	for name, material := range bag.Keys {
		k, err := newKeyFromMaterial(material)
		if err != nil {
			return err
		}
		if k.name != name {
			return fmt.Errorf("keybag entry %q does not match its material", name)
		}
		c.keys[name] = k
	}
	if sealingKey != nil {
		c.keys[sealingKey.name] = sealingKey
	}
	if _, ok := c.keys[bag.Default]; ok {
		c.defaultName = bag.Default
	}
	return nil
}

// SetKeys installs a keybag sealed with a key this client already holds.
func (c *Cryptographer) SetKeys(data *EncryptedData) error {
	plaintext, err := c.DecryptRaw(data)
	if err != nil {
		return err
	}
	return c.installKeyBag(plaintext, nil)
}

// SetPendingKeys stores a keybag no current key can open. Ready() reports
// false until DecryptPendingKeys succeeds.
func (c *Cryptographer) SetPendingKeys(data *EncryptedData) {
	cp := *data
	cp.Blob = append([]byte{}, data.Blob...)
	c.pending = &cp
}

// DecryptPendingKeys derives a key from params and tries it against the
// pending keybag. On success the bag is installed, the derived key becomes
// available, and the pending state clears.
func (c *Cryptographer) DecryptPendingKeys(params KeyParams) error {
	if c.pending == nil {
		return ErrNoPendingKeys
	}
	k, err := deriveKey(params)
	if err != nil {
		return err
	}
	plaintext, err := k.open(c.pending.Blob)
	if err != nil {
		return ErrWrongPassphrase
	}
	if err := c.installKeyBag(plaintext, k); err != nil {
		return err
	}
	c.pending = nil
	return nil
}

// BootstrapToken seals the keybag with the machine-bound key so the next
// run can restore it without prompting for the passphrase. The token is
// useless on any other machine.
func (c *Cryptographer) BootstrapToken() (string, error) {
	if !c.Initialized() {
		return "", ErrNotReady
	}
	sealed, err := c.sealKeyBag(c.machineKey)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed.Blob), nil
}

// Bootstrap restores the keybag from a token minted by BootstrapToken on
// this machine. Tokens from other machines fail without side effects.
func (c *Cryptographer) Bootstrap(token string) error {
	blob, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return ErrMalformedToken
	}
	plaintext, err := c.machineKey.open(blob)
	if err != nil {
		return ErrMalformedToken
	}
	return c.installKeyBag(plaintext, nil)
}
