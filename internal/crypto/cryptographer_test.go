package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testParams = KeyParams{
	Hostname: "sync.driftlab.dev",
	Username: "alice@example.com",
	Password: "hunter2 but longer",
}

func newReady(t *testing.T) *Cryptographer {
	t.Helper()
	c := NewCryptographerWithMachineSecret("machine-a")
	require.NoError(t, c.AddKey(testParams))
	return c
}

func TestLifecycleFlags(t *testing.T) {
	c := NewCryptographerWithMachineSecret("machine-a")
	assert.False(t, c.Initialized())
	assert.False(t, c.Ready())

	require.NoError(t, c.AddKey(testParams))
	assert.True(t, c.Initialized())
	assert.True(t, c.Ready())

	c.SetPendingKeys(&EncryptedData{KeyName: "other", Blob: []byte("junk")})
	assert.True(t, c.Initialized())
	assert.False(t, c.Ready())
	assert.True(t, c.HasPendingKeys())
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := newReady(t)

	type payload struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	}
	in := payload{URL: "https://example.com", Title: "Example"}

	sealed, err := c.Encrypt(&in)
	require.NoError(t, err)
	assert.True(t, c.CanDecrypt(sealed))
	assert.True(t, c.CanDecryptUsingDefaultKey(sealed))

	var out payload
	require.NoError(t, c.Decrypt(sealed, &out))
	assert.Equal(t, in, out)
}

func TestDerivationIsDeterministicAcrossDevices(t *testing.T) {
	deviceA := NewCryptographerWithMachineSecret("machine-a")
	deviceB := NewCryptographerWithMachineSecret("machine-b")
	require.NoError(t, deviceA.AddKey(testParams))
	require.NoError(t, deviceB.AddKey(testParams))

	sealed, err := deviceA.Encrypt(map[string]string{"k": "v"})
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, deviceB.Decrypt(sealed, &out))
	assert.Equal(t, "v", out["k"])
	assert.Equal(t, deviceA.DefaultKeyName(), deviceB.DefaultKeyName())
}

func TestWrongKeyCannotDecrypt(t *testing.T) {
	c := newReady(t)
	other := NewCryptographerWithMachineSecret("machine-b")
	require.NoError(t, other.AddKey(KeyParams{Hostname: testParams.Hostname, Username: testParams.Username, Password: "different"}))

	sealed, err := c.Encrypt("secret")
	require.NoError(t, err)

	assert.False(t, other.CanDecrypt(sealed))
	var out string
	assert.ErrorIs(t, other.Decrypt(sealed, &out), ErrUnknownKey)
}

func TestPendingKeysFlow(t *testing.T) {
	deviceA := newReady(t)
	bag, err := deviceA.GetKeys()
	require.NoError(t, err)

	deviceB := NewCryptographerWithMachineSecret("machine-b")
	deviceB.SetPendingKeys(bag)
	assert.False(t, deviceB.Ready())

	err = deviceB.DecryptPendingKeys(KeyParams{Hostname: testParams.Hostname, Username: testParams.Username, Password: "wrong"})
	assert.ErrorIs(t, err, ErrWrongPassphrase)
	assert.True(t, deviceB.HasPendingKeys(), "failed attempts keep the pending bag")

	require.NoError(t, deviceB.DecryptPendingKeys(testParams))
	assert.True(t, deviceB.Ready())
	assert.Equal(t, deviceA.DefaultKeyName(), deviceB.DefaultKeyName())

	// Payloads sealed before the passphrase arrived now open.
	sealed, err := deviceA.Encrypt("hello")
	require.NoError(t, err)
	var out string
	require.NoError(t, deviceB.Decrypt(sealed, &out))
	assert.Equal(t, "hello", out)
}

func TestKeyRotationKeepsOldKeysReadable(t *testing.T) {
	c := newReady(t)
	sealedOld, err := c.Encrypt("old data")
	require.NoError(t, err)

	rotated := KeyParams{Hostname: testParams.Hostname, Username: testParams.Username, Password: "new passphrase"}
	require.NoError(t, c.AddKey(rotated))

	assert.True(t, c.CanDecrypt(sealedOld))
	assert.False(t, c.CanDecryptUsingDefaultKey(sealedOld), "old payloads need re-encryption")

	var out string
	require.NoError(t, c.Decrypt(sealedOld, &out))
	assert.Equal(t, "old data", out)
}

func TestSetKeysRequiresKnownSealingKey(t *testing.T) {
	deviceA := newReady(t)
	bag, err := deviceA.GetKeys()
	require.NoError(t, err)

	stranger := NewCryptographerWithMachineSecret("machine-c")
	assert.ErrorIs(t, stranger.SetKeys(bag), ErrUnknownKey)

	peer := NewCryptographerWithMachineSecret("machine-d")
	require.NoError(t, peer.AddKey(testParams))
	require.NoError(t, peer.SetKeys(bag))
	assert.True(t, peer.Ready())
}

func TestBootstrapTokenIsMachineBound(t *testing.T) {
	c := newReady(t)
	token, err := c.BootstrapToken()
	require.NoError(t, err)

	sameMachine := NewCryptographerWithMachineSecret("machine-a")
	require.NoError(t, sameMachine.Bootstrap(token))
	assert.True(t, sameMachine.Ready())
	assert.Equal(t, c.DefaultKeyName(), sameMachine.DefaultKeyName())

	otherMachine := NewCryptographerWithMachineSecret("machine-b")
	assert.ErrorIs(t, otherMachine.Bootstrap(token), ErrMalformedToken)

	assert.ErrorIs(t, sameMachine.Bootstrap("!!not base64!!"), ErrMalformedToken)
}
