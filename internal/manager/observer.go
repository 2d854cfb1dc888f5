package manager

import (
	"fmt"

	"github.com/driftlab/driftsync/internal/crypto"
	"github.com/driftlab/driftsync/internal/directory"
	"github.com/driftlab/driftsync/internal/modeltype"
	"github.com/driftlab/driftsync/internal/sessions"
	"github.com/driftlab/driftsync/internal/transport"
)

// PassphraseReason says why OnPassphraseRequired fired.
type PassphraseReason int

const (
	// ReasonEncryption: the user asked to encrypt types but no usable key is
	// installed yet.
	ReasonEncryption PassphraseReason = iota
	// ReasonDecryption: the server delivered data sealed with keys this
	// client cannot open.
	ReasonDecryption
	// ReasonSetPassphraseFailed: the supplied passphrase did not open the
	// pending keys.
	ReasonSetPassphraseFailed
)

var passphraseReasonNames = []string{
	"REASON_ENCRYPTION",
	"REASON_DECRYPTION",
	"REASON_SET_PASSPHRASE_FAILED",
}

func (r PassphraseReason) String() string {
	if r < 0 || int(r) >= len(passphraseReasonNames) {
		return fmt.Sprintf("PassphraseReason(%d)", int(r))
	}
	return passphraseReasonNames[r]
}

// Observer receives the manager's lifecycle callbacks. Dispatch is
// synchronous, in registration order, on whichever goroutine produced the
// event; implementations must not block and must not call back into the
// manager from inside a callback.
//
// Embed NoopObserver to pick only the callbacks you care about.
type Observer interface {
	// OnSyncCycleCompleted fires after every finished cycle with its
	// snapshot.
	OnSyncCycleCompleted(snapshot *sessions.Snapshot)

	// OnInitializationComplete reports whether Init managed to wire the
	// engine.
	OnInitializationComplete(success bool)

	// OnConnectionStatusChange mirrors the transport's reachability events.
	OnConnectionStatusChange(code transport.ConnectionCode)

	// OnPassphraseRequired asks the embedder for a passphrase. pendingKeys is
	// the sealed keybag waiting on it, nil when encrypting for the first
	// time.
	OnPassphraseRequired(reason PassphraseReason, pendingKeys *crypto.EncryptedData)

	// OnPassphraseAccepted delivers the bootstrap token to persist so the
	// next run skips the prompt.
	OnPassphraseAccepted(bootstrapToken string)

	// OnEncryptedTypesChanged reports the set of types whose payloads are
	// sealed from now on.
	OnEncryptedTypesChanged(types modeltype.Set, encryptEverything bool)

	// OnActionableError surfaces a server error the embedder must react to.
	OnActionableError(protocolError transport.SyncProtocolError)

	// OnChangesApplied delivers the ordered change records one committed
	// write transaction produced for a type.
	OnChangesApplied(t modeltype.ModelType, records []directory.ChangeRecord)

	// OnChangesComplete marks the end of a type's record stream for one
	// transaction.
	OnChangesComplete(t modeltype.ModelType)

	// OnClearServerDataSucceeded / Failed report the outcome of
	// RequestClearServerData.
	OnClearServerDataSucceeded()
	OnClearServerDataFailed()

	// OnStopSyncingPermanently: the server ordered this client to stop for
	// good.
	OnStopSyncingPermanently()

	// OnUpdatedToken delivers a refreshed auth token received in-band.
	OnUpdatedToken(token string)
}

// NoopObserver implements Observer with empty methods.
type NoopObserver struct{}

func (NoopObserver) OnSyncCycleCompleted(*sessions.Snapshot)                             {}
func (NoopObserver) OnInitializationComplete(bool)                                       {}
func (NoopObserver) OnConnectionStatusChange(transport.ConnectionCode)                   {}
func (NoopObserver) OnPassphraseRequired(PassphraseReason, *crypto.EncryptedData)        {}
func (NoopObserver) OnPassphraseAccepted(string)                                         {}
func (NoopObserver) OnEncryptedTypesChanged(modeltype.Set, bool)                         {}
func (NoopObserver) OnActionableError(transport.SyncProtocolError)                       {}
func (NoopObserver) OnChangesApplied(modeltype.ModelType, []directory.ChangeRecord)      {}
func (NoopObserver) OnChangesComplete(modeltype.ModelType)                               {}
func (NoopObserver) OnClearServerDataSucceeded()                                         {}
func (NoopObserver) OnClearServerDataFailed()                                            {}
func (NoopObserver) OnStopSyncingPermanently()                                           {}
func (NoopObserver) OnUpdatedToken(string)                                               {}
