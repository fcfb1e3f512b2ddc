package e2ee

import "errors"

// VerificationError is the stable, user-visible failure taxonomy of the SAS
// sub-protocol. The string values are part of the wire contract: they travel
// in error messages and must match across implementations.
type VerificationError string

const (
	// ErrSasKeysMacMismatch: the MAC over the peer's sorted key-id list did
	// not verify.
	ErrSasKeysMacMismatch VerificationError = "sas-keys-mac-mismatch"
	// ErrSasKeyMacMismatch: the MAC over one of the peer's signing keys did
	// not verify.
	ErrSasKeyMacMismatch VerificationError = "sas-key-mac-mismatch"
	// ErrSasMissingKey: the peer listed a signing key we do not know.
	ErrSasMissingKey VerificationError = "sas-missing-key"
	// ErrSasCommitmentMismatched: the revealed ephemeral key does not match
	// the commitment sent before it.
	ErrSasCommitmentMismatched VerificationError = "sas-commitment-mismatched"
	// ErrSasChannelVerificationFailed: the peer reported the verification
	// failed on its side (codes did not match, or an unspecified failure).
	ErrSasChannelVerificationFailed VerificationError = "sas-channel-verification-failed"
	// ErrSasInvalidState: a verification message arrived that does not fit
	// the current verification state.
	ErrSasInvalidState VerificationError = "sas-invalid-verification-state"
)

func (e VerificationError) Error() string { return string(e) }

// verificationErrorFromString maps a wire error code back to the taxonomy;
// unknown codes collapse to the generic channel failure.
func verificationErrorFromString(s string) (VerificationError, bool) {
	switch VerificationError(s) {
	case ErrSasKeysMacMismatch, ErrSasKeyMacMismatch, ErrSasMissingKey,
		ErrSasCommitmentMismatched, ErrSasChannelVerificationFailed, ErrSasInvalidState:
		return VerificationError(s), true
	}
	return ErrSasChannelVerificationFailed, false
}

var (
	ErrNotBootstrapped   = errors.New("manager not bootstrapped")
	ErrNoSession         = errors.New("no established session with peer")
	ErrSessionExists     = errors.New("session already exists")
	ErrHandshakePending  = errors.New("handshake already pending")
	ErrInitiationOrder   = errors.New("handshake initiation order violation")
	ErrUnexpectedMessage = errors.New("unexpected message for current state")

	ErrVerificationInFlight = errors.New("verification already in progress")
)
