package x3dh

import "github.com/opd-ai/ratchet/crypto"

// Result is the outcome code delivered by asynchronous directory operations.
type Result int

const (
	// ResultSuccess reports that the operation completed.
	ResultSuccess Result = iota
	// ResultFailure reports that the operation failed; the callback reason
	// carries a human-readable explanation.
	ResultFailure
)

// Callback delivers the outcome of an asynchronous directory operation.
// reason is empty on success.
type Callback func(result Result, reason string)

// BundleCallback delivers the outcome of a bundle fetch. On success err is
// nil and bundles holds one entry per device the directory knows about;
// devices without a published identity are simply absent from the slice.
type BundleCallback func(bundles []PeerBundle, err error)

// PeerBundle is the published key material for one peer device, as returned
// by a directory fetch. OPk and OPkID are only meaningful when HasOPk is set;
// the directory hands each one-time prekey out at most once.
type PeerBundle struct {
	DeviceID     string
	IdentityKey  []byte
	SPk          []byte
	SPkID        uint32
	SPkSignature []byte
	OPk          []byte
	OPkID        uint32
	HasOPk       bool
}

// SignedPreKeyUpload is the public half of a signed prekey as published to
// the directory.
type SignedPreKeyUpload struct {
	ID        uint32
	Public    []byte
	Signature []byte
}

// OneTimePreKeyUpload is the public half of a one-time prekey as published
// to the directory.
type OneTimePreKeyUpload struct {
	ID     uint32
	Public []byte
}

// DirectoryClient is the key directory seen from a local device. All
// operations are asynchronous: they return immediately and deliver their
// outcome through the supplied callback, possibly from another goroutine.
// Implementations own retry policy; the engine reports each failure once
// and never retries on its own.
type DirectoryClient interface {
	// PublishIdentity registers (or re-registers) the device identity key.
	PublishIdentity(deviceID string, curve crypto.CurveID, identityKey []byte, cb Callback)

	// PublishKeys uploads a signed prekey and a batch of one-time prekeys.
	// Either part may be empty when only the other needs refreshing.
	PublishKeys(deviceID string, spk *SignedPreKeyUpload, opks []OneTimePreKeyUpload, cb Callback)

	// FetchBundles requests the current key bundles for a set of peer
	// devices in a single round trip.
	FetchBundles(deviceID string, peerDeviceIDs []string, cb BundleCallback)

	// DeleteIdentity removes the device and all its published keys.
	DeleteIdentity(deviceID string, cb Callback)
}
