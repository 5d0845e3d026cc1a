package ratchet

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ratchet/crypto"
	"github.com/opd-ai/ratchet/limits"
	"github.com/opd-ai/ratchet/session"
	"github.com/opd-ai/ratchet/storage"
	"github.com/opd-ai/ratchet/x3dh"
)

// Re-exported directory types so callers wiring a client only need this
// package.
type (
	// Result is the outcome code of asynchronous directory operations.
	Result = x3dh.Result
	// Callback delivers the outcome of an asynchronous directory operation.
	Callback = x3dh.Callback
	// DirectoryClient is the key directory a Device publishes to.
	DirectoryClient = x3dh.DirectoryClient
	// PeerBundle is a peer device's published key material.
	PeerBundle = x3dh.PeerBundle
)

const (
	// ResultSuccess reports that an operation completed.
	ResultSuccess = x3dh.ResultSuccess
	// ResultFailure reports that an operation failed.
	ResultFailure = x3dh.ResultFailure
)

// Options configures a local device engine.
type Options struct {
	// StoragePath is the SQLite database holding all device state.
	StoragePath string

	// Curve selects the cryptographic suite, fixed for the device lifetime.
	Curve crypto.CurveID

	// ServerURL is recorded with the device for the caller's own use when
	// wiring the directory client.
	ServerURL string

	// OPkInitialBatch is the number of one-time prekeys generated and
	// published at device creation.
	OPkInitialBatch int

	// OPkLowWater triggers replenishment during Update when fewer
	// one-time prekeys remain.
	OPkLowWater int

	// SPkRotationAge is how old the active signed prekey may grow before
	// Update rotates it.
	SPkRotationAge time.Duration

	// SPkRetention is how long stale signed prekeys are kept so in-flight
	// agreements against them can still complete.
	SPkRetention time.Duration
}

// DefaultOptions returns the standard configuration for a device stored at
// path.
func DefaultOptions(path string) Options {
	return Options{
		StoragePath:     path,
		Curve:           crypto.CurveX25519,
		OPkInitialBatch: limits.DefaultOneTimePreKeyBatch,
		OPkLowWater:     limits.DefaultOneTimePreKeyBatch / 2,
		SPkRotationAge:  7 * 24 * time.Hour,
		SPkRetention:    30 * 24 * time.Hour,
	}
}

// Device is the engine for one local device identity. It owns the storage
// handle, an in-memory cache of active sessions keyed by peer device id, and
// the single-slot bundle-fetch queue that serializes encryptions needing a
// network round trip.
//
// All methods are safe for concurrent use. Storage remains the source of
// truth; the session cache is write-through only.
type Device struct {
	mu    sync.Mutex
	opts  Options
	store *storage.Store
	user  *storage.UserRecord
	suite crypto.Suite

	client DirectoryClient

	cache map[string]*session.Session

	fetching bool
	queue    []*PendingEncrypt
}

// CreateDevice generates a new device identity under deviceID, stores it and
// publishes the identity key, the first signed prekey and the initial
// one-time prekey batch through client. Local failures return an error;
// the publication outcome arrives asynchronously through cb. Fails with
// ErrAlreadyExists when the identity is already stored.
func CreateDevice(opts Options, deviceID string, client DirectoryClient, cb Callback) (*Device, error) {
	suite, err := crypto.SuiteFor(opts.Curve)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(opts.StoragePath)
	if err != nil {
		return nil, err
	}

	identity, err := suite.GenerateSigning()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}
	user := &storage.UserRecord{
		UserID:          deviceID,
		Curve:           uint8(opts.Curve),
		ServerURL:       opts.ServerURL,
		IdentityPublic:  identity.Public,
		IdentityPrivate: identity.Private,
	}
	uid, err := store.CreateUser(user)
	if err != nil {
		store.Close()
		return nil, err
	}
	user.UID = uid

	spk, err := x3dh.GenerateSignedPreKey(store, user)
	if err != nil {
		store.Close()
		return nil, err
	}
	opks, err := x3dh.GenerateOneTimePreKeys(store, user, opts.OPkInitialBatch)
	if err != nil {
		store.Close()
		return nil, err
	}

	d := &Device{
		opts:   opts,
		store:  store,
		user:   user,
		suite:  suite,
		client: client,
		cache:  make(map[string]*session.Session),
	}

	client.PublishIdentity(deviceID, opts.Curve, user.IdentityPublic, func(result Result, reason string) {
		if result != ResultSuccess {
			cb(result, reason)
			return
		}
		client.PublishKeys(deviceID, spk, opks, cb)
	})

	logrus.WithFields(logrus.Fields{
		"function":  "CreateDevice",
		"package":   "ratchet",
		"device_id": deviceID,
		"curve":     opts.Curve,
	}).Info("Device created")
	return d, nil
}

// LoadDevice opens an existing device identity. Fails with ErrNotFound when
// no identity is stored under deviceID. Nothing is published.
func LoadDevice(opts Options, deviceID string, client DirectoryClient) (*Device, error) {
	store, err := storage.Open(opts.StoragePath)
	if err != nil {
		return nil, err
	}
	user, err := store.LoadUser(deviceID)
	if err != nil {
		store.Close()
		return nil, err
	}
	suite, err := crypto.SuiteFor(crypto.CurveID(user.Curve))
	if err != nil {
		store.Close()
		return nil, err
	}
	return &Device{
		opts:   opts,
		store:  store,
		user:   user,
		suite:  suite,
		client: client,
		cache:  make(map[string]*session.Session),
	}, nil
}

// DeviceID returns the stable identifier this device publishes under.
func (d *Device) DeviceID() string { return d.user.UserID }

// Delete removes the device identity locally, with everything cascading away
// under it, and asks the directory to forget it. The directory outcome
// arrives through cb. The device is unusable afterwards.
func (d *Device) Delete(cb Callback) error {
	d.mu.Lock()
	for id, s := range d.cache {
		s.Close()
		delete(d.cache, id)
	}
	err := d.store.DeleteUser(d.user.UserID)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.client.DeleteIdentity(d.user.UserID, cb)
	return nil
}

// Close wipes cached session key material and releases the storage handle.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, s := range d.cache {
		s.Close()
		delete(d.cache, id)
	}
	return d.store.Close()
}
