package ratchet

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/ratchet/crypto"
	"github.com/opd-ai/ratchet/protocol"
	"github.com/opd-ai/ratchet/x3dh"
)

// mockDirectory is an in-process key directory: registered devices answer
// bundle fetches straight from their own storage, each one-time prekey
// handed out at most once. Callbacks run synchronously unless delay is set.
type mockDirectory struct {
	mu         sync.Mutex
	devices    map[string]*Device
	served     map[string]map[uint32]struct{}
	fetchCount int32
	failFetch  bool
	delay      time.Duration
}

func newMockDirectory() *mockDirectory {
	return &mockDirectory{
		devices: make(map[string]*Device),
		served:  make(map[string]map[uint32]struct{}),
	}
}

func (m *mockDirectory) register(d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.DeviceID()] = d
	m.served[d.DeviceID()] = make(map[uint32]struct{})
}

func (m *mockDirectory) PublishIdentity(deviceID string, curve crypto.CurveID, identityKey []byte, cb Callback) {
	cb(ResultSuccess, "")
}

func (m *mockDirectory) PublishKeys(deviceID string, spk *x3dh.SignedPreKeyUpload, opks []x3dh.OneTimePreKeyUpload, cb Callback) {
	cb(ResultSuccess, "")
}

func (m *mockDirectory) FetchBundles(deviceID string, peerDeviceIDs []string, cb x3dh.BundleCallback) {
	atomic.AddInt32(&m.fetchCount, 1)
	deliver := func() {
		m.mu.Lock()
		if m.failFetch {
			m.mu.Unlock()
			cb(nil, assert.AnError)
			return
		}
		var bundles []x3dh.PeerBundle
		for _, peer := range peerDeviceIDs {
			d, ok := m.devices[peer]
			if !ok {
				continue
			}
			b, err := x3dh.ServerBundleFor(d.store, d.user, m.served[peer])
			if err != nil {
				continue
			}
			bundles = append(bundles, *b)
		}
		m.mu.Unlock()
		cb(bundles, nil)
	}
	if m.delay > 0 {
		go func() {
			time.Sleep(m.delay)
			deliver()
		}()
		return
	}
	deliver()
}

func (m *mockDirectory) DeleteIdentity(deviceID string, cb Callback) {
	m.mu.Lock()
	delete(m.devices, deviceID)
	m.mu.Unlock()
	cb(ResultSuccess, "")
}

func (m *mockDirectory) fetches() int {
	return int(atomic.LoadInt32(&m.fetchCount))
}

func testDevice(t *testing.T, dir *mockDirectory, deviceID string) *Device {
	t.Helper()
	opts := DefaultOptions(":memory:")
	opts.OPkInitialBatch = 4
	opts.OPkLowWater = 2

	var published Result
	d, err := CreateDevice(opts, deviceID, dir, func(result Result, reason string) {
		published = result
	})
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, published)
	t.Cleanup(func() { d.Close() })
	dir.register(d)
	return d
}

func TestHelloScenario(t *testing.T) {
	dir := newMockDirectory()
	alice := testDevice(t, dir, "alice")
	bob := testDevice(t, dir, "bob")

	recipients := []*RecipientData{{DeviceID: "bob"}}
	body, err := alice.Encrypt("bob", recipients, []byte("hello bob")).Wait()
	require.NoError(t, err)
	require.Equal(t, RecipientDone, recipients[0].Status)
	require.NotEmpty(t, recipients[0].DRMessage)
	assert.Equal(t, 1, dir.fetches(), "the first message needs one bundle fetch")

	plaintext, err := bob.Decrypt("alice", "bob", recipients[0].DRMessage, body)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello bob"), plaintext)

	// The reply reuses the freshly bootstrapped session, no fetch needed.
	reply := []*RecipientData{{DeviceID: "alice"}}
	replyBody, err := bob.Encrypt("alice", reply, []byte("hello alice")).Wait()
	require.NoError(t, err)
	assert.Equal(t, 1, dir.fetches())

	plaintext, err = alice.Decrypt("bob", "alice", reply[0].DRMessage, replyBody)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello alice"), plaintext)

	// Steady-state chatter in both directions.
	for i := 0; i < 3; i++ {
		r := []*RecipientData{{DeviceID: "bob"}}
		body, err := alice.Encrypt("bob", r, []byte("ping")).Wait()
		require.NoError(t, err)
		out, err := bob.Decrypt("alice", "bob", r[0].DRMessage, body)
		require.NoError(t, err)
		assert.Equal(t, []byte("ping"), out)
	}
	assert.Equal(t, 1, dir.fetches())
}

func TestMultiDeviceFanOut(t *testing.T) {
	dir := newMockDirectory()
	alice := testDevice(t, dir, "alice")
	phone := testDevice(t, dir, "bob-phone")
	laptop := testDevice(t, dir, "bob-laptop")

	recipients := []*RecipientData{
		{DeviceID: "bob-phone"},
		{DeviceID: "bob-laptop"},
	}
	body, err := alice.Encrypt("bob", recipients, []byte("fan out")).Wait()
	require.NoError(t, err)
	assert.Equal(t, 1, dir.fetches(), "one combined fetch covers all missing devices")

	for i, d := range []*Device{phone, laptop} {
		require.Equal(t, RecipientDone, recipients[i].Status)
		out, err := d.Decrypt("alice", "bob", recipients[i].DRMessage, body)
		require.NoError(t, err, "device %s", recipients[i].DeviceID)
		assert.Equal(t, []byte("fan out"), out)
	}

	// The two ratchet messages wrap the same body but are not
	// interchangeable between devices.
	_, err = phone.Decrypt("alice", "bob", recipients[1].DRMessage, body)
	assert.Error(t, err)
}

func TestConcurrentEncryptsSingleFetch(t *testing.T) {
	dir := newMockDirectory()
	dir.delay = 20 * time.Millisecond
	alice := testDevice(t, dir, "alice")
	bob := testDevice(t, dir, "bob")
	_ = bob

	const writers = 8
	pending := make([]*PendingEncrypt, writers)
	recipients := make([][]*RecipientData, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recipients[i] = []*RecipientData{{DeviceID: "bob"}}
			pending[i] = alice.Encrypt("bob", recipients[i], []byte("concurrent"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < writers; i++ {
		_, err := pending[i].Wait()
		require.NoError(t, err, "writer %d", i)
		assert.Equal(t, RecipientDone, recipients[i][0].Status)
	}
	assert.Equal(t, 1, dir.fetches(), "concurrent encrypts must share one bundle fetch")
}

func TestEncryptUnknownDeviceFails(t *testing.T) {
	dir := newMockDirectory()
	alice := testDevice(t, dir, "alice")

	recipients := []*RecipientData{{DeviceID: "nobody"}}
	_, err := alice.Encrypt("bob", recipients, []byte("hello")).Wait()
	assert.Error(t, err)
	assert.Equal(t, RecipientFailed, recipients[0].Status)
}

func TestEncryptFetchFailure(t *testing.T) {
	dir := newMockDirectory()
	alice := testDevice(t, dir, "alice")
	testDevice(t, dir, "bob")
	dir.failFetch = true

	recipients := []*RecipientData{{DeviceID: "bob"}}
	_, err := alice.Encrypt("bob", recipients, []byte("hello")).Wait()
	assert.ErrorIs(t, err, protocol.ErrServerFailure)
}

func TestEncryptValidatesPlaintext(t *testing.T) {
	dir := newMockDirectory()
	alice := testDevice(t, dir, "alice")

	_, err := alice.Encrypt("bob", []*RecipientData{{DeviceID: "bob"}}, nil).Wait()
	assert.Error(t, err)

	_, err = alice.Encrypt("bob", nil, []byte("hello")).Wait()
	assert.Error(t, err)
}

func TestDecryptRejectsTampering(t *testing.T) {
	dir := newMockDirectory()
	alice := testDevice(t, dir, "alice")
	bob := testDevice(t, dir, "bob")

	first := []*RecipientData{{DeviceID: "bob"}}
	body, err := alice.Encrypt("bob", first, []byte("establish")).Wait()
	require.NoError(t, err)
	_, err = bob.Decrypt("alice", "bob", first[0].DRMessage, body)
	require.NoError(t, err)

	second := []*RecipientData{{DeviceID: "bob"}}
	body, err = alice.Encrypt("bob", second, []byte("payload")).Wait()
	require.NoError(t, err)

	// A tampered ratchet message authenticates nowhere; the untouched
	// original still decrypts afterwards.
	tamperedDR := append([]byte(nil), second[0].DRMessage...)
	tamperedDR[len(tamperedDR)-1] ^= 0x01
	_, err = bob.Decrypt("alice", "bob", tamperedDR, body)
	assert.ErrorIs(t, err, crypto.ErrAuthenticationFailed)

	out, err := bob.Decrypt("alice", "bob", second[0].DRMessage, body)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), out)

	// A tampered body fails even though the ratchet message is genuine.
	// That consumes the wrapped key, so the message cannot be replayed.
	third := []*RecipientData{{DeviceID: "bob"}}
	body, err = alice.Encrypt("bob", third, []byte("payload")).Wait()
	require.NoError(t, err)
	tamperedBody := append([]byte(nil), body...)
	tamperedBody[len(tamperedBody)-1] ^= 0x01
	_, err = bob.Decrypt("alice", "bob", third[0].DRMessage, tamperedBody)
	assert.ErrorIs(t, err, crypto.ErrAuthenticationFailed)
	_, err = bob.Decrypt("alice", "bob", third[0].DRMessage, body)
	assert.ErrorIs(t, err, crypto.ErrAuthenticationFailed)
}

func TestLoadDeviceRoundTrip(t *testing.T) {
	dir := newMockDirectory()
	opts := DefaultOptions(t.TempDir() + "/device.db")
	opts.OPkInitialBatch = 2

	created, err := CreateDevice(opts, "alice", dir, func(Result, string) {})
	require.NoError(t, err)
	require.NoError(t, created.Close())

	loaded, err := LoadDevice(opts, "alice", dir)
	require.NoError(t, err)
	defer loaded.Close()
	assert.Equal(t, "alice", loaded.DeviceID())

	_, err = LoadDevice(DefaultOptions(":memory:"), "ghost", dir)
	assert.ErrorIs(t, err, protocol.ErrNotFound)
}

func TestCreateDeviceTwiceFails(t *testing.T) {
	dir := newMockDirectory()
	opts := DefaultOptions(t.TempDir() + "/device.db")
	opts.OPkInitialBatch = 2

	d, err := CreateDevice(opts, "alice", dir, func(Result, string) {})
	require.NoError(t, err)
	defer d.Close()

	_, err = CreateDevice(opts, "alice", dir, func(Result, string) {})
	assert.ErrorIs(t, err, protocol.ErrAlreadyExists)
}

func TestUpdateReplenishesOneTimePreKeys(t *testing.T) {
	dir := newMockDirectory()
	alice := testDevice(t, dir, "alice")

	// Nothing to do yet: fresh prekeys, full pool.
	var result Result
	require.NoError(t, alice.Update(func(r Result, reason string) { result = r }))
	assert.Equal(t, ResultSuccess, result)

	count, err := alice.store.OneTimePreKeyCount(alice.user.UID)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	// Drain below the low-water mark, then Update refills to the batch.
	for i := 0; i < 3; i++ {
		keys, err := alice.store.ListOneTimePreKeys(alice.user.UID)
		require.NoError(t, err)
		_, err = alice.store.ConsumeOneTimePreKey(alice.user.UID, keys[0].ID)
		require.NoError(t, err)
	}
	require.NoError(t, alice.Update(func(r Result, reason string) { result = r }))
	assert.Equal(t, ResultSuccess, result)

	count, err = alice.store.OneTimePreKeyCount(alice.user.UID)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestDeleteDevice(t *testing.T) {
	dir := newMockDirectory()
	alice := testDevice(t, dir, "alice")

	var result Result
	require.NoError(t, alice.Delete(func(r Result, reason string) { result = r }))
	assert.Equal(t, ResultSuccess, result)

	_, err := alice.store.LoadUser("alice")
	assert.ErrorIs(t, err, protocol.ErrNotFound)
}
