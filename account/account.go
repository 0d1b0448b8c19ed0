// Package account implements the long-term per-device identity: the
// Ed25519 signing key, the Curve25519 identity key, and the
// one-time-key pool.
package account

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/quotient-go/e2ee-core/crypto"
)

// OneTimeKey is a single Curve25519 key pair in the account's pool,
// addressed by an opaque id.
type OneTimeKey struct {
	ID   string
	Priv []byte
	Pub  []byte
}

// Account owns the long-term Ed25519 signing key and Curve25519 identity
// key, plus a pool of one-time keys. Construction of Olm sessions from an
// Account's keys lives in package olm (olm.NewOutboundSession /
// olm.NewInboundSession) rather than as Account methods, so that
// account carries no dependency on the olm package.
type Account struct {
	mu sync.Mutex

	Ed25519Pub  ed25519.PublicKey
	ed25519Priv ed25519.PrivateKey
	Curve25519Pub  []byte
	curve25519Priv []byte

	oneTimeKeys    map[string]*OneTimeKey
	publishedCount int
	nextOTKID      int64

	needsSave bool
}

// Create generates a fresh account: an Ed25519 signing pair, a Curve25519
// identity pair, and an empty one-time-key pool. Signals "needs save".
func Create() (*Account, error) {
	edPub, edPriv, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	curvePriv, err := crypto.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	curvePub, err := crypto.PublicFromPrivate(curvePriv)
	if err != nil {
		return nil, err
	}
	return &Account{
		Ed25519Pub:     edPub,
		ed25519Priv:    edPriv,
		Curve25519Pub:  curvePub,
		curve25519Priv: curvePriv,
		oneTimeKeys:    map[string]*OneTimeKey{},
		needsSave:      true,
	}, nil
}

// NeedsSave reports and clears the "needs save" signal: a one-way
// signal read by the orchestrator rather than a back-pointer callback.
func (a *Account) NeedsSave() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := a.needsSave
	a.needsSave = false
	return v
}

func (a *Account) markDirty() { a.needsSave = true }

// IdentityKeys returns the base64-unpadded identity key pair.
func (a *Account) IdentityKeys() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]string{
		"curve25519": base64.RawStdEncoding.EncodeToString(a.Curve25519Pub),
		"ed25519":    base64.RawStdEncoding.EncodeToString(a.Ed25519Pub),
	}
}

// CurveIdentityPrivate returns the private Curve25519 identity key. Used
// by package olm to perform the DH steps of a new session; not persisted
// outside of Pickle.
func (a *Account) CurveIdentityPrivate() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.curve25519Priv
}

// Sign signs data (or canonical JSON bytes) and returns a base64 Ed25519
// signature.
func (a *Account) Sign(data []byte) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	sig := crypto.SignEd25519(a.ed25519Priv, data)
	return base64.RawStdEncoding.EncodeToString(sig)
}

// DeviceKeys is the signable device-keys object uploaded to the
// homeserver.
type DeviceKeys struct {
	UserID     string              `json:"user_id"`
	DeviceID   string              `json:"device_id"`
	Algorithms []string            `json:"algorithms"`
	Keys       map[string]string   `json:"keys"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// SignIdentityKeys builds and signs the device-keys object, binding the
// user and device id into the signed payload.
func (a *Account) SignIdentityKeys(userID, deviceID string) (*DeviceKeys, error) {
	ids := a.IdentityKeys()
	dk := &DeviceKeys{
		UserID:     userID,
		DeviceID:   deviceID,
		Algorithms: []string{"m.olm.v1.curve25519-aes-sha2", "m.megolm.v1.aes-sha2"},
		Keys: map[string]string{
			fmt.Sprintf("curve25519:%s", deviceID): ids["curve25519"],
			fmt.Sprintf("ed25519:%s", deviceID):    ids["ed25519"],
		},
	}
	canon, err := crypto.CanonicalJSON(dk)
	if err != nil {
		return nil, err
	}
	sig := a.Sign(canon)
	dk.Signatures = map[string]map[string]string{
		userID: {fmt.Sprintf("ed25519:%s", deviceID): sig},
	}
	return dk, nil
}

// MaxOneTimeKeysDefault is the maximum number of one-time keys an
// account will hold at once; machine's replenishment thresholds are
// fractions of it.
const MaxOneTimeKeysDefault = 100

// MaxOneTimeKeys returns the pool capacity.
func (a *Account) MaxOneTimeKeys() int { return MaxOneTimeKeysDefault }

// GenerateOneTimeKeys adds n fresh one-time keys to the pool.
func (a *Account) GenerateOneTimeKeys(n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < n; i++ {
		priv, err := crypto.RandomBytes(32)
		if err != nil {
			return err
		}
		pub, err := crypto.PublicFromPrivate(priv)
		if err != nil {
			return err
		}
		id := fmt.Sprintf("%d", atomic.AddInt64(&a.nextOTKID, 1))
		a.oneTimeKeys[id] = &OneTimeKey{ID: id, Priv: priv, Pub: pub}
	}
	a.markDirty()
	return nil
}

// OneTimeKeys returns the unsigned pool, keyed "curve25519:<id>" -> base64.
func (a *Account) OneTimeKeys() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := map[string]string{}
	for id, k := range a.oneTimeKeys {
		out[fmt.Sprintf("curve25519:%s", id)] = base64.RawStdEncoding.EncodeToString(k.Pub)
	}
	return out
}

// SignedOneTimeKey is the record published under "signed_curve25519:<id>".
type SignedOneTimeKey struct {
	Key        string                        `json:"key"`
	Signatures map[string]map[string]string `json:"signatures"`
}

// SignOneTimeKeys signs every one-time key currently in the pool for
// publication, keyed "signed_curve25519:<id>".
func (a *Account) SignOneTimeKeys(userID, deviceID string) (map[string]SignedOneTimeKey, error) {
	a.mu.Lock()
	keys := make([]*OneTimeKey, 0, len(a.oneTimeKeys))
	for _, k := range a.oneTimeKeys {
		keys = append(keys, k)
	}
	a.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })

	out := map[string]SignedOneTimeKey{}
	for _, k := range keys {
		unsigned := map[string]string{"key": base64.RawStdEncoding.EncodeToString(k.Pub)}
		canon, err := crypto.CanonicalJSON(unsigned)
		if err != nil {
			return nil, err
		}
		sig := a.Sign(canon)
		out[fmt.Sprintf("signed_curve25519:%s", k.ID)] = SignedOneTimeKey{
			Key: unsigned["key"],
			Signatures: map[string]map[string]string{
				userID: {fmt.Sprintf("ed25519:%s", deviceID): sig},
			},
		}
	}
	return out, nil
}

// TakeOneTimeKey removes and returns the one-time key with the given id,
// for consumption when creating an inbound session from a PreKey message.
func (a *Account) TakeOneTimeKey(id string) (*OneTimeKey, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	k, ok := a.oneTimeKeys[id]
	if ok {
		delete(a.oneTimeKeys, id)
		a.markDirty()
	}
	return k, ok
}

// FindOneTimeKeyByPublic looks up the one-time key matching a public key,
// used when an inbound PreKey message names the one-time key by value.
func (a *Account) FindOneTimeKeyByPublic(pub []byte) (*OneTimeKey, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range a.oneTimeKeys {
		if string(k.Pub) == string(pub) {
			return k, true
		}
	}
	return nil, false
}

// MarkKeysAsPublished records that the currently generated one-time keys
// have been uploaded. Signals "needs save".
func (a *Account) MarkKeysAsPublished() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.publishedCount = len(a.oneTimeKeys)
	a.needsSave = true
}

// PublishedOneTimeKeyCount returns the last published pool size, used by
// machine's replenishment threshold math.
func (a *Account) PublishedOneTimeKeyCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.publishedCount
}

// pickled is the JSON shape Account.Pickle/Unpickle serialise via
// crypto.PickleJSON/UnpickleJSON.
type pickled struct {
	Ed25519Priv    []byte                 `json:"ed25519_priv"`
	Ed25519Pub     []byte                 `json:"ed25519_pub"`
	Curve25519Priv []byte                 `json:"curve25519_priv"`
	Curve25519Pub  []byte                 `json:"curve25519_pub"`
	OneTimeKeys    map[string]*OneTimeKey `json:"one_time_keys"`
	NextOTKID      int64                  `json:"next_otk_id"`
	PublishedCount int                    `json:"published_count"`
}

// Pickle serialises the account into an opaque byte string via
// crypto.PickleJSON, which uses picklingKey[:32] as the AES key and
// picklingKey[32:64] as the HMAC key; a pickling key shorter than 64
// bytes is rejected.
func (a *Account) Pickle(picklingKey []byte) ([]byte, error) {
	a.mu.Lock()
	p := pickled{
		Ed25519Priv:    a.ed25519Priv,
		Ed25519Pub:     a.Ed25519Pub,
		Curve25519Priv: a.curve25519Priv,
		Curve25519Pub:  a.Curve25519Pub,
		OneTimeKeys:    a.oneTimeKeys,
		NextOTKID:      a.nextOTKID,
		PublishedCount: a.publishedCount,
	}
	a.mu.Unlock()
	return crypto.PickleJSON(&p, picklingKey)
}

// Unpickle restores an account from an opaque pickle. Failure returns
// errs.CorruptedPickle and does not partially populate a.
func Unpickle(data, picklingKey []byte) (*Account, error) {
	var p pickled
	if err := crypto.UnpickleJSON(data, picklingKey, &p); err != nil {
		return nil, err
	}
	return &Account{
		Ed25519Pub:     p.Ed25519Pub,
		ed25519Priv:    p.Ed25519Priv,
		Curve25519Pub:  p.Curve25519Pub,
		curve25519Priv: p.Curve25519Priv,
		oneTimeKeys:    p.OneTimeKeys,
		nextOTKID:      p.NextOTKID,
		publishedCount: p.PublishedCount,
	}, nil
}

