// Package devices maintains the tracked-user/device set and the
// device-keys query pipeline that keeps it current.
package devices

import (
	"encoding/base64"
	"fmt"

	"github.com/quotient-go/e2ee-core/crypto"
	"github.com/quotient-go/e2ee-core/errs"
	"github.com/quotient-go/e2ee-core/logging"
	"github.com/quotient-go/e2ee-core/store"
)

// supportedAlgorithms is the set of encryption algorithms a
// device-keys record must advertise exactly within.
var supportedAlgorithms = map[string]bool{
	"m.olm.v1.curve25519-aes-sha2": true,
	"m.megolm.v1.aes-sha2":         true,
}

// DeviceKeysResponse is the shape of one user's entry in a device-keys
// query response: device id -> raw device-keys object (still containing
// its own signatures, for self-signature verification).
type DeviceKeysResponse map[string]RawDeviceKeys

// RawDeviceKeys mirrors account.DeviceKeys's wire shape; kept distinct
// here since this package only ever reads (never signs) one.
type RawDeviceKeys struct {
	UserID     string                        `json:"user_id"`
	DeviceID   string                        `json:"device_id"`
	Algorithms []string                      `json:"algorithms"`
	Keys       map[string]string             `json:"keys"`
	Signatures map[string]map[string]string  `json:"signatures"`
	Unsigned   map[string]interface{}        `json:"unsigned,omitempty"`
}

// RawCrossSigningKey mirrors a /keys/query response's master_keys or
// self_signing_keys entry: a single Ed25519 key under an opaque
// "ed25519:<pub>" key id.
type RawCrossSigningKey struct {
	UserID string            `json:"user_id"`
	Usage  []string          `json:"usage"`
	Keys   map[string]string `json:"keys"`
}

// FirstKey returns the (only) key value in Keys, used since a
// cross-signing key block always contains exactly one entry.
func (k RawCrossSigningKey) FirstKey() string {
	for _, v := range k.Keys {
		return v
	}
	return ""
}

// Tracker owns the tracked-user set and the outstanding device-keys
// query lifecycle. It is a thin orchestration layer over store's
// tables; all persistence happens there.
type Tracker struct {
	store *store.Store
	log   logging.Logger

	// encryptionUpdateRequired coalesces multiple "refresh required"
	// nudges (a changed user, or a buffered to-device event whose
	// sender key is unknown) into a single device-keys query per
	// sync.
	encryptionUpdateRequired bool
}

// New constructs a Tracker over an already-open store.
func New(s *store.Store, log logging.Logger) *Tracker {
	if log == nil {
		log = logging.Nop{}
	}
	return &Tracker{store: s, log: log}
}

// HandleDeviceListChanged processes one "changed" entry from a sync
// response's device_lists: only tracked users are marked outdated,
// and the guard is set so a refresh is queued.
func (t *Tracker) HandleDeviceListChanged(userID string) error {
	tracked, err := t.isTracked(userID)
	if err != nil {
		return err
	}
	if !tracked {
		return nil
	}
	if err := t.store.MarkUserOutdated(userID); err != nil {
		return err
	}
	t.encryptionUpdateRequired = true
	return nil
}

// HandleDeviceListLeft processes one "left" entry: the user and its
// device records are forgotten entirely.
func (t *Tracker) HandleDeviceListLeft(userID string) error {
	return t.store.ForgetUser(userID)
}

func (t *Tracker) isTracked(userID string) (bool, error) {
	ids, err := t.store.TrackedUsers()
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

// Track begins tracking userID (e.g. on first encountering them as a
// room member).
func (t *Tracker) Track(userID string) error {
	return t.store.AddTrackedUser(userID)
}

// NeedsQuery reports whether a device-keys query should be issued this
// sync: an outdated user exists, or the coalescing guard was set.
func (t *Tracker) NeedsQuery() (bool, error) {
	if t.encryptionUpdateRequired {
		return true, nil
	}
	outdated, err := t.store.OutdatedUsers()
	if err != nil {
		return false, err
	}
	return len(outdated) > 0, nil
}

// OutdatedUsers returns the users a device-keys query should be issued
// for.
func (t *Tracker) OutdatedUsers() ([]string, error) {
	return t.store.OutdatedUsers()
}

// ApplyQueryResponse validates and persists a device-keys query
// response. Devices failing validation are skipped (and logged)
// rather than aborting the whole response; the
// queried user is always cleared from outdated_users once processing
// finishes, since a query response is authoritative for that user
// regardless of how many of its devices were rejected.
func (t *Tracker) ApplyQueryResponse(userID string, devices DeviceKeysResponse) error {
	for deviceID, raw := range devices {
		if err := t.applyOneDevice(userID, deviceID, raw); err != nil {
			t.log.Warn(fmt.Sprintf("device_keys query: rejecting %s/%s: %v", userID, deviceID, err))
			continue
		}
	}
	t.encryptionUpdateRequired = false
	return t.store.ClearUserOutdated(userID)
}

func (t *Tracker) applyOneDevice(userID, deviceID string, raw RawDeviceKeys) error {
	if raw.UserID != userID {
		return errs.New(errs.UserIDMismatch, nil)
	}
	if raw.DeviceID != deviceID {
		return errs.New(errs.UserIDMismatch, nil)
	}
	for _, alg := range raw.Algorithms {
		if !supportedAlgorithms[alg] {
			return errs.New(errs.UnsupportedAlgo, nil)
		}
	}

	curveKeyID := "curve25519:" + deviceID
	edKeyID := "ed25519:" + deviceID
	curveKeyB64, ok := raw.Keys[curveKeyID]
	if !ok {
		return errs.New(errs.SignatureMismatch, nil)
	}
	edKeyB64, ok := raw.Keys[edKeyID]
	if !ok {
		return errs.New(errs.SignatureMismatch, nil)
	}

	sig, ok := raw.Signatures[userID][edKeyID]
	if !ok {
		return errs.New(errs.SignatureMismatch, nil)
	}
	edKey, err := base64.RawStdEncoding.DecodeString(edKeyB64)
	if err != nil {
		return errs.New(errs.SignatureMismatch, err)
	}
	sigBytes, err := base64.RawStdEncoding.DecodeString(sig)
	if err != nil {
		return errs.New(errs.SignatureMismatch, err)
	}
	canon, err := canonicalDeviceKeys(raw)
	if err != nil {
		return err
	}
	if err := crypto.VerifyEd25519(edKey, canon, sigBytes); err != nil {
		return err
	}

	return t.store.PutDevice(store.TrackedDeviceRow{
		UserID:     userID,
		DeviceID:   deviceID,
		CurveKeyID: curveKeyID,
		CurveKey:   curveKeyB64,
		EdKeyID:    edKeyID,
		EdKey:      edKeyB64,
	})
}

// canonicalDeviceKeys marshals raw without its signatures/unsigned
// fields, matching the object the device signed.
func canonicalDeviceKeys(raw RawDeviceKeys) ([]byte, error) {
	return crypto.CanonicalJSON(struct {
		UserID     string            `json:"user_id"`
		DeviceID   string            `json:"device_id"`
		Algorithms []string          `json:"algorithms"`
		Keys       map[string]string `json:"keys"`
	}{raw.UserID, raw.DeviceID, raw.Algorithms, raw.Keys})
}

// DeviceByCurveKey resolves a to-device event's sender_key to its
// tracked Ed25519 identity, used to validate a decrypted Olm
// payload's keys.ed25519 field.
func (t *Tracker) DeviceByCurveKey(curveKey string) (store.TrackedDeviceRow, error) {
	return t.store.DeviceByCurveKey(curveKey)
}

// MarkSenderOutdated records an unresolvable sender key: the sender's
// user is marked outdated and the coalescing guard set so the next
// sync queries for it.
func (t *Tracker) MarkSenderOutdated(userID string) error {
	if err := t.store.MarkUserOutdated(userID); err != nil {
		return err
	}
	t.encryptionUpdateRequired = true
	return nil
}

// SetDeviceVerified records SAS verification success for the device
// owning edKeyID.
func (t *Tracker) SetDeviceVerified(userID, edKeyID string) error {
	return t.store.SetDeviceVerified(userID, edKeyID)
}

// ApplyCrossSigningKeys ingests the cross-signing key block a
// /keys/query response embeds alongside device keys. masterKey is the
// raw base64 Ed25519 key bytes (already extracted from its signed
// master_key object by the caller); selfSigningKey may be empty if the
// response omitted it for this user.
func (t *Tracker) ApplyCrossSigningKeys(userID, masterKey, selfSigningKey string) error {
	if masterKey == "" {
		return nil
	}
	if err := t.store.PutMasterKey(userID, masterKey); err != nil {
		return err
	}
	if selfSigningKey == "" {
		return nil
	}
	return t.store.PutSelfSigningKey(userID, selfSigningKey)
}

// MarkUserCrossSigned marks the tracked device deviceID of userID as
// self-verified (only that device), used once that user's
// self-signing key has cross-signed the device. Verifying the cross-signature itself is
// the caller's responsibility (crypto.VerifyEd25519 against the
// stored self-signing key); this only records the outcome.
func (t *Tracker) MarkUserCrossSigned(userID, deviceID string) error {
	return t.store.SetDeviceSelfVerified(userID, deviceID)
}
