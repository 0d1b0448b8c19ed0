// Package transport declares the external collaborator interfaces the
// E2EE core consumes. The HTTP transport, job scheduling, and
// retry/backoff policy live behind these interfaces; the core only
// ever holds a Client and a CredentialStore.
package transport

import "context"

// DeviceLists is the device_lists block of a sync response.
type DeviceLists struct {
	Changed []string `json:"changed,omitempty"`
	Left    []string `json:"left,omitempty"`
}

// ToDeviceEvent is one entry of a sync response's to_device.events.
type ToDeviceEvent struct {
	Type    string                 `json:"type"`
	Sender  string                 `json:"sender"`
	Content map[string]interface{} `json:"content"`
}

// RoomData carries the per-room portion of a sync response that the
// E2EE core cares about: the encryption state event (if any) and the
// raw timeline events, left as dynamic JSON so unknown fields survive
// untouched.
type RoomData struct {
	RoomID          string
	Encryption      *RoomEncryptionSettings
	TimelineEvents  []map[string]interface{}
}

// RoomEncryptionSettings is the m.room.encryption state event content
// relevant to Megolm rotation.
type RoomEncryptionSettings struct {
	Algorithm         string `json:"algorithm"`
	RotationPeriodMs  int64  `json:"rotation_period_ms"`
	RotationPeriodMsg int    `json:"rotation_period_msgs"`
}

// Rotation defaults used when a room's m.room.encryption event omits
// them: 7 days or 100 messages.
const (
	DefaultRotationPeriodMs   int64 = 7 * 24 * 60 * 60 * 1000
	DefaultRotationPeriodMsgs int   = 100
)

// SyncResponse is the subset of a /sync response the E2EE core acts
// on.
type SyncResponse struct {
	NextBatch              string
	DeviceOneTimeKeysCount map[string]int
	DeviceLists            DeviceLists
	ToDevice               []ToDeviceEvent
	Rooms                  []RoomData
}

// KeysUploadResult is upload_keys's response shape.
type KeysUploadResult struct {
	OneTimeKeyCounts map[string]int
}

// DeviceKeysQueryResult maps user id -> device id -> raw device-keys
// object, exactly the shape devices.DeviceKeysResponse expects.
type DeviceKeysQueryResult map[string]map[string]interface{}

// ClaimedOneTimeKey is one entry of a claim_keys response. ID is the
// key id the remote device published it under (e.g. "AAAAAQ", the part
// after "signed_curve25519:"), which must be echoed back as an Olm
// PreKey message's one_time_key_id so that device can find the matching
// private half in its own pool.
type ClaimedOneTimeKey struct {
	ID         string
	Key        string
	Signatures map[string]map[string]string
}

// ClaimKeysResult maps user id -> device id -> claimed one-time key.
type ClaimKeysResult map[string]map[string]ClaimedOneTimeKey

// Client is the abstract transport capability the core depends on.
// Implementations own HTTP transport, retries, and request
// scheduling; the core treats Sync as infinitely retryable and every
// other call as fail-fast.
type Client interface {
	Sync(ctx context.Context, since string, timeoutMs int) (*SyncResponse, error)
	UploadKeys(ctx context.Context, deviceKeys map[string]interface{}, oneTimeKeys map[string]interface{}) (*KeysUploadResult, error)
	QueryKeys(ctx context.Context, users map[string][]string) (DeviceKeysQueryResult, error)
	ClaimKeys(ctx context.Context, request map[string]map[string]string) (ClaimKeysResult, error)
	SendToDevice(ctx context.Context, eventType, txnID string, messages map[string]map[string]interface{}) error
	SendMessage(ctx context.Context, roomID, eventType, txnID string, content interface{}) (string, error)
}

// CredentialStore is the OS credential-store capability backing the
// pickling-key and access-token entries.
type CredentialStore interface {
	Read(key string) ([]byte, error)
	Write(key string, data []byte) error
	Delete(key string) error
}
