// Package machine is the session orchestrator: it drives sync
// responses through one-time-key replenishment, device-list refresh,
// to-device decryption, outbound/inbound Megolm room-key handling, and
// SAS verification dispatch.
package machine

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quotient-go/e2ee-core/account"
	"github.com/quotient-go/e2ee-core/crypto"
	"github.com/quotient-go/e2ee-core/devices"
	"github.com/quotient-go/e2ee-core/errs"
	"github.com/quotient-go/e2ee-core/logging"
	"github.com/quotient-go/e2ee-core/metrics"
	"github.com/quotient-go/e2ee-core/olm"
	"github.com/quotient-go/e2ee-core/store"
	"github.com/quotient-go/e2ee-core/transport"
	"github.com/quotient-go/e2ee-core/verification"
)

// One-time-key replenishment thresholds: refill once the published
// count drops below 40% of capacity, topping back up to 50%.
const (
	oneTimeKeyLowWaterFraction = 0.4
	oneTimeKeyTargetFraction   = 0.5
)

// The only two message algorithms this module negotiates.
const (
	olmAlgorithm    = "m.olm.v1.curve25519-aes-sha2"
	megolmAlgorithm = "m.megolm.v1.aes-sha2"
)

// Machine orchestrates the E2EE state for one (user, device) pair.
// Every exported method is meant to be called from one logical task;
// network requests are the only suspension points.
type Machine struct {
	mu sync.Mutex

	UserID   string
	DeviceID string
	NextBatch string

	account     *account.Account
	store       *store.Store
	tracker     *devices.Tracker
	transport   transport.Client
	log         logging.Logger
	picklingKey []byte

	uploadingKeys bool

	roomEncryption map[string]*transport.RoomEncryptionSettings

	pendingEncrypted []transport.ToDeviceEvent

	verifications map[string]*verification.Session
}

// New wires a Machine over an already-open account and store.
func New(userID, deviceID string, acct *account.Account, st *store.Store, tr transport.Client, picklingKey []byte, log logging.Logger) *Machine {
	if log == nil {
		log = logging.Nop{}
	}
	return &Machine{
		UserID:         userID,
		DeviceID:       deviceID,
		account:        acct,
		store:          st,
		tracker:        devices.New(st, log),
		transport:      tr,
		log:            log,
		picklingKey:    picklingKey,
		roomEncryption: map[string]*transport.RoomEncryptionSettings{},
		verifications:  map[string]*verification.Session{},
	}
}

// Bootstrap sets up a brand-new device: it creates a fresh account,
// signs and uploads its device keys, and tops up one-time keys to
// half the account's capacity. Callers that already loaded an account
// from the store should skip this.
func Bootstrap(ctx context.Context, userID, deviceID string, st *store.Store, tr transport.Client, picklingKey []byte, log logging.Logger) (*Machine, error) {
	acct, err := account.Create()
	if err != nil {
		return nil, err
	}
	m := New(userID, deviceID, acct, st, tr, picklingKey, log)
	if err := m.uploadDeviceKeys(ctx); err != nil {
		return nil, err
	}
	target := acct.MaxOneTimeKeys() / 2
	if err := acct.GenerateOneTimeKeys(target); err != nil {
		return nil, err
	}
	if err := m.uploadOneTimeKeys(ctx); err != nil {
		return nil, err
	}
	if err := m.saveAccountIfDirty(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Machine) saveAccountIfDirty() error {
	if !m.account.NeedsSave() {
		return nil
	}
	pickle, err := m.account.Pickle(m.picklingKey)
	if err != nil {
		return err
	}
	return m.store.SaveAccountPickle(pickle)
}

func (m *Machine) uploadDeviceKeys(ctx context.Context) error {
	dk, err := m.account.SignIdentityKeys(m.UserID, m.DeviceID)
	if err != nil {
		return err
	}
	deviceKeys, err := toMap(dk)
	if err != nil {
		return err
	}
	_, err = m.transport.UploadKeys(ctx, deviceKeys, nil)
	return err
}

func (m *Machine) uploadOneTimeKeys(ctx context.Context) error {
	m.mu.Lock()
	if m.uploadingKeys {
		m.mu.Unlock()
		return nil
	}
	m.uploadingKeys = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.uploadingKeys = false
		m.mu.Unlock()
	}()

	signed, err := m.account.SignOneTimeKeys(m.UserID, m.DeviceID)
	if err != nil {
		metrics.IncrementOTKUpload(metrics.StatusFailure)
		return err
	}
	otks, err := toMap(signed)
	if err != nil {
		metrics.IncrementOTKUpload(metrics.StatusFailure)
		return err
	}
	if _, err := m.transport.UploadKeys(ctx, nil, otks); err != nil {
		metrics.IncrementOTKUpload(metrics.StatusFailure)
		return err
	}
	m.account.MarkKeysAsPublished()
	metrics.IncrementOTKUpload(metrics.StatusSuccess)
	return nil
}

// toMap round-trips v through JSON into the generic map shape the
// transport.Client interface deals in.
func toMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// replenishOneTimeKeysIfNeeded tops the published one-time-key pool
// back up once the server-reported count falls below the low-water
// mark. Uploads are single-flighted via uploadingKeys.
func (m *Machine) replenishOneTimeKeysIfNeeded(ctx context.Context, publishedCount int) error {
	m.mu.Lock()
	inFlight := m.uploadingKeys
	m.mu.Unlock()
	if inFlight {
		return nil
	}
	max := m.account.MaxOneTimeKeys()
	threshold := int(float64(max) * oneTimeKeyLowWaterFraction)
	if publishedCount >= threshold {
		return nil
	}
	target := int(float64(max) * oneTimeKeyTargetFraction)
	need := target - publishedCount
	if need <= 0 {
		return nil
	}
	if err := m.account.GenerateOneTimeKeys(need); err != nil {
		return err
	}
	if err := m.uploadOneTimeKeys(ctx); err != nil {
		return err
	}
	return m.saveAccountIfDirty()
}

// newTxnID generates a fresh to-device/message transaction id.
func newTxnID() string { return uuid.NewString() }

func (m *Machine) localCurveKey() string { return m.account.IdentityKeys()["curve25519"] }
func (m *Machine) localEdKey() string    { return m.account.IdentityKeys()["ed25519"] }
func (m *Machine) localEdKeyID() string  { return "ed25519:" + m.DeviceID }

func b64(b []byte) string { return base64.RawStdEncoding.EncodeToString(b) }

func unb64(s string) ([]byte, error) { return base64.RawStdEncoding.DecodeString(s) }

func now() int64 { return time.Now().UnixMilli() }

// ProcessSync drives one sync response through its fixed processing
// order: one-time-key replenishment, device-list delta, to-device
// events, room data, then (if the device tracker was nudged mid-pass)
// a follow-up device-keys refresh. Room-key events in to_device are
// always processed before room timeline decryption, since the latter
// depends on the former.
func (m *Machine) ProcessSync(ctx context.Context, resp *transport.SyncResponse) error {
	if count, ok := resp.DeviceOneTimeKeysCount["signed_curve25519"]; ok {
		if err := m.replenishOneTimeKeysIfNeeded(ctx, count); err != nil {
			return err
		}
	}

	for _, userID := range resp.DeviceLists.Changed {
		if err := m.tracker.HandleDeviceListChanged(userID); err != nil {
			return err
		}
	}
	for _, userID := range resp.DeviceLists.Left {
		if err := m.tracker.HandleDeviceListLeft(userID); err != nil {
			return err
		}
	}
	if err := m.refreshDeviceKeysIfNeeded(ctx); err != nil {
		return err
	}

	for _, ev := range resp.ToDevice {
		if err := m.handleToDeviceEvent(ctx, ev); err != nil {
			m.log.Warn("to-device event from %s dropped: %v", ev.Sender, err)
		}
	}

	for _, rd := range resp.Rooms {
		if err := m.processRoomData(rd); err != nil {
			m.log.Warn("room %s: %v", rd.RoomID, err)
		}
	}

	m.mu.Lock()
	m.NextBatch = resp.NextBatch
	m.mu.Unlock()

	// To-device processing may have nudged the tracker (an
	// unresolvable sender key) after the first refresh already ran.
	return m.refreshDeviceKeysIfNeeded(ctx)
}

// refreshDeviceKeysIfNeeded issues a device-keys query for every
// outdated user and feeds the response through the tracker.
func (m *Machine) refreshDeviceKeysIfNeeded(ctx context.Context) error {
	needs, err := m.tracker.NeedsQuery()
	if err != nil || !needs {
		return err
	}
	outdated, err := m.tracker.OutdatedUsers()
	if err != nil {
		return err
	}
	if len(outdated) == 0 {
		return nil
	}
	users := make(map[string][]string, len(outdated))
	for _, u := range outdated {
		users[u] = nil
	}
	result, err := m.transport.QueryKeys(ctx, users)
	if err != nil {
		metrics.IncrementDeviceQuery(metrics.StatusFailure)
		return err
	}
	for userID, deviceMap := range result {
		parsed := devices.DeviceKeysResponse{}
		for deviceID, raw := range deviceMap {
			var rdk devices.RawDeviceKeys
			rawJSON, err := json.Marshal(raw)
			if err != nil {
				continue
			}
			if err := json.Unmarshal(rawJSON, &rdk); err != nil {
				continue
			}
			parsed[deviceID] = rdk
		}
		if err := m.tracker.ApplyQueryResponse(userID, parsed); err != nil {
			return err
		}
	}
	// A user queried with no devices returned still clears
	// outdated_users: the response is authoritative.
	for _, u := range outdated {
		if _, ok := result[u]; !ok {
			if err := m.tracker.ApplyQueryResponse(u, nil); err != nil {
				return err
			}
		}
	}
	metrics.IncrementDeviceQuery(metrics.StatusSuccess)
	return m.drainPendingEncrypted(ctx)
}

// drainPendingEncrypted retries every buffered to-device event whose
// sender Curve key is now known; the rest stay queued.
func (m *Machine) drainPendingEncrypted(ctx context.Context) error {
	m.mu.Lock()
	pending := m.pendingEncrypted
	m.pendingEncrypted = nil
	m.mu.Unlock()

	var stillPending []transport.ToDeviceEvent
	for _, ev := range pending {
		senderKey, ok := senderKeyOf(ev)
		if !ok {
			continue
		}
		if _, err := m.tracker.DeviceByCurveKey(senderKey); err != nil {
			stillPending = append(stillPending, ev)
			continue
		}
		if err := m.handleToDeviceEvent(ctx, ev); err != nil {
			m.log.Warn("buffered to-device event from %s dropped: %v", ev.Sender, err)
		}
	}
	m.mu.Lock()
	m.pendingEncrypted = append(m.pendingEncrypted, stillPending...)
	m.mu.Unlock()
	return nil
}

func senderKeyOf(ev transport.ToDeviceEvent) (string, bool) {
	v, ok := ev.Content["sender_key"].(string)
	return v, ok
}

// encryptedToDeviceContent is the wire shape of an m.room.encrypted
// to-device event.
type encryptedToDeviceContent struct {
	Algorithm  string                          `json:"algorithm"`
	SenderKey  string                          `json:"sender_key"`
	Ciphertext map[string]olmCiphertextEnvelope `json:"ciphertext"`
}

type olmCiphertextEnvelope struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

// olmPayload is the plaintext an Olm-decrypted to-device event
// carries; the sender/recipient bindings are checked before dispatch.
type olmPayload struct {
	Type            string                 `json:"type"`
	Content         map[string]interface{} `json:"content"`
	Sender          string                 `json:"sender"`
	Recipient       string                 `json:"recipient"`
	Keys            struct{ Ed25519 string `json:"ed25519"` } `json:"keys"`
	RecipientKeys   struct{ Ed25519 string `json:"ed25519"` } `json:"recipient_keys"`
}

// handleToDeviceEvent decrypts and validates one to-device event.
// Verification events arriving unencrypted are dispatched directly.
func (m *Machine) handleToDeviceEvent(ctx context.Context, ev transport.ToDeviceEvent) error {
	if strings.HasPrefix(ev.Type, "m.key.verification.") {
		return m.handleVerificationEvent(ctx, strings.TrimPrefix(ev.Type, "m.key.verification."), ev.Sender, ev.Content, false)
	}
	if ev.Type != "m.room.encrypted" {
		return nil
	}

	raw, err := json.Marshal(ev.Content)
	if err != nil {
		return err
	}
	var content encryptedToDeviceContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return err
	}
	if content.Algorithm != olmAlgorithm {
		return nil
	}

	if _, err := m.tracker.DeviceByCurveKey(content.SenderKey); err != nil {
		m.mu.Lock()
		m.pendingEncrypted = append(m.pendingEncrypted, ev)
		m.mu.Unlock()
		return m.tracker.MarkSenderOutdated(ev.Sender)
	}

	envelope, ok := content.Ciphertext[m.localCurveKey()]
	if !ok {
		return nil
	}
	body, err := unb64(envelope.Body)
	if err != nil {
		return errs.New(errs.BadMessage, err)
	}
	var msg olm.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return errs.New(errs.BadMessage, err)
	}

	plaintext, err := m.decryptOlm(content.SenderKey, &msg)
	if err != nil {
		metrics.IncrementOlmEvent("decrypt", metrics.StatusFailure)
		return err
	}
	metrics.IncrementOlmEvent("decrypt", metrics.StatusSuccess)

	var payload olmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return errs.New(errs.BadMessage, err)
	}
	if payload.Sender != ev.Sender {
		return errs.New(errs.UserIDMismatch, nil)
	}
	device, err := m.tracker.DeviceByCurveKey(content.SenderKey)
	if err != nil {
		return err
	}
	if payload.Keys.Ed25519 != device.EdKey {
		return errs.New(errs.SignatureMismatch, nil)
	}
	if payload.Recipient != m.UserID {
		return errs.New(errs.UserIDMismatch, nil)
	}
	if payload.RecipientKeys.Ed25519 != m.localEdKey() {
		return errs.New(errs.UserIDMismatch, nil)
	}

	return m.dispatchOlmPayload(ctx, payload, content.SenderKey, device)
}

// decryptOlm picks the session that can decrypt msg: Normal messages
// try every known session for the sender key, PreKey messages first
// look for a matching not-yet-confirmed session and otherwise create a
// fresh inbound one (consuming the used one-time key). The winning
// session is persisted with its advanced ratchet state and refreshed
// last_received timestamp.
func (m *Machine) decryptOlm(senderKey string, msg *olm.Message) ([]byte, error) {
	rows, err := m.store.OlmSessionsForSender(senderKey)
	if err != nil {
		return nil, err
	}

	if msg.Type == olm.Normal {
		for _, row := range rows {
			sess, err := olm.UnpickleSession(row.Pickle, m.picklingKey)
			if err != nil {
				continue
			}
			pt, err := sess.Decrypt(msg)
			if err != nil {
				continue
			}
			if err := m.saveOlmSession(senderKey, sess); err != nil {
				return nil, err
			}
			return pt, nil
		}
		return nil, errs.New(errs.BadMessage, nil)
	}

	senderKeyBytes, err := unb64(senderKey)
	if err != nil {
		return nil, errs.New(errs.BadMessage, err)
	}
	for _, row := range rows {
		sess, err := olm.UnpickleSession(row.Pickle, m.picklingKey)
		if err != nil {
			continue
		}
		if !sess.MatchesInboundFrom(senderKeyBytes, msg) {
			continue
		}
		pt, err := sess.Decrypt(msg)
		if err != nil {
			return nil, err
		}
		if err := m.saveOlmSession(senderKey, sess); err != nil {
			return nil, err
		}
		return pt, nil
	}

	otk, ok := m.account.TakeOneTimeKey(msg.OneTimeKeyID)
	if !ok {
		return nil, errs.New(errs.BadMessage, fmt.Errorf("unknown one-time key %s", msg.OneTimeKeyID))
	}
	ourIdentityPub, err := unb64(m.localCurveKey())
	if err != nil {
		return nil, err
	}
	sess, err := olm.NewInboundSession(m.account.CurveIdentityPrivate(), ourIdentityPub, otk.Priv, msg)
	if err != nil {
		return nil, err
	}
	pt, err := sess.Decrypt(msg)
	if err != nil {
		return nil, err
	}
	if err := m.saveOlmSession(senderKey, sess); err != nil {
		return nil, err
	}
	return pt, m.saveAccountIfDirty()
}

func (m *Machine) saveOlmSession(senderKey string, sess *olm.Session) error {
	pickle, err := sess.Pickle(m.picklingKey)
	if err != nil {
		return err
	}
	return m.store.SaveOlmSession(store.OlmSessionRow{
		SenderKey:    senderKey,
		SessionID:    sess.SessionID(),
		Pickle:       pickle,
		LastReceived: now(),
	})
}

// dispatchOlmPayload routes a validated Olm plaintext by inner type.
func (m *Machine) dispatchOlmPayload(ctx context.Context, payload olmPayload, senderKey string, device store.TrackedDeviceRow) error {
	switch payload.Type {
	case "m.room_key":
		return m.handleIncomingRoomKey(payload, senderKey, device)
	default:
		if strings.HasPrefix(payload.Type, "m.key.verification.") {
			return m.handleVerificationEvent(ctx, strings.TrimPrefix(payload.Type, "m.key.verification."), payload.Sender, payload.Content, true)
		}
		m.log.Debug("ignoring olm-wrapped event of type %s", payload.Type)
		return nil
	}
}

// handleIncomingRoomKey imports a Megolm session key arriving via an
// Olm-wrapped m.room_key event into the target room's inbound-session
// store, unless a session with the same id already exists there (kept
// in favour of the incoming one).
func (m *Machine) handleIncomingRoomKey(payload olmPayload, senderKey string, device store.TrackedDeviceRow) error {
	roomID, _ := payload.Content["room_id"].(string)
	algorithm, _ := payload.Content["algorithm"].(string)
	sessionID, _ := payload.Content["session_id"].(string)
	sessionKeyB64, _ := payload.Content["session_key"].(string)
	if algorithm != megolmAlgorithm || roomID == "" || sessionID == "" {
		return errs.New(errs.BadMessage, nil)
	}
	m.mu.Lock()
	_, tracked := m.roomEncryption[roomID]
	m.mu.Unlock()
	if !tracked {
		m.log.Warn("room_key for untracked/unencrypted room %s ignored", roomID)
		return nil
	}

	keyBytes, err := unb64(sessionKeyB64)
	if err != nil {
		return errs.New(errs.BadMessage, err)
	}
	var key olm.SessionKey
	if err := json.Unmarshal(keyBytes, &key); err != nil {
		return errs.New(errs.BadMessage, err)
	}
	if key.SessionID == "" {
		key.SessionID = sessionID
	}

	sess, err := olm.NewInboundMegolmSession(&key)
	if err != nil {
		return err
	}
	pickle, err := sess.Pickle(m.picklingKey)
	if err != nil {
		return err
	}
	err = m.store.InsertInboundMegolmSession(store.InboundMegolmSessionRow{
		RoomID:                  roomID,
		SessionID:               sess.SessionID(),
		Pickle:                  pickle,
		SenderKey:               senderKey,
		SenderClaimedEd25519Key: device.EdKey,
		OlmSessionID:            "",
		SenderID:                payload.Sender,
	})
	if err != nil {
		if kind, ok := errs.Of(err); ok && kind == errs.IntegrityViolation {
			m.log.Debug("duplicate inbound megolm session %s/%s discarded", roomID, sess.SessionID())
			return nil
		}
		return err
	}
	return nil
}

// processRoomData records the room's encryption settings (for rotation
// accounting) and decrypts any Megolm-encrypted timeline events,
// appending each decrypted plaintext to the local events table.
func (m *Machine) processRoomData(rd transport.RoomData) error {
	if rd.Encryption != nil {
		m.mu.Lock()
		m.roomEncryption[rd.RoomID] = rd.Encryption
		m.mu.Unlock()
	}
	for _, ev := range rd.TimelineEvents {
		evType, _ := ev["type"].(string)
		if evType != "m.room.encrypted" {
			continue
		}
		plaintext, err := m.DecryptRoomEvent(rd.RoomID, ev)
		if err != nil {
			metrics.IncrementMegolmEvent("decrypt", metrics.StatusFailure)
			m.log.Warn("undecryptable event in room %s: %v", rd.RoomID, err)
			continue
		}
		metrics.IncrementMegolmEvent("decrypt", metrics.StatusSuccess)
		raw, err := json.Marshal(plaintext)
		if err != nil {
			continue
		}
		if err := m.store.AppendEvent(rd.RoomID, now(), string(raw)); err != nil {
			return err
		}
	}
	return nil
}

type megolmRoomEventContent struct {
	Algorithm  string `json:"algorithm"`
	SenderKey  string `json:"sender_key"`
	DeviceID   string `json:"device_id"`
	SessionID  string `json:"session_id"`
	Ciphertext string `json:"ciphertext"`
}

// DecryptRoomEvent decrypts a single Megolm-encrypted timeline event.
// A replayed message index under a different event id is treated as a
// decryption failure rather than surfaced as plaintext.
func (m *Machine) DecryptRoomEvent(roomID string, ev map[string]interface{}) (map[string]interface{}, error) {
	contentRaw, _ := ev["content"]
	raw, err := json.Marshal(contentRaw)
	if err != nil {
		return nil, err
	}
	var content megolmRoomEventContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, errs.New(errs.BadMessage, err)
	}
	if content.Algorithm != megolmAlgorithm {
		return nil, errs.New(errs.BadMessage, fmt.Errorf("unsupported algorithm %s", content.Algorithm))
	}
	eventID, _ := ev["event_id"].(string)

	row, err := m.store.LoadInboundMegolmSession(roomID, content.SessionID)
	if err != nil {
		return nil, errs.New(errs.UnknownMessageIdx, err)
	}
	sess, err := olm.UnpickleInboundMegolmSession(row.Pickle, m.picklingKey)
	if err != nil {
		return nil, err
	}
	ctBytes, err := unb64(content.Ciphertext)
	if err != nil {
		return nil, errs.New(errs.BadMessage, err)
	}
	plaintext, index, err := sess.Decrypt(ctBytes)
	if err != nil {
		return nil, err
	}

	if existingEventID, _, err := m.store.GroupSessionIndexRecord(roomID, content.SessionID, index); err == nil {
		if existingEventID != eventID {
			return nil, errs.New(errs.IntegrityViolation, fmt.Errorf("megolm index %d replayed under event %s (expected %s)", index, eventID, existingEventID))
		}
	} else if err != sql.ErrNoRows {
		return nil, err
	} else if err := m.store.RecordGroupSessionIndex(roomID, content.SessionID, index, eventID, now()); err != nil {
		return nil, err
	}

	if pickle, err := sess.Pickle(m.picklingKey); err == nil {
		_ = m.store.UpdateInboundMegolmSessionPickle(roomID, content.SessionID, pickle)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(plaintext, &out); err != nil {
		return nil, errs.New(errs.BadMessage, err)
	}
	return out, nil
}

// EncryptAndSendRoomMessage loads or rotates the room's current
// outbound Megolm session, ensures every device in roomDevices (a
// user id -> device ids multimap the caller supplies; room membership
// tracking lives outside this module) has received the session key,
// encrypts content and sends the Megolm room event.
func (m *Machine) EncryptAndSendRoomMessage(ctx context.Context, roomID, eventType string, content interface{}, roomDevices map[string][]string) (string, error) {
	sess, err := m.currentOutboundMegolmSession(roomID)
	if err != nil {
		return "", err
	}

	if err := m.ensureDevicesHaveKey(ctx, roomID, sess, roomDevices); err != nil {
		return "", err
	}

	plaintext, err := json.Marshal(struct {
		Type    string      `json:"type"`
		RoomID  string      `json:"room_id"`
		Content interface{} `json:"content"`
	}{eventType, roomID, content})
	if err != nil {
		return "", err
	}
	ciphertext, err := sess.Encrypt(plaintext)
	if err != nil {
		metrics.IncrementMegolmEvent("encrypt", metrics.StatusFailure)
		return "", err
	}
	metrics.IncrementMegolmEvent("encrypt", metrics.StatusSuccess)
	if err := m.saveOutboundMegolmSession(roomID, sess); err != nil {
		return "", err
	}

	eventContent := megolmRoomEventContent{
		Algorithm:  megolmAlgorithm,
		SenderKey:  m.localCurveKey(),
		DeviceID:   m.DeviceID,
		SessionID:  sess.SessionID(),
		Ciphertext: b64(ciphertext),
	}
	return m.transport.SendMessage(ctx, roomID, "m.room.encrypted", newTxnID(), eventContent)
}

// currentOutboundMegolmSession loads the room's outbound session,
// rotating it once it reaches the room's message-count or age limit.
func (m *Machine) currentOutboundMegolmSession(roomID string) (*olm.OutboundMegolmSession, error) {
	settings := m.rotationSettings(roomID)
	row, err := m.store.CurrentOutboundMegolmSession(roomID)
	if err == sql.ErrNoRows {
		return m.rotateOutboundMegolmSession(roomID)
	}
	if err != nil {
		return nil, err
	}
	sess, err := olm.UnpickleOutboundMegolmSession(row.Pickle, m.picklingKey)
	if err != nil {
		return m.rotateOutboundMegolmSession(roomID)
	}
	age := now() - sess.CreationTime()
	if sess.MessageCount() >= settings.RotationPeriodMsg || age >= settings.RotationPeriodMs {
		return m.rotateOutboundMegolmSession(roomID)
	}
	return sess, nil
}

func (m *Machine) rotationSettings(roomID string) transport.RoomEncryptionSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.roomEncryption[roomID]; ok && s != nil {
		out := *s
		if out.RotationPeriodMs == 0 {
			out.RotationPeriodMs = transport.DefaultRotationPeriodMs
		}
		if out.RotationPeriodMsg == 0 {
			out.RotationPeriodMsg = transport.DefaultRotationPeriodMsgs
		}
		return out
	}
	return transport.RoomEncryptionSettings{
		RotationPeriodMs:  transport.DefaultRotationPeriodMs,
		RotationPeriodMsg: transport.DefaultRotationPeriodMsgs,
	}
}

func (m *Machine) rotateOutboundMegolmSession(roomID string) (*olm.OutboundMegolmSession, error) {
	sess, err := olm.NewOutboundMegolmSession(now())
	if err != nil {
		return nil, err
	}
	pickle, err := sess.Pickle(m.picklingKey)
	if err != nil {
		return nil, err
	}
	err = m.store.ReplaceOutboundMegolmSession(store.OutboundMegolmSessionRow{
		RoomID:       roomID,
		SessionID:    sess.SessionID(),
		Pickle:       pickle,
		CreationTime: sess.CreationTime(),
		MessageCount: sess.MessageCount(),
	})
	return sess, err
}

func (m *Machine) saveOutboundMegolmSession(roomID string, sess *olm.OutboundMegolmSession) error {
	pickle, err := sess.Pickle(m.picklingKey)
	if err != nil {
		return err
	}
	return m.store.UpdateOutboundMegolmSession(store.OutboundMegolmSessionRow{
		RoomID:       roomID,
		SessionID:    sess.SessionID(),
		Pickle:       pickle,
		MessageCount: sess.MessageCount(),
	})
}

// ensureDevicesHaveKey computes the devices missing the current
// session key, claims one-time keys and creates outbound Olm sessions
// for any that lack one, ships the room-key event to each as a single
// to-device batch, and records the sent-keys ledger on success.
func (m *Machine) ensureDevicesHaveKey(ctx context.Context, roomID string, sess *olm.OutboundMegolmSession, roomDevices map[string][]string) error {
	missing, err := m.store.DevicesWithoutKey(roomID, sess.SessionID(), roomDevices)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}

	toClaim := map[string]map[string]string{}
	deviceRows := map[[2]string]store.TrackedDeviceRow{}
	for userID, deviceIDs := range missing {
		for _, deviceID := range deviceIDs {
			row, err := m.store.Device(userID, deviceID)
			if err != nil {
				m.log.Warn("skipping untracked device %s/%s for room key distribution", userID, deviceID)
				continue
			}
			deviceRows[[2]string{userID, deviceID}] = row
			sessions, err := m.store.OlmSessionsForSender(row.CurveKey)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				if toClaim[userID] == nil {
					toClaim[userID] = map[string]string{}
				}
				toClaim[userID][deviceID] = "signed_curve25519"
			}
		}
	}

	if len(toClaim) > 0 {
		if err := m.claimAndEstablishSessions(ctx, toClaim, deviceRows); err != nil {
			return err
		}
	}

	sessionKeyBytes, err := json.Marshal(sess.SessionKey())
	if err != nil {
		return err
	}
	messages := map[string]map[string]interface{}{}
	sentEntries := []store.TrackedDeviceRow{}
	for userID, deviceIDs := range missing {
		for _, deviceID := range deviceIDs {
			row, ok := deviceRows[[2]string{userID, deviceID}]
			if !ok {
				continue
			}
			sessions, err := m.store.OlmSessionsForSender(row.CurveKey)
			if err != nil || len(sessions) == 0 {
				continue
			}
			olmSess, err := olm.UnpickleSession(sessions[0].Pickle, m.picklingKey)
			if err != nil {
				continue
			}
			roomKeyPayload := olmPayload{
				Type: "m.room_key",
				Content: map[string]interface{}{
					"algorithm":   megolmAlgorithm,
					"room_id":     roomID,
					"session_id":  sess.SessionID(),
					"session_key": b64(sessionKeyBytes),
				},
				Sender:    m.UserID,
				Recipient: userID,
			}
			roomKeyPayload.Keys.Ed25519 = m.localEdKey()
			roomKeyPayload.RecipientKeys.Ed25519 = row.EdKey
			pt, err := json.Marshal(roomKeyPayload)
			if err != nil {
				return err
			}
			ourIdentityPub, err := unb64(m.localCurveKey())
			if err != nil {
				return err
			}
			wireMsg, err := olmSess.Encrypt(ourIdentityPub, pt)
			if err != nil {
				metrics.IncrementOlmEvent("encrypt", metrics.StatusFailure)
				return err
			}
			metrics.IncrementOlmEvent("encrypt", metrics.StatusSuccess)
			if err := m.saveOlmSession(row.CurveKey, olmSess); err != nil {
				return err
			}
			body, err := json.Marshal(wireMsg)
			if err != nil {
				return err
			}
			if messages[userID] == nil {
				messages[userID] = map[string]interface{}{}
			}
			messages[userID][deviceID] = map[string]interface{}{
				"algorithm":  olmAlgorithm,
				"sender_key": m.localCurveKey(),
				"ciphertext": map[string]interface{}{
					row.CurveKey: olmCiphertextEnvelope{Type: int(wireMsg.Type), Body: b64(body)},
				},
			}
			sentEntries = append(sentEntries, row)
		}
	}
	if len(messages) == 0 {
		return nil
	}
	if err := m.transport.SendToDevice(ctx, "m.room.encrypted", newTxnID(), messages); err != nil {
		return err
	}
	for _, row := range sentEntries {
		if err := m.store.RecordSentMegolmSession(roomID, row.UserID, row.DeviceID, row.CurveKey, sess.SessionID(), sess.MessageIndex()); err != nil {
			return err
		}
	}
	return nil
}

// claimAndEstablishSessions claims one signed one-time key per device
// lacking an Olm session, verifies its signature against the device's
// recorded Ed25519 key, and creates an outbound session.
func (m *Machine) claimAndEstablishSessions(ctx context.Context, toClaim map[string]map[string]string, deviceRows map[[2]string]store.TrackedDeviceRow) error {
	claimed, err := m.transport.ClaimKeys(ctx, toClaim)
	if err != nil {
		return err
	}
	ourIdentityPub, err := unb64(m.localCurveKey())
	if err != nil {
		return err
	}
	for userID, byDevice := range claimed {
		for deviceID, otk := range byDevice {
			row, ok := deviceRows[[2]string{userID, deviceID}]
			if !ok {
				continue
			}
			if err := m.verifyAndEstablish(row, ourIdentityPub, otk); err != nil {
				m.log.Warn("rejecting claimed one-time key for %s/%s: %v", userID, deviceID, err)
			}
		}
	}
	return nil
}

func (m *Machine) verifyAndEstablish(row store.TrackedDeviceRow, ourIdentityPub []byte, otk transport.ClaimedOneTimeKey) error {
	edKey, err := unb64(row.EdKey)
	if err != nil {
		return err
	}
	sigB64, ok := otk.Signatures[row.UserID][row.EdKeyID]
	if !ok {
		return errs.New(errs.SignatureMismatch, nil)
	}
	sig, err := unb64(sigB64)
	if err != nil {
		return errs.New(errs.SignatureMismatch, err)
	}
	canon, err := crypto.CanonicalJSON(struct {
		Key string `json:"key"`
	}{otk.Key})
	if err != nil {
		return err
	}
	if err := crypto.VerifyEd25519(edKey, canon, sig); err != nil {
		return err
	}
	remoteCurve, err := unb64(row.CurveKey)
	if err != nil {
		return err
	}
	remoteOTK, err := unb64(otk.Key)
	if err != nil {
		return err
	}
	sess, err := olm.NewOutboundSession(m.account.CurveIdentityPrivate(), ourIdentityPub, remoteCurve, remoteOTK, otk.ID)
	if err != nil {
		return err
	}
	return m.saveOlmSession(row.CurveKey, sess)
}

// Verification driving API.

// StartVerification initiates an outgoing SAS verification request,
// returning the transaction id the caller should track.
func (m *Machine) StartVerification(ctx context.Context, remoteUserID, remoteDeviceID string, encrypted bool) (string, error) {
	txnID := newTxnID()
	sess, msg := verification.NewOutgoing(txnID, m.UserID, m.DeviceID, remoteUserID, remoteDeviceID, encrypted, time.Now())
	m.mu.Lock()
	m.verifications[txnID] = sess
	m.mu.Unlock()
	return txnID, m.sendVerificationMessage(ctx, remoteUserID, remoteDeviceID, msg)
}

// AcceptVerificationRequest is the local action of replying to an
// incoming m.key.verification.request with a ready event.
func (m *Machine) AcceptVerificationRequest(ctx context.Context, txnID string) error {
	sess, ok := m.verificationSession(txnID)
	if !ok {
		return errs.New(errs.UnknownTransaction, nil)
	}
	msg := sess.RespondReady([]string{verification.MethodSASv1})
	return m.sendVerificationMessage(ctx, sess.RemoteUserID, sess.RemoteDeviceID, msg)
}

// ConfirmVerificationMatch is the local action of the user confirming
// the SAS codes match on-screen.
func (m *Machine) ConfirmVerificationMatch(ctx context.Context, txnID string) error {
	sess, ok := m.verificationSession(txnID)
	if !ok {
		return errs.New(errs.UnknownTransaction, nil)
	}
	msg, err := sess.ConfirmMatch(m.localEdKeyID(), m.localEdKey())
	if err != nil {
		return err
	}
	if err := m.sendVerificationMessage(ctx, sess.RemoteUserID, sess.RemoteDeviceID, msg); err != nil {
		return err
	}
	return m.finalizeVerificationIfDone(sess)
}

// CancelVerification aborts a session locally (e.g. the user declined).
func (m *Machine) CancelVerification(ctx context.Context, txnID string, kind errs.Kind) error {
	sess, ok := m.verificationSession(txnID)
	if !ok {
		return errs.New(errs.UnknownTransaction, nil)
	}
	msg := sess.Cancel(kind)
	return m.sendVerificationMessage(ctx, sess.RemoteUserID, sess.RemoteDeviceID, msg)
}

// VerificationEmojiCodes returns the 7 emoji/description pairs for a
// session that has progressed past WAITING_FOR_KEY.
func (m *Machine) VerificationEmojiCodes(txnID string) ([7]verification.EmojiEntry, bool) {
	sess, ok := m.verificationSession(txnID)
	if !ok {
		var empty [7]verification.EmojiEntry
		return empty, false
	}
	return sess.EmojiCodes()
}

func (m *Machine) verificationSession(txnID string) (*verification.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.verifications[txnID]
	return s, ok
}

func (m *Machine) sendVerificationMessage(ctx context.Context, remoteUserID, remoteDeviceID string, msg *verification.Message) error {
	if msg == nil {
		return nil
	}
	return m.transport.SendToDevice(ctx, "m.key.verification."+msg.Type, newTxnID(), map[string]map[string]interface{}{
		remoteUserID: {remoteDeviceID: msg.Content},
	})
}

// handleVerificationEvent dispatches one incoming verification
// protocol message. eventType is the bare "m.key.verification.*"
// suffix (e.g. "ready", "start"); encrypted reports whether it
// arrived wrapped in an Olm payload rather than as a bare to-device
// event.
func (m *Machine) handleVerificationEvent(ctx context.Context, eventType, sender string, content map[string]interface{}, encrypted bool) error {
	txnID, _ := content["transaction_id"].(string)
	if txnID == "" {
		return errs.New(errs.InvalidMessage, nil)
	}

	m.mu.Lock()
	sess, exists := m.verifications[txnID]
	m.mu.Unlock()

	if !exists {
		if eventType != "request" {
			return nil
		}
		methods := stringSlice(content["methods"])
		fromDevice, _ := content["from_device"].(string)
		ts, _ := content["timestamp"].(float64)
		s, ok := verification.NewIncoming(txnID, m.UserID, m.DeviceID, sender, fromDevice, methods, encrypted, time.UnixMilli(int64(ts)), time.Now())
		if !ok {
			return nil
		}
		m.mu.Lock()
		m.verifications[txnID] = s
		m.mu.Unlock()
		return nil
	}

	var out *verification.Message
	var err error
	switch eventType {
	case "cancel":
		code, _ := content["code"].(string)
		sess.HandleCancel(code)
		metrics.IncrementSASVerification(metrics.StatusFailure)
		return nil
	case "ready":
		out = sess.HandleReady(stringSlice(content["methods"]))
	case "start":
		fromDevice, _ := content["from_device"].(string)
		canon, err2 := canonicalStartContent(content)
		if err2 != nil {
			return err2
		}
		var changed bool
		out, changed = sess.HandleStart(sender, fromDevice, canon)
		if !changed {
			return nil
		}
	case "accept":
		commitment, _ := content["commitment"].(string)
		out = sess.HandleAccept(commitment)
	case "key":
		key, _ := content["key"].(string)
		out, err = sess.HandleKey(key)
	case "mac":
		keysMAC, _ := content["keys"].(string)
		macMap := map[string]string{}
		if raw, ok := content["mac"].(map[string]interface{}); ok {
			for k, v := range raw {
				if s, ok := v.(string); ok {
					macMap[k] = s
				}
			}
		}
		remoteDevice, derr := m.store.Device(sess.RemoteUserID, sess.RemoteDeviceID)
		if derr != nil {
			return derr
		}
		var doneNow bool
		out, doneNow, err = sess.HandleMac(keysMAC, macMap, remoteDevice.EdKeyID, remoteDevice.EdKey)
		if err == nil && doneNow {
			if err := m.finalizeVerificationIfDone(sess); err != nil {
				return err
			}
		}
	case "done":
		return m.finalizeVerificationIfDone(sess)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	return m.sendVerificationMessage(ctx, sess.RemoteUserID, sess.RemoteDeviceID, out)
}

func canonicalStartContent(content map[string]interface{}) ([]byte, error) {
	return crypto.CanonicalJSON(content)
}

func stringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// finalizeVerificationIfDone records trust and metrics once a session
// reaches DONE: the MAC'd Ed25519 key id is marked verified.
func (m *Machine) finalizeVerificationIfDone(sess *verification.Session) error {
	if sess.CurrentState() != verification.Done {
		return nil
	}
	if keyID, ok := sess.PendingTrustKeyID(); ok {
		if err := m.tracker.SetDeviceVerified(sess.RemoteUserID, keyID); err != nil {
			return err
		}
	}
	metrics.IncrementSASVerification(metrics.StatusSuccess)
	m.mu.Lock()
	delete(m.verifications, sess.TransactionID)
	m.mu.Unlock()
	return nil
}

// SweepVerificationTimeouts cancels and evicts every verification
// session past its deadline. Callers should invoke this periodically
// (e.g. once per sync).
func (m *Machine) SweepVerificationTimeouts(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	sessions := make([]*verification.Session, 0, len(m.verifications))
	for _, s := range m.verifications {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		msg, timedOut := sess.CheckTimeout(now)
		if !timedOut {
			continue
		}
		metrics.IncrementSASVerification(metrics.StatusFailure)
		if err := m.sendVerificationMessage(ctx, sess.RemoteUserID, sess.RemoteDeviceID, msg); err != nil {
			m.log.Warn("failed to send verification timeout cancel for %s: %v", sess.TransactionID, err)
		}
		m.mu.Lock()
		delete(m.verifications, sess.TransactionID)
		m.mu.Unlock()
	}
	return nil
}
