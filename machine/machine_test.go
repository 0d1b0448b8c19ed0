package machine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/quotient-go/e2ee-core/crypto"
	"github.com/quotient-go/e2ee-core/logging"
	"github.com/quotient-go/e2ee-core/store"
	"github.com/quotient-go/e2ee-core/transport"
)

// fakeHub is a shared in-memory homeserver standing in for
// transport.Client across two or more Machines in a single test; the
// Account/Machine/Store values on each side are real.
type fakeHub struct {
	mu sync.Mutex

	deviceKeys map[string]map[string]map[string]interface{}
	otks       map[string]map[string]map[string]map[string]interface{}
	toDevice   map[string]map[string][]transport.ToDeviceEvent
	rooms      map[string][]map[string]interface{}
	eventSeq   int
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		deviceKeys: map[string]map[string]map[string]interface{}{},
		otks:       map[string]map[string]map[string]map[string]interface{}{},
		toDevice:   map[string]map[string][]transport.ToDeviceEvent{},
		rooms:      map[string][]map[string]interface{}{},
	}
}

func (h *fakeHub) drainToDevice(userID, deviceID string) []transport.ToDeviceEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	evs := h.toDevice[userID][deviceID]
	if h.toDevice[userID] != nil {
		h.toDevice[userID][deviceID] = nil
	}
	return evs
}

func (h *fakeHub) drainRoom(roomID string) []map[string]interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	evs := h.rooms[roomID]
	h.rooms[roomID] = nil
	return evs
}

// fakeClient is one device's view of the hub.
type fakeClient struct {
	hub      *fakeHub
	userID   string
	deviceID string
}

func (c *fakeClient) Sync(ctx context.Context, since string, timeoutMs int) (*transport.SyncResponse, error) {
	return &transport.SyncResponse{}, nil
}

func (c *fakeClient) UploadKeys(ctx context.Context, deviceKeys map[string]interface{}, oneTimeKeys map[string]interface{}) (*transport.KeysUploadResult, error) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if deviceKeys != nil {
		if c.hub.deviceKeys[c.userID] == nil {
			c.hub.deviceKeys[c.userID] = map[string]map[string]interface{}{}
		}
		c.hub.deviceKeys[c.userID][c.deviceID] = deviceKeys
	}
	if oneTimeKeys != nil {
		if c.hub.otks[c.userID] == nil {
			c.hub.otks[c.userID] = map[string]map[string]map[string]interface{}{}
		}
		if c.hub.otks[c.userID][c.deviceID] == nil {
			c.hub.otks[c.userID][c.deviceID] = map[string]map[string]interface{}{}
		}
		for algoAndID, v := range oneTimeKeys {
			vm, _ := v.(map[string]interface{})
			c.hub.otks[c.userID][c.deviceID][algoAndID] = vm
		}
	}
	return &transport.KeysUploadResult{}, nil
}

func (c *fakeClient) QueryKeys(ctx context.Context, users map[string][]string) (transport.DeviceKeysQueryResult, error) {
	return transport.DeviceKeysQueryResult{}, nil
}

func (c *fakeClient) ClaimKeys(ctx context.Context, request map[string]map[string]string) (transport.ClaimKeysResult, error) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	result := transport.ClaimKeysResult{}
	for userID, devices := range request {
		for deviceID := range devices {
			pool := c.hub.otks[userID][deviceID]
			for algoAndID, wire := range pool {
				key, _ := wire["key"].(string)
				sigs := map[string]map[string]string{}
				if sigsRaw, ok := wire["signatures"].(map[string]interface{}); ok {
					for u, perDevice := range sigsRaw {
						pd, _ := perDevice.(map[string]interface{})
						sigs[u] = map[string]string{}
						for k, v := range pd {
							if s, ok := v.(string); ok {
								sigs[u][k] = s
							}
						}
					}
				}
				id := algoAndID
				if idx := strings.LastIndex(algoAndID, ":"); idx >= 0 {
					id = algoAndID[idx+1:]
				}
				if result[userID] == nil {
					result[userID] = map[string]transport.ClaimedOneTimeKey{}
				}
				result[userID][deviceID] = transport.ClaimedOneTimeKey{ID: id, Key: key, Signatures: sigs}
				delete(pool, algoAndID)
				break
			}
		}
	}
	return result, nil
}

func (c *fakeClient) SendToDevice(ctx context.Context, eventType, txnID string, messages map[string]map[string]interface{}) error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	for userID, byDevice := range messages {
		for deviceID, content := range byDevice {
			cm, _ := content.(map[string]interface{})
			if c.hub.toDevice[userID] == nil {
				c.hub.toDevice[userID] = map[string][]transport.ToDeviceEvent{}
			}
			c.hub.toDevice[userID][deviceID] = append(c.hub.toDevice[userID][deviceID], transport.ToDeviceEvent{
				Type:    eventType,
				Sender:  c.userID,
				Content: cm,
			})
		}
	}
	return nil
}

func (c *fakeClient) SendMessage(ctx context.Context, roomID, eventType, txnID string, content interface{}) (string, error) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	raw, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	var contentMap map[string]interface{}
	if err := json.Unmarshal(raw, &contentMap); err != nil {
		return "", err
	}
	c.hub.eventSeq++
	eventID := "$event" + strconv.Itoa(c.hub.eventSeq)
	c.hub.rooms[roomID] = append(c.hub.rooms[roomID], map[string]interface{}{
		"type":     eventType,
		"event_id": eventID,
		"sender":   c.userID,
		"content":  contentMap,
	})
	return eventID, nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "e2ee.db")
	s, err := store.Open(path, nil, logging.Nop{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func randomPicklingKey(t *testing.T) []byte {
	t.Helper()
	key, err := crypto.RandomBytes(128)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	return key
}

func TestBootstrapUploadsDeviceAndOneTimeKeys(t *testing.T) {
	hub := newFakeHub()
	client := &fakeClient{hub: hub, userID: "@alice:example.org", deviceID: "ALICEDEVICE"}
	st := openTestStore(t)

	m, err := Bootstrap(context.Background(), client.userID, client.deviceID, st, client, randomPicklingKey(t), logging.Nop{})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if m.UserID != client.userID || m.DeviceID != client.deviceID {
		t.Fatalf("Bootstrap machine identity = %s/%s, want %s/%s", m.UserID, m.DeviceID, client.userID, client.deviceID)
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	if hub.deviceKeys[client.userID][client.deviceID] == nil {
		t.Fatalf("Bootstrap did not upload device keys")
	}
	if len(hub.otks[client.userID][client.deviceID]) == 0 {
		t.Fatalf("Bootstrap did not upload any one-time keys")
	}
}

// TestRoomKeyDistributionAndDecryptRoundTrip drives a full Olm + Megolm
// round trip between two independently bootstrapped Machines sharing a
// fakeHub: Alice sends an encrypted room message, which requires
// claiming one of Bob's one-time keys, establishing an Olm session,
// sending a room_key event and the Megolm-encrypted room event; Bob
// then processes both and recovers the original plaintext.
func TestRoomKeyDistributionAndDecryptRoundTrip(t *testing.T) {
	hub := newFakeHub()
	ctx := context.Background()

	aliceClient := &fakeClient{hub: hub, userID: "@alice:example.org", deviceID: "ALICEDEVICE"}
	bobClient := &fakeClient{hub: hub, userID: "@bob:example.org", deviceID: "BOBDEVICE"}

	aliceStore := openTestStore(t)
	bobStore := openTestStore(t)

	alice, err := Bootstrap(ctx, aliceClient.userID, aliceClient.deviceID, aliceStore, aliceClient, randomPicklingKey(t), logging.Nop{})
	if err != nil {
		t.Fatalf("alice Bootstrap: %v", err)
	}
	bob, err := Bootstrap(ctx, bobClient.userID, bobClient.deviceID, bobStore, bobClient, randomPicklingKey(t), logging.Nop{})
	if err != nil {
		t.Fatalf("bob Bootstrap: %v", err)
	}

	// Cross-register each other's devices directly; signature-verified
	// acceptance of a device-keys query response is covered separately
	// in devices_test.go.
	aliceIDs := alice.account.IdentityKeys()
	bobIDs := bob.account.IdentityKeys()

	if err := aliceStore.PutDevice(store.TrackedDeviceRow{
		UserID:     bobClient.userID,
		DeviceID:   bobClient.deviceID,
		CurveKeyID: "curve25519:" + bobClient.deviceID,
		CurveKey:   bobIDs["curve25519"],
		EdKeyID:    "ed25519:" + bobClient.deviceID,
		EdKey:      bobIDs["ed25519"],
	}); err != nil {
		t.Fatalf("alice PutDevice(bob): %v", err)
	}
	if err := bobStore.PutDevice(store.TrackedDeviceRow{
		UserID:     aliceClient.userID,
		DeviceID:   aliceClient.deviceID,
		CurveKeyID: "curve25519:" + aliceClient.deviceID,
		CurveKey:   aliceIDs["curve25519"],
		EdKeyID:    "ed25519:" + aliceClient.deviceID,
		EdKey:      aliceIDs["ed25519"],
	}); err != nil {
		t.Fatalf("bob PutDevice(alice): %v", err)
	}

	const roomID = "!room:example.org"
	encryptionSettings := &transport.RoomEncryptionSettings{Algorithm: megolmAlgorithm}

	// Bob must learn the room is encrypted before the room_key to-device
	// event arrives: handleIncomingRoomKey silently drops keys for a room
	// it doesn't yet track, and ProcessSync always processes to-device
	// events before room data within a single call.
	if err := bob.ProcessSync(ctx, &transport.SyncResponse{
		Rooms: []transport.RoomData{{RoomID: roomID, Encryption: encryptionSettings}},
	}); err != nil {
		t.Fatalf("bob ProcessSync (room tracking): %v", err)
	}

	plaintextContent := map[string]interface{}{"msgtype": "m.text", "body": "hello bob"}
	roomDevices := map[string][]string{bobClient.userID: {bobClient.deviceID}}
	if _, err := alice.EncryptAndSendRoomMessage(ctx, roomID, "m.room.message", plaintextContent, roomDevices); err != nil {
		t.Fatalf("EncryptAndSendRoomMessage: %v", err)
	}

	toDeviceEvents := hub.drainToDevice(bobClient.userID, bobClient.deviceID)
	if len(toDeviceEvents) != 1 {
		t.Fatalf("bob received %d to-device events, want 1", len(toDeviceEvents))
	}
	roomEvents := hub.drainRoom(roomID)
	if len(roomEvents) != 1 {
		t.Fatalf("room received %d events, want 1", len(roomEvents))
	}

	if err := bob.ProcessSync(ctx, &transport.SyncResponse{
		ToDevice: toDeviceEvents,
		Rooms:    []transport.RoomData{{RoomID: roomID, TimelineEvents: roomEvents}},
	}); err != nil {
		t.Fatalf("bob ProcessSync (room key + message): %v", err)
	}

	events, err := bobStore.EventsForRoom(roomID)
	if err != nil {
		t.Fatalf("EventsForRoom: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("bob decrypted %d events, want 1", len(events))
	}
	var decrypted map[string]interface{}
	if err := json.Unmarshal([]byte(events[0].JSON), &decrypted); err != nil {
		t.Fatalf("unmarshal decrypted event: %v", err)
	}
	if decrypted["type"] != "m.room.message" {
		t.Fatalf("decrypted type = %v, want m.room.message", decrypted["type"])
	}
	content, _ := decrypted["content"].(map[string]interface{})
	if content["body"] != "hello bob" {
		t.Fatalf("decrypted content = %v, want body=hello bob", decrypted)
	}

	// A second message through the same (unrotated) outbound session
	// must not require re-claiming a one-time key or re-sending the
	// room_key, since Bob already has it.
	if _, err := alice.EncryptAndSendRoomMessage(ctx, roomID, "m.room.message", map[string]interface{}{"msgtype": "m.text", "body": "second message"}, roomDevices); err != nil {
		t.Fatalf("second EncryptAndSendRoomMessage: %v", err)
	}
	if evs := hub.drainToDevice(bobClient.userID, bobClient.deviceID); len(evs) != 0 {
		t.Fatalf("second message re-sent %d room_key events, want 0", len(evs))
	}
	secondRoomEvents := hub.drainRoom(roomID)
	if len(secondRoomEvents) != 1 {
		t.Fatalf("second room message count = %d, want 1", len(secondRoomEvents))
	}
	if err := bob.ProcessSync(ctx, &transport.SyncResponse{
		Rooms: []transport.RoomData{{RoomID: roomID, TimelineEvents: secondRoomEvents}},
	}); err != nil {
		t.Fatalf("bob ProcessSync (second message): %v", err)
	}
	events, err = bobStore.EventsForRoom(roomID)
	if err != nil {
		t.Fatalf("EventsForRoom: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("bob decrypted %d events after second message, want 2", len(events))
	}
}
