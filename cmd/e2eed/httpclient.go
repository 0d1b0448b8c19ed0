package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/quotient-go/e2ee-core/transport"
)

// matrixClient is a minimal transport.Client over the Matrix
// client-server HTTP API, covering just the endpoints the machine
// drives: /sync, key upload/query/claim, sendToDevice, and room
// send.
type matrixClient struct {
	homeserver  string
	accessToken string
	httpClient  *http.Client
}

func newMatrixClient(homeserver, accessToken string) *matrixClient {
	return &matrixClient{homeserver: homeserver, accessToken: accessToken, httpClient: http.DefaultClient}
}

func (c *matrixClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reader).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.homeserver+path, &reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var errBody struct {
			ErrCode string `json:"errcode"`
			Error   string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("matrix request %s %s: %d %s: %s", method, path, resp.StatusCode, errBody.ErrCode, errBody.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// wireSyncResponse mirrors the subset of /sync's JSON shape
// transport.SyncResponse needs.
type wireSyncResponse struct {
	NextBatch string `json:"next_batch"`
	DeviceOneTimeKeysCount map[string]int `json:"device_one_time_keys_count"`
	DeviceLists            struct {
		Changed []string `json:"changed"`
		Left    []string `json:"left"`
	} `json:"device_lists"`
	ToDevice struct {
		Events []transport.ToDeviceEvent `json:"events"`
	} `json:"to_device"`
	Rooms struct {
		Join map[string]struct {
			State struct {
				Events []map[string]interface{} `json:"events"`
			} `json:"state"`
			Timeline struct {
				Events []map[string]interface{} `json:"events"`
			} `json:"timeline"`
		} `json:"join"`
	} `json:"rooms"`
}

func (c *matrixClient) Sync(ctx context.Context, since string, timeoutMs int) (*transport.SyncResponse, error) {
	path := "/_matrix/client/v3/sync?timeout=" + strconv.Itoa(timeoutMs)
	if since != "" {
		path += "&since=" + since
	}
	var wire wireSyncResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return nil, err
	}

	resp := &transport.SyncResponse{
		NextBatch:              wire.NextBatch,
		DeviceOneTimeKeysCount: wire.DeviceOneTimeKeysCount,
		DeviceLists:            transport.DeviceLists{Changed: wire.DeviceLists.Changed, Left: wire.DeviceLists.Left},
		ToDevice:               wire.ToDevice.Events,
	}
	for roomID, room := range wire.Rooms.Join {
		rd := transport.RoomData{RoomID: roomID, TimelineEvents: room.Timeline.Events}
		for _, ev := range room.State.Events {
			if ev["type"] != "m.room.encryption" {
				continue
			}
			content, _ := ev["content"].(map[string]interface{})
			settings := &transport.RoomEncryptionSettings{Algorithm: stringField(content, "algorithm")}
			if v, ok := content["rotation_period_ms"].(float64); ok {
				settings.RotationPeriodMs = int64(v)
			}
			if v, ok := content["rotation_period_msgs"].(float64); ok {
				settings.RotationPeriodMsg = int(v)
			}
			rd.Encryption = settings
		}
		resp.Rooms = append(resp.Rooms, rd)
	}
	return resp, nil
}

func stringField(m map[string]interface{}, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func (c *matrixClient) UploadKeys(ctx context.Context, deviceKeys map[string]interface{}, oneTimeKeys map[string]interface{}) (*transport.KeysUploadResult, error) {
	body := map[string]interface{}{}
	if deviceKeys != nil {
		body["device_keys"] = deviceKeys
	}
	if oneTimeKeys != nil {
		body["one_time_keys"] = oneTimeKeys
	}
	var wire struct {
		OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
	}
	if err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/keys/upload", body, &wire); err != nil {
		return nil, err
	}
	return &transport.KeysUploadResult{OneTimeKeyCounts: wire.OneTimeKeyCounts}, nil
}

func (c *matrixClient) QueryKeys(ctx context.Context, users map[string][]string) (transport.DeviceKeysQueryResult, error) {
	body := map[string]interface{}{"device_keys": users}
	var wire struct {
		DeviceKeys transport.DeviceKeysQueryResult `json:"device_keys"`
	}
	if err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/keys/query", body, &wire); err != nil {
		return nil, err
	}
	return wire.DeviceKeys, nil
}

func (c *matrixClient) ClaimKeys(ctx context.Context, request map[string]map[string]string) (transport.ClaimKeysResult, error) {
	body := map[string]interface{}{"one_time_keys": request}
	var wire struct {
		OneTimeKeys map[string]map[string]map[string]json.RawMessage `json:"one_time_keys"`
	}
	if err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/keys/claim", body, &wire); err != nil {
		return nil, err
	}
	result := transport.ClaimKeysResult{}
	for userID, devices := range wire.OneTimeKeys {
		result[userID] = map[string]transport.ClaimedOneTimeKey{}
		for deviceID, algos := range devices {
			for algoAndID, raw := range algos {
				var signed struct {
					Key        string                       `json:"key"`
					Signatures map[string]map[string]string `json:"signatures"`
				}
				if err := json.Unmarshal(raw, &signed); err != nil {
					continue
				}
				id := algoAndID
				if idx := lastColon(algoAndID); idx >= 0 {
					id = algoAndID[idx+1:]
				}
				result[userID][deviceID] = transport.ClaimedOneTimeKey{ID: id, Key: signed.Key, Signatures: signed.Signatures}
			}
		}
	}
	return result, nil
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

func (c *matrixClient) SendToDevice(ctx context.Context, eventType, txnID string, messages map[string]map[string]interface{}) error {
	body := map[string]interface{}{"messages": messages}
	path := fmt.Sprintf("/_matrix/client/v3/sendToDevice/%s/%s", eventType, txnID)
	return c.do(ctx, http.MethodPut, path, body, nil)
}

func (c *matrixClient) SendMessage(ctx context.Context, roomID, eventType, txnID string, content interface{}) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s", roomID, eventType, txnID)
	var wire struct {
		EventID string `json:"event_id"`
	}
	if err := c.do(ctx, http.MethodPut, path, content, &wire); err != nil {
		return "", err
	}
	return wire.EventID, nil
}
