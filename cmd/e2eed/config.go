package main

import (
	"encoding/json"
	"fmt"
	"io/ioutil"

	"gopkg.in/yaml.v2"
)

// Config is the on-disk shape of e2eed's YAML config file: the
// credentials and store location needed to run one (user, device)'s
// sync loop. Kept deliberately small; this process drives exactly one
// account.
type Config struct {
	Homeserver    string `json:"homeserver"`
	UserID        string `json:"user_id"`
	DeviceID      string `json:"device_id"`
	AccessToken   string `json:"access_token"`
	DatabasePath  string `json:"database_path"`
	PicklingKeyHex string `json:"pickling_key"`
	LogLevel      string `json:"log_level"`
	SyncTimeoutMs int     `json:"sync_timeout_ms"`
}

// loadConfig reads a YAML config file into a Config, going via a
// generic map and a JSON round trip: yaml.Unmarshal only ever
// produces map[interface{}]interface{} for nested objects, which
// encoding/json can't consume directly, so the keys are walked and
// coerced to strings before the JSON pass.
func loadConfig(path string) (*Config, error) {
	contents, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var tree map[interface{}]interface{}
	if err := yaml.Unmarshal(contents, &tree); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %s", err)
	}

	b, err := json.Marshal(convertKeysToStrings(tree))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config as JSON: %s", err)
	}

	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("failed to convert config file: %s", err)
	}

	if cfg.Homeserver == "" || cfg.UserID == "" || cfg.DeviceID == "" || cfg.AccessToken == "" {
		return nil, fmt.Errorf("config: homeserver, user_id, device_id and access_token are all required")
	}
	if cfg.DatabasePath == "" {
		return nil, fmt.Errorf("config: database_path is required")
	}
	if cfg.SyncTimeoutMs == 0 {
		cfg.SyncTimeoutMs = 30000
	}
	return &cfg, nil
}

func convertKeysToStrings(iface interface{}) interface{} {
	if obj, isObj := iface.(map[interface{}]interface{}); isObj {
		strObj := make(map[string]interface{}, len(obj))
		for k, v := range obj {
			strObj[fmt.Sprintf("%v", k)] = convertKeysToStrings(v)
		}
		return strObj
	}
	if arr, isArr := iface.([]interface{}); isArr {
		for i := range arr {
			arr[i] = convertKeysToStrings(arr[i])
		}
		return arr
	}
	return iface
}
