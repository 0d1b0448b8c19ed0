// Command e2eed runs the sync loop for a single (user, device): load or
// bootstrap its account, open its encrypted store, and drive
// machine.Machine's ProcessSync against a homeserver's /sync stream.
// Wiring: an env-var-supplied config file path, YAML config, and a
// single setup function called from main.
package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quotient-go/e2ee-core/account"
	"github.com/quotient-go/e2ee-core/crypto"
	"github.com/quotient-go/e2ee-core/logging"
	"github.com/quotient-go/e2ee-core/machine"
	"github.com/quotient-go/e2ee-core/store"
)

func main() {
	configFile := os.Getenv("CONFIG_FILE")
	if configFile == "" {
		log.Fatal("CONFIG_FILE must be set to a YAML config file path")
	}
	cfg, err := loadConfig(configFile)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	if cfg.LogLevel != "" {
		lvl, err := log.ParseLevel(cfg.LogLevel)
		if err != nil {
			log.WithError(err).Fatal("invalid log_level")
		}
		log.SetLevel(lvl)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		<-sigs
		cancel()
	}()

	m, transportClient, err := setup(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to set up e2eed")
	}

	if err := runSyncLoop(ctx, m, transportClient, cfg); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("sync loop exited")
	}
	log.Info("e2eed shutting down")
}

// setup wires config -> store -> account -> machine. It also returns
// the transport client, since machine.Machine itself has no method
// that drives /sync; that loop is this command's job.
func setup(ctx context.Context, cfg *Config) (*machine.Machine, *matrixClient, error) {
	logger := logging.Logrus{}

	keyBuf, err := picklingKeyFromConfig(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	picklingKey := keyBuf.Bytes()
	transportClient := newMatrixClient(cfg.Homeserver, cfg.AccessToken)

	st, err := store.Open(cfg.DatabasePath, nil, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}
	store.SetGlobal(st)

	pickle, err := st.LoadAccountPickle()
	if err == sql.ErrNoRows {
		log.Info("no account pickle found, bootstrapping a fresh account")
		m, err := machine.Bootstrap(ctx, cfg.UserID, cfg.DeviceID, st, transportClient, picklingKey, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrapping account: %w", err)
		}
		return m, transportClient, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading account pickle: %w", err)
	}

	acct, err := account.Unpickle(pickle, picklingKey)
	if err != nil {
		return nil, nil, fmt.Errorf("unpickling account: %w", err)
	}
	log.Info("loaded existing account")
	return machine.New(cfg.UserID, cfg.DeviceID, acct, st, transportClient, picklingKey, logger), transportClient, nil
}

// picklingKeySize is the length of a freshly generated pickling key.
const picklingKeySize = 128

// picklingKeyFromConfig decodes the configured hex pickling key into a
// zero-on-release buffer, or generates and logs a fresh one if the
// config omitted it. The pickling key is generated once and must be
// retained for the life of the store; a proper deployment keeps it in
// an OS credential store via transport.CredentialStore.
func picklingKeyFromConfig(cfg *Config, logger logging.Logger) (*crypto.SecureBuffer, error) {
	if cfg.PicklingKeyHex == "" {
		key, err := crypto.RandomBytes(picklingKeySize)
		if err != nil {
			return nil, fmt.Errorf("generating pickling key: %w", err)
		}
		log.Warnf("no pickling_key configured; generated one for this run: %s (save this, losing it makes the store unreadable)", hex.EncodeToString(key))
		buf := crypto.NewSecureBuffer(len(key), logger)
		copy(buf.Bytes(), key)
		return buf, nil
	}
	key, err := hex.DecodeString(cfg.PicklingKeyHex)
	if err != nil {
		return nil, fmt.Errorf("pickling_key is not valid hex: %w", err)
	}
	if len(key) < 64 {
		return nil, fmt.Errorf("pickling_key must be at least 64 bytes, got %d", len(key))
	}
	buf := crypto.NewSecureBuffer(len(key), logger)
	copy(buf.Bytes(), key)
	return buf, nil
}

// runSyncLoop drives machine.Machine's ProcessSync against repeated
// /sync calls. A transient Sync error is logged and retried after a
// backoff rather than aborting the process.
func runSyncLoop(ctx context.Context, m *machine.Machine, transportClient *matrixClient, cfg *Config) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}
		resp, err := transportClient.Sync(ctx, m.NextBatch, cfg.SyncTimeoutMs)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).Warn("sync failed, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		if err := m.ProcessSync(ctx, resp); err != nil {
			log.WithError(err).Error("processing sync response")
		}
		if err := m.SweepVerificationTimeouts(ctx, time.Now()); err != nil {
			log.WithError(err).Warn("sweeping verification timeouts")
		}
	}
}
