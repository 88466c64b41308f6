package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/relaybackup/engine/backup/store"
	"github.com/relaybackup/engine/internal/config"
	"github.com/relaybackup/engine/internal/secrets"
)

// runMasterKey implements `master-key rotate <new-master-env>`: it
// loads the current master key from cfg.MasterKeyEnv, adds a new key
// version derived from the environment variable named by the
// argument, then re-wraps every stored secret under the new kid so
// the old one can eventually be retired without ever invalidating
// ciphertexts still under it mid-rotation (§9).
func runMasterKey(ctx context.Context, configPath string, args []string) error {
	if len(args) < 2 || args[0] != "rotate" {
		return usageError(errors.New("master-key requires: rotate <new-master-env>"))
	}
	newMasterEnv := args[1]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	currentMaster, err := config.RequireEnv(cfg.MasterKeyEnv)
	if err != nil {
		return err
	}
	newMaster, err := config.RequireEnv(newMasterEnv)
	if err != nil {
		return err
	}

	keyring, err := secrets.NewManager([]byte(currentMaster))
	if err != nil {
		return fmt.Errorf("initializing keyring: %w", err)
	}
	newKID := fmt.Sprintf("v%d", len(keyring.KIDs())+1)
	if err := keyring.Rotate(newKID, []byte(newMaster)); err != nil {
		return fmt.Errorf("rotating keyring: %w", err)
	}

	db, err := sqlx.Connect("postgres", cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()
	secretStore := store.NewPostgresSecretStore(db)

	all, err := secretStore.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("listing secrets: %w", err)
	}

	rewrapped := 0
	for _, s := range all {
		plain, err := keyring.Decrypt(s.Scope, s.Secret)
		if err != nil {
			return fmt.Errorf("decrypting %s/%s/%s under kid %s: %w", s.Scope.NodeID, s.Scope.Kind, s.Scope.Name, s.Secret.KID, err)
		}
		enc, err := keyring.Encrypt(s.Scope, plain)
		if err != nil {
			return fmt.Errorf("re-encrypting %s/%s/%s: %w", s.Scope.NodeID, s.Scope.Kind, s.Scope.Name, err)
		}
		if err := secretStore.PutSecret(ctx, s.Scope, enc); err != nil {
			return fmt.Errorf("storing %s/%s/%s: %w", s.Scope.NodeID, s.Scope.Kind, s.Scope.Name, err)
		}
		rewrapped++
	}

	fmt.Printf("rotated to kid %s, re-wrapped %d secret(s); set %s as %s going forward\n",
		newKID, rewrapped, newMasterEnv, cfg.MasterKeyEnv)
	return nil
}
