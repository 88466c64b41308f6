package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/relaybackup/engine/backup/store"
	"github.com/relaybackup/engine/internal/config"
	"github.com/relaybackup/engine/internal/secrets"
)

// keypackEnvelope is the portable on-disk form of one secrets.Scope +
// secrets.EncryptedSecret pair moved between nodes with `keypack
// export`/`keypack import`; the ciphertext stays sealed under its
// origin kid, so moving a keypack never by itself grants access to
// the plaintext (the destination process still needs the matching
// master key loaded).
type keypackEnvelope struct {
	NodeID     string `json:"node_id"`
	Kind       string `json:"kind"`
	Name       string `json:"name"`
	KID        string `json:"kid"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

func runKeypack(ctx context.Context, configPath string, args []string) error {
	if len(args) < 4 {
		return usageError(errors.New("keypack requires: export|import <kind> <name> <file>"))
	}
	sub, kind, name, path := args[0], args[1], args[2], args[3]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	db, err := sqlx.Connect("postgres", cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()
	secretStore := store.NewPostgresSecretStore(db)
	scope := secrets.Scope{NodeID: cfg.NodeID, Kind: kind, Name: name}

	switch sub {
	case "export":
		enc, err := secretStore.GetSecret(ctx, scope)
		if err != nil {
			return fmt.Errorf("loading secret %s/%s: %w", kind, name, err)
		}
		env := keypackEnvelope{
			NodeID: scope.NodeID, Kind: scope.Kind, Name: scope.Name,
			KID:        enc.KID,
			Nonce:      secrets.HexEncode(enc.Nonce),
			Ciphertext: secrets.HexEncode(enc.Ciphertext),
		}
		data, err := json.MarshalIndent(env, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return fmt.Errorf("writing keypack %s: %w", path, err)
		}
		fmt.Printf("exported %s/%s (kid %s) to %s\n", kind, name, enc.KID, path)
		return nil

	case "import":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading keypack %s: %w", path, err)
		}
		var env keypackEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("parsing keypack %s: %w", path, err)
		}
		nonce, err := secrets.HexDecode(env.Nonce)
		if err != nil {
			return fmt.Errorf("decoding nonce: %w", err)
		}
		ciphertext, err := secrets.HexDecode(env.Ciphertext)
		if err != nil {
			return fmt.Errorf("decoding ciphertext: %w", err)
		}
		if err := secretStore.PutSecret(ctx, scope, secrets.EncryptedSecret{
			KID: env.KID, Nonce: nonce, Ciphertext: ciphertext,
		}); err != nil {
			return fmt.Errorf("storing secret %s/%s: %w", kind, name, err)
		}
		fmt.Printf("imported %s/%s (kid %s) from %s\n", kind, name, env.KID, path)
		return nil

	default:
		return usageError(fmt.Errorf("unknown keypack subcommand %q", sub))
	}
}
