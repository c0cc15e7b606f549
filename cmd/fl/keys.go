package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"freightline/internal/app"
	"freightline/internal/domain"
	"freightline/internal/engine/auth"
	"freightline/internal/ledger"
	"freightline/internal/repo"
	"freightline/internal/server"
)

// keyFile is the on-disk form of a party's signing key.
type keyFile struct {
	Party      domain.Party `json:"party"`
	PrivateKey string       `json:"private_key"`
}

func (k keyFile) privateKey() (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(k.PrivateKey)
	if err != nil || len(raw) != ed25519.PrivateKeySize {
		return nil, errors.New("key file: invalid private_key")
	}
	return ed25519.PrivateKey(raw), nil
}

func readKeyFile(path string) (keyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return keyFile{}, err
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return keyFile{}, fmt.Errorf("key file %s: %w", path, err)
	}
	priv, err := kf.privateKey()
	if err != nil {
		return keyFile{}, err
	}
	if derived := auth.PartyOf(priv.Public().(ed25519.PublicKey)); derived != kf.Party {
		return keyFile{}, fmt.Errorf("key file %s: party does not match key", path)
	}
	return kf, nil
}

func keysCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "keys",
		Short: "Manage party keys and API keys",
	}
	k.AddCommand(keysGenCmd())
	k.AddCommand(keysAPIKeyCmd())
	return k
}

func keysGenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate an ed25519 signing key; its public key is the party id",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return err
			}
			kf := keyFile{Party: auth.PartyOf(pub), PrivateKey: base64.StdEncoding.EncodeToString(priv)}
			data, err := json.MarshalIndent(kf, "", "  ")
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o700); err != nil {
				return err
			}
			if err := os.WriteFile(out, append(data, '\n'), 0o600); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"party": string(kf.Party), "path": out})
			}
			fmt.Printf("wrote %s\nparty: %s\n", out, kf.Party)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "party.key", "key file to write")
	return cmd
}

func keysAPIKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "apikey <party>",
		Short: "Issue an API key that authenticates as party",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buf := make([]byte, 24)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			raw := "fl_" + hex.EncodeToString(buf)
			key := domain.APIKey{
				Name:      name,
				Party:     domain.Party(args[0]),
				KeyHash:   repo.HashAPIKey(raw),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				err := rt.Store.Update(ctx, func(ctx context.Context, kv ledger.KV) error {
					return rt.Engine.Repo.PutAPIKey(ctx, kv, key)
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"party": string(key.Party), "api_key": raw})
				}
				fmt.Printf("api key for %s (shown once): %s\n", key.Party, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label stored with the key")
	return cmd
}

func devCmd() *cobra.Command {
	d := &cobra.Command{Use: "dev", Short: "Local development helpers"}
	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token <party>",
		Short: "Mint a bearer token for party with the configured jwt secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tok, err := server.SignDevToken(cfg.Auth.JWTSecret, domain.Party(args[0]), ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	token.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	d.AddCommand(token)
	return d
}
