package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"freightline/internal/app"
	"freightline/internal/config"
	"freightline/internal/db"
	"freightline/internal/domain"
	"freightline/internal/engine/auth"
	"freightline/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Freightline CLI",
	Long: `Freightline runs freight contracts between a shipper and a carrier through a
fixed lifecycle: Draft -> Active -> InTransit -> Delivered -> Settled.
- Workspace: the .freightline directory holding the ledger database and freightline.yml.
- Parties: opaque identities; pass --party for local calls or --key to sign them.
- Escrow: the shipper marks it funded before the trip can start.
- Telemetry: an oracle adds time, distance and cost while the contract is in transit.
- Settlement: full price up to the deadline, half of it afterwards.
- Event log: every committed transition, view with 'fl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logger.Init(viper.GetString("log-level"), viper.GetString("log-format") == "json")
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FREIGHTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (defaults to <workspace>/freightline.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("party", "", "party the local call is made as")
	flags.String("key", "", "ed25519 key file used to sign calls (see fl keys gen)")
	flags.String("log-level", "warn", "log level")
	flags.String("log-format", "text", "log format: text or json")
	for _, name := range []string{"workspace", "config", "json", "party", "key", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(devCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// loadConfig reads --config when given, otherwise the workspace file or the
// built-in defaults. FREIGHTLINE_JWT_SECRET overrides auth.jwt_secret.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if secret := viper.GetString("jwt-secret"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	return cfg, nil
}

func openRuntime(ctx context.Context, opts app.Options) (*app.Runtime, error) {
	workspace := viper.GetString("workspace")
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	opts.Workspace = workspace
	opts.Config = cfg
	return app.Open(ctx, opts)
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := openRuntime(ctx, app.Options{})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

// caller resolves who a local call is made as. With --key the call is
// signed; otherwise --party is trusted as an already authenticated principal.
type caller struct {
	party domain.Party
	key   *keyFile
}

func currentCaller() (caller, error) {
	if path := viper.GetString("key"); path != "" {
		kf, err := readKeyFile(path)
		if err != nil {
			return caller{}, err
		}
		return caller{party: kf.Party, key: &kf}, nil
	}
	party := strings.TrimSpace(viper.GetString("party"))
	if party == "" {
		return caller{}, fmt.Errorf("--party or --key required")
	}
	return caller{party: domain.Party(party)}, nil
}

func (c caller) context(ctx context.Context, call auth.Call) (context.Context, error) {
	if c.key == nil {
		return auth.WithPrincipal(ctx, auth.Principal{Party: c.party, Source: "cli"}), nil
	}
	priv, err := c.key.privateKey()
	if err != nil {
		return nil, err
	}
	cred, err := auth.Sign(priv, call, time.Now())
	if err != nil {
		return nil, err
	}
	return auth.WithCredential(ctx, cred), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
