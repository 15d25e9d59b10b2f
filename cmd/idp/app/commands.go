// Package app provides the cobra commands of the idp binary.
package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	oauth "github.com/giantswarm/idp-engine"
	"github.com/giantswarm/idp-engine/credentials"
	"github.com/giantswarm/idp-engine/registry"
	"github.com/giantswarm/idp-engine/security"
	"github.com/giantswarm/idp-engine/token"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

// NewRootCmd returns the idp command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "idp",
		Short:         "OAuth2 and OpenID Connect identity provider",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "idp.yaml", "Path to the configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "Log format: text or json")

	root.AddCommand(
		newServeCmd(opts),
		newCheckCmd(opts),
		newHashSecretCmd(),
		newKeygenCmd(),
	)
	return root
}

func newLogger(w io.Writer, opts *rootOptions) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", opts.logLevel)
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	switch opts.logFormat {
	case "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q", opts.logFormat)
}

type serveOptions struct {
	devSubject string
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the identity provider",
		Long: `Starts the protocol endpoints: authorize, token, introspection, revocation,
end session, discovery and JWKS. End-user login is not part of this binary; embed
the engine and supply a SubjectResolver for that.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd.ErrOrStderr(), root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.devSubject, "dev-subject", "",
		"Treat every authorization request as signed in by this subject (development only)")
	return cmd
}

func runServe(ctx context.Context, logOut io.Writer, root *rootOptions, opts *serveOptions) error {
	logger, err := newLogger(logOut, root)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := oauth.LoadConfig(root.configPath)
	if err != nil {
		return err
	}

	engine, err := oauth.NewEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(context.Background()); err != nil {
			logger.Warn("Failed to release engine resources", "error", err)
		}
	}()

	handlerOpts := oauth.HandlerOptions{Logger: logger}
	if opts.devSubject != "" {
		logger.Warn("⚠️  DEVELOPMENT MODE: every authorization request is signed in",
			"subject", opts.devSubject,
			"risk", "anyone can obtain tokens for this subject")
		subject := opts.devSubject
		handlerOpts.SubjectResolver = oauth.SubjectResolverFunc(func(*http.Request, *registry.Client) (oauth.Subject, error) {
			return oauth.Subject{ID: subject, AuthTime: time.Now()}, nil
		})
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           oauth.NewHandler(engine, handlerOpts),
		ReadTimeout:       cfg.Timeouts.Read,
		ReadHeaderTimeout: cfg.Timeouts.Read,
		WriteTimeout:      cfg.Timeouts.Write,
		IdleTimeout:       cfg.Timeouts.Idle,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Identity provider listening", "addr", cfg.Listen, "issuer", cfg.Issuer)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down", "timeout", cfg.Timeouts.Shutdown)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newCheckCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration, registry, users and signing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheck(cmd.OutOrStdout(), root.configPath)
		},
	}
}

func runCheck(out io.Writer, configPath string) error {
	cfg, err := oauth.LoadConfig(configPath)
	if err != nil {
		return err
	}
	reg, err := registry.Load(cfg.Registry)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "registry: %d clients, %d scopes\n", len(reg.Clients()), len(reg.ScopeNames()))

	hasher, err := security.HasherByName(cfg.SecretHasher)
	if err != nil {
		return err
	}
	if cfg.Users != "" {
		if _, err := credentials.LoadUsers(cfg.Users, hasher); err != nil {
			return err
		}
		fmt.Fprintln(out, "users: ok")
	}
	if cfg.SigningKey != "" {
		keys, err := token.LoadKeySet(cfg.SigningKey)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "signing key: %s\n", keys.KeyID())
	}
	fmt.Fprintf(out, "storage: %s\n", cfg.Storage.Type)
	return nil
}

func newHashSecretCmd() *cobra.Command {
	var hasherName string
	cmd := &cobra.Command{
		Use:   "hash-secret [secret]",
		Short: "Hash a client, API or user secret for the registry or users file",
		Long:  "Hashes the secret given as argument, or the first line of standard input.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hasher, err := security.HasherByName(hasherName)
			if err != nil {
				return err
			}
			var plain string
			if len(args) == 1 {
				plain = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("failed to read secret: %w", err)
				}
				plain = strings.TrimRight(line, "\r\n")
			}
			hashed, err := hasher.Hash(plain)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hashed)
			return nil
		},
	}
	cmd.Flags().StringVar(&hasherName, "hasher", "sha256", "Hasher: sha256, bcrypt or argon2id")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA signing key in PEM form",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			priv, err := rsa.GenerateKey(rand.Reader, token.DefaultKeyBits)
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			keys, err := token.NewKeySet(priv, "")
			if err != nil {
				return err
			}
			data, err := token.EncodePrivateKeyPEM(priv)
			if err != nil {
				return err
			}
			if outPath == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("failed to write key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (kid %s)\n", outPath, keys.KeyID())
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output file; standard output when empty")
	return cmd
}
