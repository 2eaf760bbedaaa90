// Command securefiles is the operator CLI: it signs, verifies and inspects
// file links, migrates legacy links, and mints development bearer tokens.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/securefiles/internal/auth"
	"github.com/dharsanguruparan/securefiles/internal/config"
	"github.com/dharsanguruparan/securefiles/internal/legacy"
	"github.com/dharsanguruparan/securefiles/internal/model"
	"github.com/dharsanguruparan/securefiles/internal/signedurl"
	"github.com/dharsanguruparan/securefiles/internal/signing"
	"github.com/dharsanguruparan/securefiles/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "securefiles: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// app carries state shared by subcommands once config is loaded.
type app struct {
	cfg *config.Config
	log *slog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "securefiles",
		Short: "securefiles operator CLI",
		Long: `securefiles signs and verifies file links with the gateway's secret, migrates
legacy /uploads/... links to signed links, and mints bearer tokens for development.
Configuration is read from SECUREFILES_* environment variables or a .env file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			return nil
		},
	}
	cmd.AddCommand(
		a.newSignCmd(),
		a.newVerifyCmd(),
		newExtractCmd(),
		a.newConvertCmd(),
		a.newTokenCmd(),
		a.newPresignCmd(),
	)
	return cmd
}

func (a *app) service() (*signedurl.Service, error) {
	codec, err := signing.NewCodec(a.cfg.SigningSecret)
	if err != nil {
		return nil, err
	}
	return signedurl.New(codec,
		signedurl.WithDefaultExpiry(a.cfg.DefaultExpiryMinutes),
		signedurl.WithUploadExpiry(a.cfg.UploadExpiryMinutes),
	), nil
}

func addLocationFlags(cmd *cobra.Command, loc *model.Location) {
	cmd.Flags().StringVar(&loc.TenantID, "tenant", "", "Tenant ID")
	cmd.Flags().StringVar(&loc.Scope, "scope", "", "Storage scope (e.g. tasks)")
	cmd.Flags().StringVar(&loc.OwnerID, "owner", "", "Owner ID within the scope")
	cmd.Flags().StringVar(&loc.Filename, "file", "", "File name")
	for _, name := range []string{"tenant", "scope", "owner", "file"} {
		_ = cmd.MarkFlagRequired(name)
	}
}

func (a *app) newSignCmd() *cobra.Command {
	var (
		loc     model.Location
		action  string
		minutes int
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Issue a signed URL without checking the file exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			in := signedurl.GrantInput{
				TenantID: loc.TenantID,
				Scope:    loc.Scope,
				OwnerID:  loc.OwnerID,
				Filename: loc.Filename,
				Action:   signing.Action(action),
			}
			if cmd.Flags().Changed("minutes") {
				in.ExpiresInMinutes = signedurl.Minutes(minutes)
			}
			signed, err := svc.GenerateSignedURL(in)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"url":       a.cfg.BaseURL + signed.URL,
				"expiresAt": signed.ExpiresAt.UnixMilli(),
				"expiresIn": svc.TimeRemaining(signed.ExpiresAt),
			})
		},
	}
	addLocationFlags(cmd, &loc)
	cmd.Flags().StringVar(&action, "action", string(signing.ActionView), "view or download")
	cmd.Flags().IntVar(&minutes, "minutes", 0, "Validity in minutes, must be positive (default from config)")
	return cmd
}

func (a *app) newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <token|url>",
		Short: "Verify a signed token or URL and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			token := tokenFromArg(args[0])
			res := svc.VerifySignedURL(token)
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			return res.Err()
		},
	}
}

// tokenFromArg accepts a bare token or anything ending in /files/secure/{token}.
func tokenFromArg(arg string) string {
	if i := strings.LastIndex(arg, signedurl.PathPrefix); i >= 0 {
		return arg[i+len(signedurl.PathPrefix):]
	}
	return arg
}

func newExtractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract <url>",
		Short: "Print the file location encoded in a signed or legacy URL (no signature check)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, ok := legacy.ExtractGrantFromURL(args[0])
			if !ok {
				return errors.New("no file location found in url")
			}
			return printJSON(cmd.OutOrStdout(), loc)
		},
		// Extraction needs no config.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	}
}

func (a *app) newConvertCmd() *cobra.Command {
	var (
		remote, bearer string
		minutes        int
	)
	cmd := &cobra.Command{
		Use:   "convert <url>...",
		Short: "Convert legacy /uploads/... links to signed links",
		Long: `Convert legacy links by issuing signed view links for them. By default links are
signed locally with SECUREFILES_SIGNING_SECRET; with --remote they are requested
from a running gateway using --bearer for authentication. Links that cannot be
converted are printed unchanged.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var issuer legacy.Issuer
			if remote != "" {
				if bearer == "" {
					return errors.New("--bearer is required with --remote")
				}
				issuer = legacy.NewHTTPIssuer(remote, bearer)
			} else {
				svc, err := a.service()
				if err != nil {
					return err
				}
				issuer = svc
			}
			base := a.cfg.BaseURL
			if remote != "" {
				base = remote
			}
			conv := legacy.NewConverter(issuer, base, a.log)
			var opts []legacy.ConvertOption
			if cmd.Flags().Changed("minutes") {
				opts = append(opts, legacy.WithExpiry(minutes))
			}
			out := cmd.OutOrStdout()
			for _, u := range args {
				c := conv.Convert(u, opts...)
				fmt.Fprintf(out, "%s\t%s\n", c.Status, c.URL)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "Gateway base URL to request signed links from")
	cmd.Flags().StringVar(&bearer, "bearer", "", "Bearer token for --remote")
	cmd.Flags().IntVar(&minutes, "minutes", 0, "Validity of converted links in minutes (default from config)")
	return cmd
}

func (a *app) newTokenCmd() *cobra.Command {
	var (
		userID, tenantID string
		ttl              time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with SECUREFILES_JWT_SECRET (development only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.cfg.IsDev() {
				return errors.New("token minting is disabled when SECUREFILES_ENV=production")
			}
			authn, err := auth.NewAuthenticator(a.cfg.JWTSecret)
			if err != nil {
				return err
			}
			tok, err := authn.IssueToken(userID, tenantID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "dev-user", "User ID claim")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func (a *app) newPresignCmd() *cobra.Command {
	var (
		loc model.Location
		ttl time.Duration
	)
	cmd := &cobra.Command{
		Use:   "presign",
		Short: "Print a direct S3 presigned GET URL (s3 storage backend only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.StorageBackend != "s3" {
				return errors.New("presign requires SECUREFILES_STORAGE_BACKEND=s3")
			}
			store, err := storage.NewS3(a.cfg)
			if err != nil {
				return err
			}
			u, err := store.PresignedURL(cmd.Context(), loc, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u)
			return nil
		},
	}
	addLocationFlags(cmd, &loc)
	cmd.Flags().DurationVar(&ttl, "ttl", 15*time.Minute, "URL lifetime")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
