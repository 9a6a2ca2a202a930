package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"

	"applianced/pkg/db"
	gos3 "applianced/pkg/s3"
	"applianced/internal/ledger"
	"applianced/services/archiver"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "appliancectl",
		Short:         "Operator tooling for the appliance ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newArchiveCommand())
	cmd.AddCommand(newUsersCommand())
	cmd.AddCommand(newServersCommand())
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newArchiveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Ledger archive build, verify and upload operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newArchiveBuildCommand())
	cmd.AddCommand(newArchiveVerifyCommand())
	cmd.AddCommand(newArchiveUploadCommand())
	return cmd
}

func newArchiveBuildCommand() *cobra.Command {
	var (
		databaseURL string
		output      string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Export the full touch ledger as a signed tar.zst archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			if databaseURL == "" {
				databaseURL = os.Getenv("DATABASE_URL")
			}
			if databaseURL == "" {
				return fmt.Errorf("--database-url or DATABASE_URL is required")
			}

			signer, err := archiver.NewSignerFromEnv()
			if err != nil {
				return err
			}

			pool, err := db.Open(ctx, databaseURL)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer pool.Close()

			manifest, err := archiver.Build(ctx, archiver.BuildConfig{
				Store:  ledger.NewPostgres(pool),
				Output: output,
				Signer: signer,
				Stdout: os.Stdout,
			})
			if err != nil {
				return err
			}
			return archiver.RecordRun(ctx, pool, output, manifest)
		},
	}

	cmd.Flags().StringVar(&databaseURL, "database-url", "", "Postgres connection string (defaults to DATABASE_URL)")
	cmd.Flags().StringVar(&output, "output", "", "Destination archive file (tar.zst)")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newArchiveVerifyCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check an archive's signature and section checksums",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := archiver.NewSignerFromEnv()
			if err != nil {
				return err
			}
			_, err = archiver.Verify(commandContext(cmd), archiver.VerifyConfig{
				Path:   file,
				Signer: signer,
				Stdout: os.Stdout,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Path to the archive tar.zst")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

type s3Env struct {
	Endpoint       string `env:"S3_ENDPOINT, required"`
	AccessKey      string `env:"S3_ACCESS_KEY, required"`
	SecretKey      string `env:"S3_SECRET_KEY, required"`
	Region         string `env:"S3_REGION"`
	DisableTLS     bool   `env:"S3_DISABLE_TLS"`
	ForcePathStyle bool   `env:"S3_FORCE_PATH_STYLE, default=true"`
}

func newArchiveUploadCommand() *cobra.Command {
	var (
		file   string
		bucket string
		key    string
	)

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Push a built archive to S3-compatible object storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			var env s3Env
			if err := envconfig.Process(ctx, &env); err != nil {
				return fmt.Errorf("s3 config: %w", err)
			}
			client, err := gos3.NewClient(ctx, gos3.Config{
				Endpoint:       env.Endpoint,
				AccessKey:      env.AccessKey,
				SecretKey:      env.SecretKey,
				Region:         env.Region,
				DisableTLS:     env.DisableTLS,
				ForcePathStyle: env.ForcePathStyle,
			})
			if err != nil {
				return fmt.Errorf("s3 client: %w", err)
			}

			return archiver.Upload(ctx, archiver.UploadConfig{
				Path:   file,
				Bucket: bucket,
				Key:    key,
				S3:     client,
				Stdout: os.Stdout,
			})
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Path to the archive tar.zst")
	cmd.Flags().StringVar(&bucket, "bucket", "", "Destination bucket")
	cmd.Flags().StringVar(&key, "key", "", "Object key (defaults to the archive file name)")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("bucket")
	return cmd
}

// apiClient wraps the admin HTTP surface with basic-auth credentials.
type apiClient struct {
	base     string
	username string
	password string
	http     *http.Client
}

func newAPIClient(base, username, password string) *apiClient {
	return &apiClient{
		base:     strings.TrimRight(base, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(data)))
	}
	fmt.Println(strings.TrimSpace(string(data)))
	return nil
}

func addAPIFlags(cmd *cobra.Command, api, username, password *string) {
	cmd.Flags().StringVar(api, "api", "", "Base URL of the appliance API")
	cmd.Flags().StringVar(username, "user", "", "Admin username for basic auth")
	cmd.Flags().StringVar(password, "pass", "", "Admin password for basic auth")
	_ = cmd.MarkFlagRequired("api")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("pass")
}

func newUsersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Administrative user operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newUsersCreateCommand())
	cmd.AddCommand(newUsersCreditCommand())
	return cmd
}

func newUsersCreateCommand() *cobra.Command {
	var (
		api, adminUser, adminPass     string
		handle, name, password, group string
	)

	cmd := &cobra.Command{
		Use:   "create <username>",
		Short: "Register a new user account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(api, adminUser, adminPass)
			body := map[string]string{
				"type":   group,
				"handle": handle,
				"name":   name,
			}
			if password != "" {
				body["password"] = password
			}
			return client.do(commandContext(cmd), http.MethodPut,
				"/users/"+url.PathEscape(args[0]), body)
		},
	}

	addAPIFlags(cmd, &api, &adminUser, &adminPass)
	cmd.Flags().StringVar(&handle, "handle", "", "Unique account handle")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&password, "password", "", "Initial password (optional)")
	cmd.Flags().StringVar(&group, "group", "users", "Account group (users or administrators)")
	_ = cmd.MarkFlagRequired("handle")
	return cmd
}

func newUsersCreditCommand() *cobra.Command {
	var (
		api, adminUser, adminPass string
		amount                    int64
	)

	cmd := &cobra.Command{
		Use:   "credit <username>",
		Short: "Add (or with a negative amount, remove) credit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(api, adminUser, adminPass)
			return client.do(commandContext(cmd), http.MethodPut,
				"/users/"+url.PathEscape(args[0])+"/credit",
				map[string]int64{"credit": amount})
		},
	}

	addAPIFlags(cmd, &api, &adminUser, &adminPass)
	cmd.Flags().Int64Var(&amount, "amount", 0, "Credit delta to apply")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newServersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Administrative server operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newServersCreateCommand())
	return cmd
}

func newServersCreateCommand() *cobra.Command {
	var (
		api, adminUser, adminPass string
		serverUUID                string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Register a new appliance record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(api, adminUser, adminPass)
			body := map[string]string{}
			if serverUUID != "" {
				body["uuid"] = serverUUID
			}
			return client.do(commandContext(cmd), http.MethodPut,
				"/servers/"+url.PathEscape(args[0]), body)
		},
	}

	addAPIFlags(cmd, &api, &adminUser, &adminPass)
	cmd.Flags().StringVar(&serverUUID, "uuid", "", "Explicit UUID (defaults to a random one)")
	return cmd
}
