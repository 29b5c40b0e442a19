package main

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"blobkeeper/internal/app"
	"blobkeeper/internal/binarydata"
	"blobkeeper/internal/config"
	"blobkeeper/internal/storage/filesystem"
)

// newRootCommand reads flags, BLOBKEEPER_* environment variables and
// config.yaml, in that order of precedence.
func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "blobkeeper",
		Short:         "Store, read and reclaim binary data referenced by workflow executions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		newPutCommand(),
		newGetCommand(),
		newSweepCommand(),
		newPruneCommand(),
	)
	return root
}

// withApp loads the configuration, builds the app and closes it after fn.
func withApp(cmd *cobra.Command, fn func(a *app.App) error) (err error) {
	v := viper.New()
	config.Prepare(v)
	config.BindFlags(v, cmd.Flags())
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	// One-shot runs never reclaim on startup or keep a sweeper running;
	// the sweep command reclaims explicitly.
	cfg.BinaryData.MainProcess = false
	a, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}

func writeJSON(w io.Writer, v any) error {
	out, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func newPutCommand() *cobra.Command {
	var mimeType string
	cmd := &cobra.Command{
		Use:   "put <file>",
		Short: "Store a file in the active mode and print its binary data record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			return withApp(cmd, func(a *app.App) error {
				bd := describeFile(path, data, mimeType)
				if _, err := a.Manager.StoreBinaryData(cmd.Context(), bd, data); err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), bd)
			})
		},
	}
	cmd.Flags().StringVar(&mimeType, "mime-type", "", "mime type to record (detected when empty)")
	return cmd
}

func describeFile(path string, data []byte, mimeType string) *binarydata.BinaryData {
	name := filepath.Base(path)
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(name))
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return &binarydata.BinaryData{
		MimeType:      mimeType,
		FileName:      name,
		FileExtension: ext,
		FileSize:      strconv.Itoa(len(data)),
		Directory:     filepath.Dir(path),
	}
}

func newGetCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get <identifier>",
		Short: "Read binary data by its mode:key identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app.App) error {
				data, err := a.Manager.RetrieveByIdentifier(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if output == "" || output == "-" {
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				return os.WriteFile(output, data, 0o644)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the payload to this file instead of stdout")
	return cmd
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim filesystem binary data whose deletion grace period has passed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app.App) error {
				sw, ok := app.SweeperFor(a.Manager, filesystem.Mode)
				if !ok {
					return fmt.Errorf("%s mode is not enabled", filesystem.Mode)
				}
				n, err := sw.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]int{"removed": n})
			})
		},
	}
}

func newPruneCommand() *cobra.Command {
	var (
		olderThan time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished executions and the binary data they reference",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withApp(cmd, func(a *app.App) error {
				res, err := a.Prune(cmd.Context(), time.Now().Add(-olderThan), limit)
				if res != nil {
					if werr := writeJSON(cmd.OutOrStdout(), res); werr != nil && err == nil {
						err = werr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 336*time.Hour, "prune executions that stopped longer ago than this")
	cmd.Flags().IntVar(&limit, "limit", 500, "maximum number of executions per run")
	return cmd
}
