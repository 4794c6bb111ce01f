package commands

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeworks/conductor/internal/models"
	"github.com/forgeworks/conductor/internal/output"
	"github.com/forgeworks/conductor/internal/reslock"
)

// NewLockCmd creates the file-lock parent command.
func NewLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Resource Registry & File Lock commands",
	}

	cmd.AddCommand(newLockAcquireCmd())
	cmd.AddCommand(newLockReleaseCmd())
	cmd.AddCommand(newLockShowCmd())
	cmd.AddCommand(newLockReapCmd())

	return cmd
}

func newLockAcquireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Acquire exclusive locks on one or more file paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, _ := cmd.Flags().GetStringSlice("path")
			holderID, err := requireActorName(cmd, "")
			if err != nil {
				return cmdErr(err)
			}
			ttlSec, _ := cmd.Flags().GetInt("ttl-seconds")
			if len(paths) == 0 {
				return cmdErr(errors.New("--path is required (may be repeated)"))
			}

			ttl := reslock.DefaultTTL
			if ttlSec > 0 {
				ttl = time.Duration(ttlSec) * time.Second
			}

			if err := withDB(func(db *DB) error {
				registry := reslock.New(db)
				return registry.AcquireAll(paths, holderID, ttl)
			}); err != nil {
				return err
			}

			type resp struct {
				Paths    []string `json:"paths"`
				HolderID string   `json:"holder_id"`
				Acquired bool     `json:"acquired"`
			}
			return output.PrintSuccess(resp{Paths: paths, HolderID: holderID, Acquired: true})
		},
	}
	cmd.Flags().StringSlice("path", nil, "File path to lock (repeatable)")
	cmd.Flags().Int("ttl-seconds", 0, "Lock TTL in seconds (default: 600)")
	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newLockReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release a held file lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("path")
			holderID, err := requireActorName(cmd, "")
			if err != nil {
				return cmdErr(err)
			}
			if path == "" {
				return cmdErr(errors.New("--path is required"))
			}

			if err := withDB(func(db *DB) error {
				registry := reslock.New(db)
				return registry.Release(path, holderID)
			}); err != nil {
				return err
			}

			type resp struct {
				Path     string `json:"path"`
				Released bool   `json:"released"`
			}
			return output.PrintSuccess(resp{Path: path, Released: true})
		},
	}
	cmd.Flags().String("path", "", "File path to release (required)")
	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newLockShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current lock on a file path, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("path")
			if path == "" {
				return cmdErr(errors.New("--path is required"))
			}

			var lock *models.FileLock
			if err := withDB(func(db *DB) error {
				registry := reslock.New(db)
				l, err := registry.Lock(path)
				lock = l
				return err
			}); err != nil {
				return err
			}
			return output.PrintSuccess(lock)
		},
	}
	cmd.Flags().String("path", "", "File path to inspect (required)")
	return cmd
}

func newLockReapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Reap expired file locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			var reaped int64
			if err := withDB(func(db *DB) error {
				registry := reslock.New(db)
				n, err := registry.ReapExpired()
				reaped = n
				return err
			}); err != nil {
				return err
			}
			type resp struct {
				Reaped int64 `json:"reaped"`
			}
			return output.PrintSuccess(resp{Reaped: reaped})
		},
	}
}
