// Package cli implements outreachctl, the operator command line for outreach
// tables and pipelines.
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/outreachdesk/internal/draftsync"
	"github.com/agentworkforce/outreachdesk/internal/outreach"
	"github.com/agentworkforce/outreachdesk/internal/remote"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Store   string
	APIKey  string
	Seed    bool
	Format  string // "json" | "text"
	Timeout time.Duration

	// OpenStore builds the backend for Store. Tests swap it for a shared
	// memory store.
	OpenStore func(dsn, apiKey string) (remote.Store, error)
	// Now is the clock used for sender status.
	Now func() time.Time
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for outreachctl.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWithOptions(&RootOptions{})
}

func NewRootCommandWithOptions(opts *RootOptions) *cobra.Command {
	if opts.OpenStore == nil {
		opts.OpenStore = remote.BuildStoreFromDSN
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	cmd := &cobra.Command{
		Use:   "outreachctl",
		Short: "Inspect and edit outreach tables",
		Long:  "Inspect and edit outreach sender accounts, scraper settings and pipelines directly against the store.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Store, "store", envOr("OUTREACHDESK_STORE_DSN", ""), "store DSN (memory://, postgres://, https://)")
	cmd.PersistentFlags().StringVar(&opts.APIKey, "api-key", envOr("OUTREACHDESK_STORE_API_KEY", ""), "API key for an https store")
	cmd.PersistentFlags().BoolVar(&opts.Seed, "seed", false, "seed a memory:// store with demo data")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "timeout for store calls")

	cmd.AddCommand(NewTablesCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewSetCommand(opts))
	cmd.AddCommand(NewSendersCommand(opts))
	cmd.AddCommand(NewPipelineCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// session is one command's connection to the store.
type session struct {
	opts  *RootOptions
	store remote.Store
}

func openSession(opts *RootOptions) (*session, error) {
	store, err := opts.OpenStore(opts.Store, opts.APIKey)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open store", err)
	}
	if opts.Seed {
		if mem, ok := store.(*remote.MemoryStore); ok {
			if _, err := outreach.SeedMemory(mem, opts.Now()); err != nil {
				_ = store.Close()
				return nil, WrapExitError(ExitCommandError, "seed store", err)
			}
		}
	}
	return &session{opts: opts, store: store}, nil
}

func (s *session) Close() error {
	return s.store.Close()
}

func (s *session) context(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if s.opts.Timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, s.opts.Timeout)
}

// syncer loads table into a fresh syncer. Writes go out only on Flush, so no
// debounce timer outlives the command.
func (s *session) syncer(ctx context.Context, name string) (*draftsync.Syncer, error) {
	table, ok := outreach.TableByName(name)
	if !ok {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown table %q: must be one of %v", name, outreach.TableNames()))
	}
	syncer, err := draftsync.NewSyncer(s.store, draftsync.Options{
		Table:           table,
		DebounceDelay:   time.Hour,
		DetectConflicts: true,
		Retry:           draftsync.RetryPolicy{MaxAttempts: 1},
	})
	if err != nil {
		return nil, err
	}
	if err := syncer.Refresh(ctx); err != nil {
		_ = syncer.Close()
		return nil, WrapExitError(ExitFailure, "refresh "+name, err)
	}
	return syncer, nil
}
