package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/tbourn/go-offline-sync/internal/conflict"
	"github.com/tbourn/go-offline-sync/internal/domain"
	"github.com/tbourn/go-offline-sync/internal/queue"
	"github.com/tbourn/go-offline-sync/internal/repo"
	"github.com/tbourn/go-offline-sync/internal/services"
	"github.com/tbourn/go-offline-sync/internal/sysutil"
)

// QueueOptions holds flags shared by the queue subcommands.
type QueueOptions struct {
	*RootOptions
	JSON bool
}

// NewQueueCommand creates the queue command group. Its subcommands work on
// the local database directly, so they can repair a queue while the device
// is not running.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the local queue",
	}
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "print JSON instead of a table")

	cmd.AddCommand(newQueueListCommand(opts))
	cmd.AddCommand(newQueueClearCommand(opts))
	cmd.AddCommand(newQueueResubmitCommand(opts))

	return cmd
}

// withOutbox opens the local database, runs fn against an outbox bound to
// it and closes the database.
func withOutbox(opts *QueueOptions, fn func(*services.OutboxService) error) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer closeDB(db)
	if err := repo.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	return fn(newOfflineOutbox(db))
}

// newOfflineOutbox returns an outbox without an engine: changes wait for the
// next drain of a running device.
func newOfflineOutbox(db *gorm.DB) *services.OutboxService {
	return services.NewOutboxService(queue.New(db, nil), conflict.NewResolver(), nil)
}

func newQueueListCommand(opts *QueueOptions) *cobra.Command {
	var (
		status string
		kind   string
		target string
		limit  int
	)
	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List queue items in enqueue order",
		Example: `  offlinesync queue ls --status poisoned
  offlinesync queue ls --kind transaction --target wallet-1 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.QueueFilter{Kind: domain.Kind(kind), Target: target, Limit: limit}
			if f.Kind != "" && !f.Kind.Valid() {
				return fmt.Errorf("invalid kind %q", kind)
			}
			for _, s := range strings.Split(status, ",") {
				if s = strings.TrimSpace(s); s == "" {
					continue
				}
				st := domain.Status(s)
				if !st.Valid() {
					return fmt.Errorf("invalid status %q", s)
				}
				f.Statuses = append(f.Statuses, st)
			}
			return withOutbox(opts, func(o *services.OutboxService) error {
				items, total, err := o.List(cmd.Context(), f)
				if err != nil {
					return err
				}
				if opts.JSON {
					return writeJSON(cmd.OutOrStdout(), map[string]any{"items": items, "total": total})
				}
				return writeQueueTable(cmd.OutOrStdout(), items, total)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "comma separated statuses (pending,inFlight,failed,confirmed,poisoned)")
	cmd.Flags().StringVar(&kind, "kind", "", "operation kind")
	cmd.Flags().StringVar(&target, "target", "", "session or wallet id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func newQueueClearCommand(opts *QueueOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear <id>",
		Short: "Delete a poisoned item and its pending projection rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if !yes && !confirm(cmd.InOrStdin(), cmd.ErrOrStderr(), fmt.Sprintf("Clear poisoned item %s?", id)) {
				return fmt.Errorf("aborted")
			}
			return withOutbox(opts, func(o *services.OutboxService) error {
				if err := o.Clear(cmd.Context(), id); err != nil {
					return err
				}
				if opts.JSON {
					return writeJSON(cmd.OutOrStdout(), map[string]string{"cleared": id})
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", id)
				return err
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newQueueResubmitCommand(opts *QueueOptions) *cobra.Command {
	var (
		payload     string
		payloadFile string
	)
	cmd := &cobra.Command{
		Use:   "resubmit <id>",
		Short: "Return a poisoned item to the queue, optionally with an edited payload",
		Example: `  offlinesync queue resubmit 01HZX...
  offlinesync queue resubmit 01HZX... --payload '{"session_id":"s1","content":"fixed"}'
  offlinesync queue resubmit 01HZX... --payload-file edited.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(payload)
			if payloadFile != "" {
				if payload != "" {
					return fmt.Errorf("--payload and --payload-file are mutually exclusive")
				}
				b, err := os.ReadFile(payloadFile)
				if err != nil {
					return fmt.Errorf("read payload: %w", err)
				}
				raw = b
			}
			if len(raw) > 0 && !json.Valid(raw) {
				return fmt.Errorf("payload is not valid JSON")
			}
			return withOutbox(opts, func(o *services.OutboxService) error {
				item, err := o.Resubmit(cmd.Context(), args[0], raw)
				if err != nil {
					return err
				}
				if opts.JSON {
					return writeJSON(cmd.OutOrStdout(), item)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "resubmitted %s (payload version %d)\n", item.ID, item.PayloadVersion)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "replacement payload as JSON")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "file holding the replacement payload")
	return cmd
}

// confirm asks a yes/no question on out and reads the answer from in.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N] ", question)
	answer, _ := bufio.NewReader(in).ReadString('\n')
	return sysutil.IsTruthy(answer)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeQueueTable(w io.Writer, items []domain.QueueItem, total int64) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSEQ\tKIND\tTARGET\tSTATUS\tRETRIES\tNEXT ATTEMPT\tLAST ERROR")
	for _, it := range items {
		next := "-"
		if it.Status == domain.StatusPending || it.Status == domain.StatusFailed {
			next = it.NextAttemptAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			it.ID, it.Seq, it.Kind, it.Target, it.Status, it.RetryCount, next, clip(it.LastError, 60))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d of %d items\n", len(items), total)
	return err
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
