package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/provledger/internal/anchor"
	"github.com/jmerrifield20/provledger/internal/ledger"
	"github.com/jmerrifield20/provledger/internal/merkle"
	"github.com/jmerrifield20/provledger/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

const defaultServer = "http://localhost:8088"

// options are the persistent flags shared by every subcommand.
type options struct {
	cfgFile string
	server  string
	agent   string
	format  string
	timeout time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Provenance ledger CLI",
		Long: `ledgerctl appends to and queries a provledger daemon, and verifies
ledger directories offline.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	root.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default ~/.ledgerctl/config.yaml)")
	root.PersistentFlags().StringVar(&opts.server, "server", "", "daemon base URL (default "+defaultServer+")")
	root.PersistentFlags().StringVar(&opts.agent, "agent", "", "X-Agent label for appends")
	root.PersistentFlags().StringVarP(&opts.format, "format", "o", "text", "Output format: text, json or yaml")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newAppendCmd(opts),
		newEntryCmd(opts),
		newRootHashCmd(opts),
		newProofCmd(opts),
		newCheckpointCmd(opts),
		newVerifyCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print the ledgerctl version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "ledgerctl", version)
			},
		},
	)
	return root
}

// load fills unset flags from the config file and LEDGERCTL_* variables.
func (o *options) load() error {
	v := viper.New()
	if o.cfgFile != "" {
		v.SetConfigFile(o.cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		v.AddConfigPath(home + "/.ledgerctl")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("ledgerctl")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil && o.cfgFile != "" {
		return fmt.Errorf("read config %s: %w", o.cfgFile, err)
	}

	if o.server == "" {
		o.server = v.GetString("server")
	}
	if o.server == "" {
		o.server = defaultServer
	}
	if o.agent == "" {
		o.agent = v.GetString("agent")
	}
	switch o.format {
	case formatText, formatJSON, formatYAML:
	default:
		return fmt.Errorf("unknown format %q", o.format)
	}
	return nil
}

func (o *options) client() (*client.Client, error) {
	opts := []client.Option{client.WithTimeout(o.timeout)}
	if o.agent != "" {
		opts = append(opts, client.WithAgent(o.agent))
	}
	return client.New(o.server, opts...)
}

// ── append ───────────────────────────────────────────────────────────────────

func newAppendCmd(opts *options) *cobra.Command {
	var action, file string
	cmd := &cobra.Command{
		Use:   "append [payload]",
		Short: "Append a payload to the ledger",
		Long: `Append records a payload and prints its receipt. The payload is taken
from the argument, from --file, or from stdin when neither is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			var err error
			switch {
			case len(args) == 1:
				payload = []byte(args[0])
			case file != "":
				payload, err = os.ReadFile(file)
			default:
				payload, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			r, err := c.Append(context.Background(), action, payload)
			if err != nil {
				return fmt.Errorf("append: %w", err)
			}
			return render(cmd.OutOrStdout(), opts.format, r, func(w io.Writer) {
				fmt.Fprintf(w, "ID:     %d\n", r.ID)
				fmt.Fprintf(w, "SHA:    %s\n", r.SHA)
				fmt.Fprintf(w, "Parent: %s\n", parentString(r.ParentID))
				fmt.Fprintf(w, "Time:   %s\n", r.Timestamp.Format(time.RFC3339))
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "X-Action label (daemon default exec)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the payload from a file")
	return cmd
}

// ── entry ────────────────────────────────────────────────────────────────────

func newEntryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "entry <id>",
		Short: "Show one ledger entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			e, err := c.Entry(context.Background(), id)
			if err != nil {
				return fmt.Errorf("entry %d: %w", id, err)
			}
			return render(cmd.OutOrStdout(), opts.format, e, func(w io.Writer) {
				fmt.Fprintf(w, "ID:     %d\n", e.ID)
				fmt.Fprintf(w, "Time:   %s\n", e.Timestamp.Format(time.RFC3339))
				fmt.Fprintf(w, "Agent:  %s\n", e.Agent)
				fmt.Fprintf(w, "Action: %s\n", e.Action)
				fmt.Fprintf(w, "SHA:    %s\n", e.SHA)
				fmt.Fprintf(w, "Parent: %s\n", parentString(e.ParentID))
			})
		},
	}
}

// ── root ─────────────────────────────────────────────────────────────────────

func newRootHashCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "root",
		Short: "Show the current Merkle root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			o, err := c.Overview(context.Background())
			if err != nil {
				return fmt.Errorf("root: %w", err)
			}
			return render(cmd.OutOrStdout(), opts.format, o, func(w io.Writer) {
				fmt.Fprintf(w, "Entries: %d\n", o.Entries)
				fmt.Fprintf(w, "Root:    %s\n", o.Root)
			})
		},
	}
}

// ── proof ────────────────────────────────────────────────────────────────────

func newProofCmd(opts *options) *cobra.Command {
	var inclusion bool
	cmd := &cobra.Command{
		Use:   "proof <id>",
		Short: "Show the ancestor chain of an entry",
		Long: `Proof prints the chain from the entry back to the first entry still
indexed. With --inclusion it fetches the Merkle path instead and checks it
against the reported root locally.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx := context.Background()

			if inclusion {
				p, err := c.InclusionProof(ctx, id)
				if err != nil {
					return fmt.Errorf("inclusion proof %d: %w", id, err)
				}
				if err := checkInclusion(p); err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.format, p, func(w io.Writer) {
					fmt.Fprintf(w, "Entry %d is leaf %d of %d under root %s (path verified, %d steps)\n",
						p.ID, p.LeafIndex, p.Leaves, p.Root, len(p.Path))
				})
			}

			steps, err := c.Proof(ctx, id)
			if err != nil {
				return fmt.Errorf("proof %d: %w", id, err)
			}
			return render(cmd.OutOrStdout(), opts.format, steps, func(w io.Writer) {
				tw := newTable(w)
				fmt.Fprintln(tw, "ID\tSHA\tPARENT")
				for _, s := range steps {
					fmt.Fprintf(tw, "%d\t%s\t%s\n", s.ID, s.SHA, parentString(s.Parent))
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&inclusion, "inclusion", false, "fetch and check the Merkle inclusion path")
	return cmd
}

// checkInclusion recomputes the root from the proof's leaf and path.
func checkInclusion(p *client.InclusionProof) error {
	leaf, err := merkle.ParseDigest(p.SHA)
	if err != nil {
		return fmt.Errorf("proof sha: %w", err)
	}
	root, err := merkle.ParseDigest(p.Root)
	if err != nil {
		return fmt.Errorf("proof root: %w", err)
	}
	path := make([]merkle.Step, len(p.Path))
	for i, s := range p.Path {
		h, err := merkle.ParseDigest(s.Hash)
		if err != nil {
			return fmt.Errorf("proof step %d: %w", i, err)
		}
		path[i] = merkle.Step{Hash: h, Left: s.Left}
	}
	if !merkle.Verify(leaf, path, root) {
		return fmt.Errorf("inclusion proof for entry %d does not match root %s", p.ID, p.Root)
	}
	return nil
}

// ── checkpoint ───────────────────────────────────────────────────────────────

func newCheckpointCmd(opts *options) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Show the latest checkpoint, or all with --all",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx := context.Background()

			var cps []client.Checkpoint
			if all {
				if cps, err = c.Checkpoints(ctx); err != nil {
					return fmt.Errorf("checkpoints: %w", err)
				}
			} else {
				cp, err := c.LatestCheckpoint(ctx)
				if err != nil {
					return fmt.Errorf("latest checkpoint: %w", err)
				}
				if cp == nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "no checkpoint yet")
					return nil
				}
				cps = []client.Checkpoint{*cp}
			}

			var v any = cps
			if !all {
				v = cps[0]
			}
			return render(cmd.OutOrStdout(), opts.format, v, func(w io.Writer) {
				tw := newTable(w)
				fmt.Fprintln(tw, "SEGMENT\tLAST ID\tENTRIES\tROOT\tTIME")
				for _, cp := range cps {
					fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n",
						cp.Segment, cp.LastID, cp.Entries, cp.MerkleRoot, cp.Timestamp.Format(time.RFC3339))
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every checkpoint")
	return cmd
}

// ── verify ───────────────────────────────────────────────────────────────────

func newVerifyCmd(opts *options) *cobra.Command {
	var dataDir, checkpointDir, anchorDB string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check ledger integrity",
		Long: `Verify asks the daemon to re-read its files. With --data-dir it reads a
ledger directory directly instead, without a running daemon, and with
--anchor-db also compares every checkpoint root with its anchored copy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataDir != "" {
				return verifyOffline(cmd, opts, dataDir, checkpointDir, anchorDB)
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.Verify(context.Background())
			if err != nil {
				return fmt.Errorf("verify: %w", err)
			}
			if err := render(cmd.OutOrStdout(), opts.format, res, func(w io.Writer) {
				if res.Valid {
					fmt.Fprintln(w, "ledger valid")
				}
			}); err != nil {
				return err
			}
			if !res.Valid {
				return fmt.Errorf("ledger invalid: %s", res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "verify this ledger directory offline")
	cmd.Flags().StringVar(&anchorDB, "anchor-db", "", "postgres URL of the checkpoint anchor table (offline only)")
	cmd.Flags().StringVar(&checkpointDir, "checkpoint-dir", "", "checkpoint directory (default: checkpoints next to --data-dir)")
	return cmd
}

func verifyOffline(cmd *cobra.Command, opts *options, dataDir, checkpointDir, anchorDB string) error {
	if checkpointDir == "" {
		checkpointDir = filepath.Join(filepath.Dir(filepath.Clean(dataDir)), "checkpoints")
	}
	rep, err := ledger.VerifyDir(dataDir, checkpointDir, zap.NewNop())
	if err != nil {
		return fmt.Errorf("ledger invalid: %w", err)
	}

	var anchored, missing int
	if anchorDB != "" {
		ctx := context.Background()
		pool, err := pgxpool.New(ctx, anchorDB)
		if err != nil {
			return fmt.Errorf("connect to anchor db: %w", err)
		}
		sink := anchor.NewPostgresSink(pool, zap.NewNop())
		defer sink.Close()

		if anchored, missing, err = compareAnchors(ctx, sink, rep.Checkpoints); err != nil {
			return err
		}
	}

	return render(cmd.OutOrStdout(), opts.format, rep, func(w io.Writer) {
		fmt.Fprintf(w, "ledger valid: %d entries (%d..%d) in %d sealed segments, %d checkpoints recomputed\n",
			rep.Entries, rep.FirstID, rep.LastID, rep.Segments, rep.CheckpointsChecked)
		if anchorDB != "" {
			fmt.Fprintf(w, "anchors: %d match, %d not anchored\n", anchored, missing)
		}
	})
}

// anchorLookup is the read side of the Postgres anchor table.
type anchorLookup interface {
	Lookup(ctx context.Context, segment string) (string, error)
}

// compareAnchors fails on the first checkpoint whose anchored root differs
// from the file on disk.
func compareAnchors(ctx context.Context, a anchorLookup, cps []ledger.Checkpoint) (anchored, missing int, err error) {
	for _, cp := range cps {
		root, err := a.Lookup(ctx, cp.Segment)
		if errors.Is(err, anchor.ErrNotAnchored) {
			missing++
			continue
		}
		if err != nil {
			return anchored, missing, err
		}
		if root != cp.MerkleRoot {
			return anchored, missing, fmt.Errorf("ledger invalid: checkpoint %s root %s differs from anchored %s", cp.Segment, cp.MerkleRoot, root)
		}
		anchored++
	}
	return anchored, missing, nil
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q: must be a positive integer", s)
	}
	return id, nil
}

func parentString(p *uint64) string {
	if p == nil {
		return "-"
	}
	return strconv.FormatUint(*p, 10)
}
