package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"plixmap/api/internal/protocol"
)

var (
	requestMinutes float64
	requestMessage string
	forceGrace     int
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect and negotiate floor-plan locks",
}

var locksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List locks, reservations and running force unlocks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		snap, err := c.Locks(cmd.Context())
		if err != nil {
			return fmt.Errorf("list locks: %w", err)
		}
		return emit(cmd, snap, func(w io.Writer) { printLocks(w, snap) })
	},
}

var locksAcquireCmd = &cobra.Command{
	Use:   "acquire <planId>",
	Short: "Take the lock on a floor plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		lock, err := c.Acquire(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("acquire %s: %w", args[0], err)
		}
		return emit(cmd, lock, func(w io.Writer) {
			fmt.Fprintf(w, "Lock acquired on %s since %s\n", lock.DocumentID, lock.AcquiredAt.Format(time.RFC3339))
		})
	},
}

var locksReleaseCmd = &cobra.Command{
	Use:   "release <planId>",
	Short: "Release a lock you hold",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.Release(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("release %s: %w", args[0], err)
		}
		return emit(cmd, map[string]any{"ok": true}, func(w io.Writer) {
			fmt.Fprintf(w, "Lock released on %s\n", args[0])
		})
	},
}

var locksRequestCmd = &cobra.Command{
	Use:   "request <planId>",
	Short: "Ask the current holder to hand a lock over",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !protocol.ValidGrantMinutes(requestMinutes) {
			return fmt.Errorf("--minutes must be between %.1f and %.0f", protocol.MinGrantMinutes, protocol.MaxGrantMinutes)
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		holder, err := holderOf(cmd.Context(), c.Locks, args[0])
		if err != nil {
			return err
		}
		req, err := c.RequestUnlock(cmd.Context(), args[0], holder, requestMessage, requestMinutes)
		if err != nil {
			return fmt.Errorf("request unlock: %w", err)
		}
		return emit(cmd, req, func(w io.Writer) {
			fmt.Fprintf(w, "Unlock request %s sent to %s\n", req.ID, req.HolderID)
		})
	},
}

var locksGrantCmd = &cobra.Command{
	Use:   "grant <requestId>",
	Short: "Grant an unlock request addressed to you",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.GrantUnlock(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("grant %s: %w", args[0], err)
		}
		return emit(cmd, res, func(w io.Writer) {
			fmt.Fprintf(w, "%s reserved for %s until %s\n", res.DocumentID, res.GrantedToID, res.ExpiresAt.Format(time.RFC3339))
		})
	},
}

var locksDenyCmd = &cobra.Command{
	Use:   "deny <requestId>",
	Short: "Deny an unlock request addressed to you",
	Args:  cobra.ExactArgs(1),
	RunE:  simpleCall("deny", func(ctx context.Context, c lockCaller, id string) error { return c.DenyUnlock(ctx, id) }),
}

var locksCancelCmd = &cobra.Command{
	Use:   "cancel <requestId>",
	Short: "Withdraw one of your unlock requests",
	Args:  cobra.ExactArgs(1),
	RunE:  simpleCall("cancel", func(ctx context.Context, c lockCaller, id string) error { return c.CancelUnlock(ctx, id) }),
}

var locksForceCmd = &cobra.Command{
	Use:   "force <planId>",
	Short: "Start a force unlock (admins only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !protocol.ValidGraceMinutes(forceGrace) {
			return fmt.Errorf("--grace must be between %d and %d", protocol.MinGraceMinutes, protocol.MaxGraceMinutes)
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		force, err := c.ForceUnlock(cmd.Context(), args[0], forceGrace)
		if err != nil {
			return fmt.Errorf("force unlock %s: %w", args[0], err)
		}
		return emit(cmd, force, func(w io.Writer) {
			fmt.Fprintf(w, "Force unlock %s on %s: grace until %s, decision until %s\n",
				force.ID, force.DocumentID, force.GraceDeadline.Format(time.RFC3339), force.DecisionDeadline.Format(time.RFC3339))
		})
	},
}

var locksForceCancelCmd = &cobra.Command{
	Use:   "force-cancel <planId>",
	Short: "Cancel a running force unlock",
	Args:  cobra.ExactArgs(1),
	RunE: simpleCall("cancel force unlock", func(ctx context.Context, c lockCaller, id string) error {
		return c.CancelForceUnlock(ctx, id)
	}),
}

var locksResolveCmd = &cobra.Command{
	Use:   "resolve <planId> <save|discard>",
	Short: "Answer a force unlock as the holder",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, err := protocol.ParseForceAction(args[1])
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ev, err := c.ResolveForceUnlock(cmd.Context(), args[0], action)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", args[0], err)
		}
		return emit(cmd, ev, func(w io.Writer) {
			switch {
			case ev.Acquired:
				fmt.Fprintf(w, "%s handed to %s\n", args[0], ev.Request.RequesterID)
			case ev.Reservation != nil:
				fmt.Fprintf(w, "%s reserved for %s until %s\n", args[0], ev.Reservation.GrantedToID, ev.Reservation.ExpiresAt.Format(time.RFC3339))
			default:
				fmt.Fprintf(w, "%s resolved with %s\n", args[0], action)
			}
		})
	},
}

type lockCaller interface {
	DenyUnlock(ctx context.Context, requestID string) error
	CancelUnlock(ctx context.Context, requestID string) error
	CancelForceUnlock(ctx context.Context, documentID string) error
}

func simpleCall(what string, call func(ctx context.Context, c lockCaller, id string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := call(cmd.Context(), c, args[0]); err != nil {
			return fmt.Errorf("%s %s: %w", what, args[0], err)
		}
		return emit(cmd, map[string]any{"ok": true}, func(w io.Writer) {
			fmt.Fprintf(w, "%s: %s done\n", args[0], what)
		})
	}
}

func holderOf(ctx context.Context, locks func(context.Context) (protocol.GlobalPresence, error), planID string) (string, error) {
	snap, err := locks(ctx)
	if err != nil {
		return "", fmt.Errorf("list locks: %w", err)
	}
	lock, ok := snap.LockedPlans[planID]
	if !ok {
		return "", fmt.Errorf("%s is not locked", planID)
	}
	return lock.HolderID, nil
}

func printLocks(w io.Writer, snap protocol.GlobalPresence) {
	if len(snap.LockedPlans)+len(snap.Reservations)+len(snap.ForceUnlocks) == 0 {
		fmt.Fprintln(w, "No locks.")
		return
	}
	for _, id := range sortedKeys(snap.LockedPlans) {
		l := snap.LockedPlans[id]
		holder := l.HolderID
		if l.HolderName != "" {
			holder = fmt.Sprintf("%s (%s)", l.HolderName, l.HolderID)
		}
		fmt.Fprintf(w, "%-24s locked by %s since %s\n", id, holder, l.AcquiredAt.Format(time.RFC3339))
	}
	for _, id := range sortedKeys(snap.Reservations) {
		r := snap.Reservations[id]
		fmt.Fprintf(w, "%-24s reserved for %s until %s\n", id, r.GrantedToID, r.ExpiresAt.Format(time.RFC3339))
	}
	for _, id := range sortedKeys(snap.ForceUnlocks) {
		f := snap.ForceUnlocks[id]
		fmt.Fprintf(w, "%-24s force unlock by %s (%s) decision by %s\n", id, f.RequesterID, f.Status, f.DecisionDeadline.Format(time.RFC3339))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func init() {
	locksRequestCmd.Flags().Float64Var(&requestMinutes, "minutes", 10, "reservation length if granted (0.5 to 60)")
	locksRequestCmd.Flags().StringVar(&requestMessage, "message", "", "note for the holder")
	locksForceCmd.Flags().IntVar(&forceGrace, "grace", 5, "grace minutes before the decision window (0 to 60)")
	locksCmd.AddCommand(locksListCmd, locksAcquireCmd, locksReleaseCmd, locksRequestCmd, locksGrantCmd,
		locksDenyCmd, locksCancelCmd, locksForceCmd, locksForceCancelCmd, locksResolveCmd)
	rootCmd.AddCommand(locksCmd)
}
