package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"plixmap/api/internal/protocol"
	"plixmap/api/internal/search"
)

var (
	searchType  string
	searchLimit int
	stateSeed   bool
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the identity behind the token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		s, err := c.Session(cmd.Context())
		if err != nil {
			return fmt.Errorf("session: %w", err)
		}
		return emit(cmd, s, func(w io.Writer) {
			fmt.Fprintf(w, "%s (%s), role %s\n", s.UserName, s.UserID, s.Role)
		})
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect the stored floor-plan graph",
}

var stateGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the clients, sites and floor plans on the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		load := c.LoadState
		if stateSeed {
			load = func(ctx context.Context) (protocol.StateResponse, error) { return loadOrSeed(ctx, c) }
		}
		state, err := load(cmd.Context())
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		return emit(cmd, state, func(w io.Writer) { printState(w, state) })
	},
}

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "List connected users",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		users, err := c.Presence(cmd.Context())
		if err != nil {
			return fmt.Errorf("presence: %w", err)
		}
		return emit(cmd, map[string]any{"users": users}, func(w io.Writer) {
			if len(users) == 0 {
				fmt.Fprintln(w, "Nobody online.")
				return
			}
			for _, u := range users {
				fmt.Fprintf(w, "%-20s %-16s since %s\n", u.ActorID, u.IP, u.ConnectedAt.Format(time.RFC3339))
			}
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Search floor plans and objects",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		resp, err := c.Search(cmd.Context(), search.Query{
			Text:       strings.Join(args, " "),
			FilterType: search.ResultType(searchType),
			Limit:      searchLimit,
		})
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
		return emit(cmd, resp, func(w io.Writer) {
			fmt.Fprintf(w, "%d result(s) for %q\n", resp.Total, resp.Query)
			for _, r := range resp.Results {
				fmt.Fprintf(w, "  [%s] %s  plan=%s\n", r.Type, r.Title, r.PlanID)
			}
		})
	},
}

type stateAPI interface {
	LoadState(ctx context.Context) (protocol.StateResponse, error)
	SaveState(ctx context.Context, req protocol.SaveStateRequest) (protocol.SaveStateResponse, error)
}

// loadOrSeed loads the stored graph. A server that has never stored one
// (no updatedAt) is seeded with an empty graph and the default object types
// first.
func loadOrSeed(ctx context.Context, api stateAPI) (protocol.StateResponse, error) {
	state, err := api.LoadState(ctx)
	if err != nil || state.UpdatedAt != nil {
		return state, err
	}
	seed := protocol.SaveStateRequest{Clients: []protocol.Client{}, ObjectTypes: protocol.DefaultObjectTypes()}
	if _, err := api.SaveState(ctx, seed); err != nil {
		return state, fmt.Errorf("seed state: %w", err)
	}
	return api.LoadState(ctx)
}

func printState(w io.Writer, state protocol.StateResponse) {
	if state.UpdatedAt == nil {
		fmt.Fprintln(w, "No state stored yet.")
		return
	}
	fmt.Fprintf(w, "Updated %s, %d object type(s)\n", state.UpdatedAt.Format(time.RFC3339), len(state.ObjectTypes))
	for _, client := range state.Clients {
		fmt.Fprintf(w, "%s (%s)\n", client.Name, client.ID)
		for _, site := range client.Sites {
			fmt.Fprintf(w, "  %s (%s)\n", site.Name, site.ID)
			for _, plan := range site.FloorPlans {
				fmt.Fprintf(w, "    %-24s %s, %d object(s)\n", plan.ID, plan.Name, len(plan.Objects))
			}
		}
	}
}

func init() {
	searchCmd.Flags().StringVar(&searchType, "type", "", "restrict to plan or object")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "maximum results")
	stateGetCmd.Flags().BoolVar(&stateSeed, "seed", false, "seed an empty server with the default object types")
	stateCmd.AddCommand(stateGetCmd)
	rootCmd.AddCommand(whoamiCmd, stateCmd, presenceCmd, searchCmd)
}
