package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"plixmap/api/internal/auth"
	"plixmap/api/internal/rbac"
)

var (
	tokenUser string
	tokenName string
	tokenRole string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage session tokens",
}

// tokenIssueCmd signs a token locally with the server secret; useful for
// development and scripted checks.
var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a session token signed with PLIXMAP_TOKEN_SECRET",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		issuer := auth.NewIssuer(cfg.TokenSecret, cfg.AccessTTL, nil)
		name := tokenName
		if name == "" {
			name = tokenUser
		}
		role := rbac.Normalize(tokenRole)
		tok, err := issuer.Issue(auth.Identity{UserID: tokenUser, Name: name, Role: role})
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		return emit(cmd, map[string]any{"token": tok, "userId": tokenUser, "role": role}, func(w io.Writer) {
			fmt.Fprintln(w, tok)
		})
	},
}

func init() {
	tokenIssueCmd.Flags().StringVar(&tokenUser, "user", "", "user id")
	tokenIssueCmd.Flags().StringVar(&tokenName, "name", "", "display name (defaults to the user id)")
	tokenIssueCmd.Flags().StringVar(&tokenRole, "role", string(rbac.RoleEditor), "role: viewer, editor, admin or superadmin")
	_ = tokenIssueCmd.MarkFlagRequired("user")
	tokenCmd.AddCommand(tokenIssueCmd)
	rootCmd.AddCommand(tokenCmd)
}
