package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/deskworks/support-desk/internal/auth"
	"github.com/deskworks/support-desk/internal/config"
	"github.com/deskworks/support-desk/internal/domain"
)

func newTokenCommand() *cobra.Command {
	var (
		id    string
		name  string
		email string
		role  string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an agent access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			agentRole := domain.AgentRole(role)
			if !agentRole.Valid() {
				return fmt.Errorf("unknown role %q", role)
			}
			if id == "" {
				id = uuid.NewString()
			}
			tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)
			token, expires, err := tokens.GenerateToken(&domain.Agent{ID: id, Name: name, Email: email, Role: agentRole})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "agent %s expires %s\n", id, expires.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "agent id (random when empty)")
	cmd.Flags().StringVar(&name, "name", "", "agent display name")
	cmd.Flags().StringVar(&email, "email", "", "agent email")
	cmd.Flags().StringVar(&role, "role", string(domain.AgentRoleAgent), "AGENT or ADMIN")
	return cmd
}
