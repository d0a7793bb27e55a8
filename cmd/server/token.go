package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/server"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

// tokenCmd mints a bearer token for an existing user, for manual testing
// with the /test page or a WebSocket client.
func tokenCmd(envFile *string) *cobra.Command {
	var userID, username string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := server.LoadConfig(*envFile)
			if err != nil {
				return err
			}
			tokens, err := auth.NewJWT(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Expiration)
			if err != nil {
				return err
			}

			id, err := resolveUser(cmd.Context(), cfg, userID, username)
			if err != nil {
				return err
			}

			token, err := tokens.Issue(id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id to issue the token for")
	cmd.Flags().StringVar(&username, "username", "", "username to look up in the configured store")
	cmd.MarkFlagsMutuallyExclusive("user", "username")
	cmd.MarkFlagsOneRequired("user", "username")

	return cmd
}

func resolveUser(ctx context.Context, cfg *server.Config, userID, username string) (uuid.UUID, error) {
	if userID != "" {
		id, err := uuid.Parse(userID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid user id: %w", err)
		}
		return id, nil
	}

	st, err := store.Open(store.Options{
		Driver:     cfg.Store.Driver,
		BadgerPath: cfg.Store.BadgerPath,
		SQLitePath: cfg.Store.SQLitePath,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	user, err := st.FindUserByUsername(ctx, username)
	if err != nil {
		return uuid.Nil, fmt.Errorf("find user %q: %w", username, err)
	}
	return user.ID, nil
}
