package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/cadence/internal/config"
)

var loginToken string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign this device in",
	Long: "Checks the token with the server, signs the local database in as its owner\n" +
		"and saves the token in the OS keyring.",
	Args: cobra.NoArgs,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign this device out and forget the saved token",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

func init() {
	loginCmd.Flags().StringVar(&loginToken, "token", "", "API token issued by the server")
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if loginToken == "" {
		return errors.New("--token is required")
	}

	c, err := openClient(ctx, loginToken, 0)
	if err != nil {
		return err
	}
	defer closeClient(c)

	owner, err := c.Login(ctx)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	if err := config.SaveToken(cfg.Client.ServerURL, loginToken); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed in to %s as %s\n", cfg.Client.ServerURL, owner)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	c, err := openClient(ctx, "", 0)
	if err != nil {
		return err
	}
	defer closeClient(c)

	if err := c.Logout(ctx); err != nil {
		return err
	}
	if err := config.DeleteToken(cfg.Client.ServerURL); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Signed out. Local data is kept on this device.")
	return nil
}
