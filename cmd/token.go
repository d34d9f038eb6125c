package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zlnvch/boardsync/service"
)

var (
	tokenUser string
	tokenName string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a signed token for local testing",
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id (token subject)")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name (defaults to the user id)")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if tokenUser == "" {
		return errors.New("--user is required")
	}
	secret, err := cfg.Secret()
	if err != nil {
		return err
	}

	name := tokenName
	if name == "" {
		name = tokenUser
	}
	token, err := service.NewJWTResolver(secret).CreateJWT(tokenUser, name)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
