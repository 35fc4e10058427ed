/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"os"

	"github.com/debtdesk/apiserver/config"
	"github.com/debtdesk/apiserver/internal/db"
	"github.com/debtdesk/apiserver/internal/services"
	"github.com/debtdesk/apiserver/internal/store"
	"github.com/spf13/cobra"
)

var newUser services.NewUser

// usersCmd represents the users command
var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage operator accounts",
}

var usersCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an active operator account",
	Long: `Create an active operator account. The password is read from
--password or, when the flag is empty, from the USER_PASSWORD variable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if newUser.Password == "" {
			newUser.Password = os.Getenv("USER_PASSWORD")
		}

		users, closeDB, err := openUserService(cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		user, err := users.Create(cmd.Context(), newUser)
		if err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created user %d <%s> with role %s\n", user.ID, user.Email, user.Role)
		return nil
	},
}

var usersActivateCmd = &cobra.Command{
	Use:   "activate <email>",
	Short: "Allow a user to sign in again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setUserActive(cmd, args[0], true)
	},
}

var usersDeactivateCmd = &cobra.Command{
	Use:   "deactivate <email>",
	Short: "Block a user from signing in and refreshing sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setUserActive(cmd, args[0], false)
	},
}

func init() {
	rootCmd.AddCommand(usersCmd)
	usersCmd.AddCommand(usersCreateCmd, usersActivateCmd, usersDeactivateCmd)

	usersCreateCmd.Flags().StringVar(&newUser.Email, "email", "", "login email")
	usersCreateCmd.Flags().StringVar(&newUser.Password, "password", "", "initial password, at least 8 characters")
	usersCreateCmd.Flags().StringVar(&newUser.FirstName, "first-name", "", "first name")
	usersCreateCmd.Flags().StringVar(&newUser.LastName, "last-name", "", "last name")
	usersCreateCmd.Flags().StringVar(&newUser.Role, "role", "agent", "admin, manager, supervisor or agent")
	_ = usersCreateCmd.MarkFlagRequired("email")
}

func setUserActive(cmd *cobra.Command, email string, active bool) error {
	users, closeDB, err := openUserService(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	if err := users.SetActive(cmd.Context(), email, active); err != nil {
		return fmt.Errorf("update %s: %w", email, err)
	}
	state := "deactivated"
	if active {
		state = "activated"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", state, email)
	return nil
}

func openUserService(cmd *cobra.Command) (*services.UserService, func(), error) {
	cfg := config.LoadConfig()
	dbConn, err := db.Open(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	hasher := services.NewPasswordHasher(1, services.PasswordCost)
	return services.NewUserService(store.NewUserRepository(dbConn), hasher), func() { _ = dbConn.Close() }, nil
}
