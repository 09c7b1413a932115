package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	omegachat "github.com/omegachat/omegachat-go"
	"github.com/spf13/cobra"
)

var (
	signupName     string
	signupMobile   string
	signupPassword string
	loginPassword  string
	statusJSON     bool

	passwdCurrent string
	passwdNew     string
)

func init() {
	signupCmd.Flags().StringVar(&signupName, "name", "", "Display name (required)")
	signupCmd.Flags().StringVar(&signupMobile, "mobile", "", "Mobile number")
	signupCmd.Flags().StringVar(&signupPassword, "password", "", "Password (prompted when omitted)")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Password (prompted when omitted)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output raw JSON")
	passwdCmd.Flags().StringVar(&passwdCurrent, "current", "", "Current password (prompted when omitted)")
	passwdCmd.Flags().StringVar(&passwdNew, "new", "", "New password (prompted when omitted)")

	rootCmd.AddCommand(signupCmd, loginCmd, logoutCmd, statusCmd, passwdCmd)
}

var stdin = bufio.NewReader(os.Stdin)

// readPassword falls back to a line from stdin.
func readPassword(flagValue string) (string, error) {
	return promptSecret("Password", flagValue)
}

func promptSecret(label, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	fmt.Fprintf(os.Stderr, "%s: ", label)
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("cannot read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

var signupCmd = &cobra.Command{
	Use:   "signup <email>",
	Short: "Create an account and sign in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if signupName == "" {
			return fmt.Errorf("--name is required")
		}
		password, err := readPassword(signupPassword)
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.close()

		u, err := a.client.Auth.Signup(ctx, &omegachat.SignupOptions{
			Name:     signupName,
			Email:    args[0],
			Mobile:   signupMobile,
			Password: password,
		})
		if err != nil {
			return explain(err)
		}
		if err := a.remember(u); err != nil {
			return fmt.Errorf("signed up, but failed to save config: %w", err)
		}
		fmt.Printf("Signed up as %s <%s>\n", u.Name, u.Email)
		fmt.Printf("  User ID: %s\n", u.ID)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in and store the token locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword(loginPassword)
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.close()

		u, err := a.client.Auth.Login(ctx, args[0], password)
		if err != nil {
			return explain(err)
		}
		if err := a.remember(u); err != nil {
			return fmt.Errorf("signed in, but failed to save config: %w", err)
		}
		fmt.Printf("Signed in as %s <%s>\n", u.Name, u.Email)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.client.Auth.Logout(ctx); err != nil {
			return err
		}
		if err := a.remember(nil); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Signed out.")
		return nil
	},
}

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the account password",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		current, err := promptSecret("Current password", passwdCurrent)
		if err != nil {
			return err
		}
		next, err := promptSecret("New password", passwdNew)
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.client.Auth.ChangePassword(ctx, current, next); err != nil {
			return explain(err)
		}
		fmt.Println("Password changed.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and validate the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.close()

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", a.client.BaseURL())
		if a.cfg.Default.RedisURL != "" {
			fmt.Printf("  Credentials: redis (%s)\n", valueOrDefault(a.cfg.Default.Profile, "default"))
		} else {
			path, _ := credentialsPath()
			fmt.Printf("  Credentials: %s\n", path)
		}

		fmt.Println()
		fmt.Println("Auth:")
		if _, ok := a.client.Session().Credential(); !ok {
			fmt.Println("  Token:       none")
			return nil
		}
		fmt.Printf("  Email:       %s\n", valueOrDefault(a.cfg.Auth.Email, "(unknown)"))

		me, err := a.client.Auth.Me(ctx)
		if err != nil {
			fmt.Printf("  Token:       invalid (%v)\n", explain(err))
			if err := a.remember(a.client.Session().User()); err != nil {
				return err
			}
			return nil
		}
		if statusJSON {
			return printJSON(me)
		}
		fmt.Println("  Token:       valid")
		fmt.Printf("  Name:        %s\n", me.Name)
		fmt.Printf("  User ID:     %s\n", me.ID)
		return a.remember(me)
	},
}
