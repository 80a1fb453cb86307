package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/benvon/dermin/internal/app"
	"github.com/benvon/dermin/internal/models"
)

// readPassword takes the password from the flag or the first line of stdin
func readPassword(cmd *cobra.Command, password string) (string, error) {
	if password != "" {
		return password, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printSession(w io.Writer, sess *models.Session) {
	if sess == nil {
		fmt.Fprintln(w, "Not signed in")
		return
	}
	fmt.Fprintf(w, "Signed in as %s\n", sess.Email)
	if sess.DisplayName != "" {
		fmt.Fprintf(w, "  Name: %s\n", sess.DisplayName)
	}
	fmt.Fprintf(w, "  User ID: %s\n", sess.UserID)
	if sess.Expiry != nil {
		fmt.Fprintf(w, "  Expires: %s\n", sess.Expiry.Local().Format("2006-01-02 15:04"))
	}
}

// NewLoginCmd creates the login command
func NewLoginCmd(rt *Runtime) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in",
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" {
				return fmt.Errorf("--email is required")
			}
			pw, err := readPassword(cmd, password)
			if err != nil {
				return err
			}
			return rt.run(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
				sess, err := a.Session.Login(ctx, email, pw)
				if err != nil {
					return err
				}
				printSession(cmd.OutOrStdout(), sess)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email (required)")
	cmd.Flags().StringVar(&password, "password", "", "Account password (read from stdin when omitted)")

	return cmd
}

// NewRegisterCmd creates the register command
func NewRegisterCmd(rt *Runtime) *cobra.Command {
	var email, password, name string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" {
				return fmt.Errorf("--email is required")
			}
			pw, err := readPassword(cmd, password)
			if err != nil {
				return err
			}
			return rt.run(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
				sess, err := a.Session.Register(ctx, email, pw, name)
				if err != nil {
					return err
				}
				printSession(cmd.OutOrStdout(), sess)
				fmt.Fprintln(cmd.OutOrStdout(), "Next: dermin consent accept")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email (required)")
	cmd.Flags().StringVar(&password, "password", "", "Account password (read from stdin when omitted)")
	cmd.Flags().StringVar(&name, "name", "", "Display name")

	return cmd
}

// NewLogoutCmd creates the logout command
func NewLogoutCmd(rt *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear local state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.run(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
				if err := a.Session.Logout(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
				return nil
			})
		},
	}
}

// NewWhoamiCmd creates the whoami command
func NewWhoamiCmd(rt *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.run(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
				sess, err := a.Session.CurrentUser(ctx)
				if err != nil {
					return err
				}
				printSession(cmd.OutOrStdout(), sess)
				return nil
			})
		},
	}
}

// NewCheckUserCmd creates the check-user command
func NewCheckUserCmd(rt *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "check-user <email>",
		Short: "Report whether an email is registered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.run(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
				exists, err := a.Session.CheckUser(ctx, args[0])
				if err != nil {
					return err
				}
				if exists {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is registered; use dermin login\n", args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is not registered; use dermin register\n", args[0])
				}
				return nil
			})
		},
	}
}

// NewProfileCmd creates the profile command
func NewProfileCmd(rt *Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage the account profile",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set-name <name>",
		Short: "Change the display name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.run(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
				sess, err := a.Session.UpdateProfile(ctx, args[0])
				if err != nil {
					return err
				}
				printSession(cmd.OutOrStdout(), sess)
				return nil
			})
		},
	})

	return cmd
}
