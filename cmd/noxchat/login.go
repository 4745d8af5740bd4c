package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func init() {
	loginCmd.Flags().String("email", "", "account email")
	loginCmd.Flags().String("password", "", "account password (prompted when omitted)")
	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store the session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, done, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer done()

		in := bufio.NewReader(cmd.InOrStdin())
		email, _ := cmd.Flags().GetString("email")
		if email == "" {
			if email, err = promptLine(in, cmd.OutOrStdout(), "Email: "); err != nil {
				return err
			}
		}
		password, _ := cmd.Flags().GetString("password")
		if password == "" {
			if password, err = promptPassword(in, cmd.OutOrStdout()); err != nil {
				return err
			}
		}
		user, err := a.Login(cmd.Context(), email, password)
		if err != nil {
			return errors.Wrap(err, "login")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (id %d)\n", user.Username, user.ID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session and cached history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, done, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer done()
		if err := a.Logout(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "logged out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the stored session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, done, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer done()
		if !a.Session().Authenticated() {
			fmt.Fprintln(cmd.OutOrStdout(), "not logged in")
			return nil
		}
		user := a.Session().User()
		fmt.Fprintf(cmd.OutOrStdout(), "%s (id %d) %s\n", user.Username, user.ID, user.Email)
		return nil
	},
}

func promptLine(in *bufio.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", errors.Wrap(err, "read input")
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("value is required")
	}
	return line, nil
}

// promptPassword masks input on a terminal and falls back to a plain line
// read when stdin is piped.
func promptPassword(in *bufio.Reader, out io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptLine(in, out, "Password: ")
	}
	fmt.Fprint(out, "Password: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", errors.Wrap(err, "read password")
	}
	if len(raw) == 0 {
		return "", errors.New("password is required")
	}
	return string(raw), nil
}
