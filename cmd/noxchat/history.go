package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"noxchat/internal/ui"
)

func init() {
	historyCmd.Flags().Int("page", 0, "page number, 0 is the newest")
	searchCmd.Flags().Int("page", 0, "page number")
	unreadCmd.Flags().Int64("from", 0, "only count messages from this user id")
	unreadCmd.Flags().Bool("count", false, "print only the number of unread messages")
	rootCmd.AddCommand(historyCmd, searchCmd, unreadCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history <peer-id>",
	Short: "Print one page of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, err := parsePeer(args[0])
		if err != nil {
			return err
		}
		page, _ := cmd.Flags().GetInt("page")
		a, done, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer done()
		if err := a.RequireSession(time.Now()); err != nil {
			return err
		}
		msgs, offline, err := a.History(cmd.Context(), peer, page)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if offline {
			fmt.Fprintln(out, "(server unreachable, showing cached messages)")
		}
		if len(msgs) == 0 {
			fmt.Fprintln(out, "no messages")
			return nil
		}
		self := a.Session().UserID()
		for _, m := range msgs {
			fmt.Fprintln(out, ui.FormatHistoryLine(m, self))
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <keyword>...",
	Short: "Search messages across conversations",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")
		a, done, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer done()
		if err := a.RequireSession(time.Now()); err != nil {
			return err
		}
		keyword := strings.Join(args, " ")
		res, err := a.Client().Search(cmd.Context(), keyword, page, a.Config().PageSize)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%d match(es) for %q, page %d of %d\n", res.TotalElements, keyword, res.Number+1, max(res.TotalPages, 1))
		self := a.Session().UserID()
		for _, m := range res.Messages {
			fmt.Fprintln(out, ui.FormatHistoryLine(m, self))
		}
		return nil
	},
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "List unread messages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetInt64("from")
		countOnly, _ := cmd.Flags().GetBool("count")
		a, done, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer done()
		if err := a.RequireSession(time.Now()); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if countOnly || from != 0 {
			n, err := a.Client().UnreadCount(cmd.Context(), from)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, n)
			return nil
		}
		msgs, err := a.Client().Unread(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d unread message(s)\n", len(msgs))
		self := a.Session().UserID()
		for _, m := range msgs {
			fmt.Fprintln(out, ui.FormatHistoryLine(m, self))
		}
		return nil
	},
}

func parsePeer(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Errorf("invalid user id %q", s)
	}
	return id, nil
}
