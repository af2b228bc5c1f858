package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/procmon/internal/models"
)

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notes"},
	Short:   "List and acknowledge notifications",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications, newest first",
	RunE:  runNotificationsList,
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read [notification-id]",
	Short: "Mark a notification as read",
	Args:  cobra.ExactArgs(1),
	RunE:  runNotificationsRead,
}

var (
	notesUnread bool
	notesLimit  int
)

func init() {
	notificationsCmd.AddCommand(notificationsListCmd, notificationsReadCmd)
	notificationsListCmd.Flags().BoolVar(&notesUnread, "unread", false, "Only unread notifications")
	notificationsListCmd.Flags().IntVar(&notesLimit, "limit", 50, "Maximum number of notifications")
}

func runNotificationsList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(notesLimit))
	if notesUnread {
		q.Set("unread", "true")
	}

	var notes []models.Notification
	if err := apiGet("/api/notifications?"+q.Encode(), &notes); err != nil {
		return err
	}
	if len(notes) == 0 {
		fmt.Println("No notifications")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tTYPE\tREAD\tTITLE\tMESSAGE")
	for _, n := range notes {
		read := ""
		if n.Read {
			read = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			n.ID, n.CreatedAt.Local().Format("2006-01-02 15:04"), n.Type, read, n.Title, truncate(n.Message, 60))
	}
	return w.Flush()
}

func runNotificationsRead(cmd *cobra.Command, args []string) error {
	if err := apiPost("/api/notifications/"+url.PathEscape(args[0])+"/read", nil, nil); err != nil {
		return err
	}
	fmt.Printf("Marked %s as read\n", args[0])
	return nil
}
