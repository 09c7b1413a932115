package main

import (
	"encoding/json"
	"fmt"
	"strings"

	omegachat "github.com/omegachat/omegachat-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	usersJSON    bool
	messagesJSON bool
	sendFile     string
	sendJSON     bool
	searchJSON   bool
)

func init() {
	usersCmd.Flags().BoolVar(&usersJSON, "json", false, "Output raw JSON")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")
	sendCmd.Flags().StringVar(&sendFile, "file", "", "Attach a local file")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(usersCmd, messagesCmd, sendCmd, editCmd, deleteCmd, searchCmd)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func printMessage(a *app, m *omegachat.Message) {
	edited := ""
	if m.Edited {
		edited = " (edited)"
	}
	body := m.Text
	if m.Attachment != nil {
		att := fmt.Sprintf("[%s %s, %d bytes] %s", m.Attachment.Kind, m.Attachment.Name, m.Attachment.Size, m.Attachment.URL)
		body = strings.TrimSpace(body + " " + att)
	}
	fmt.Printf("[%s] %s: %s%s  (%s)\n", formatClock(m.CreatedAt), senderLabel(a, m.SenderID), body, edited, m.ID)
}

// ============================================================================
// users
// ============================================================================

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List the other users",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.close()

		users, err := a.client.Users.List(ctx)
		if err != nil {
			return explain(err)
		}
		if usersJSON {
			return printJSON(users)
		}
		if len(users) == 0 {
			fmt.Println("No other users yet.")
			return nil
		}
		for _, u := range users {
			status := "offline"
			if u.Online {
				status = "online"
			}
			fmt.Printf("  %-24s %-32s %-8s %s\n", u.Name, u.Email, status, u.ID)
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <user-id>",
	Short: "Show the conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.close()

		msgs, err := a.client.Messages.History(ctx, args[0])
		if err != nil {
			return explain(err)
		}
		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for i := range msgs {
			printMessage(a, &msgs[i])
		}
		return nil
	},
}

// ============================================================================
// send / edit / delete
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <user-id> [message]",
	Short: "Send a message, optionally with a file",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		draft := &omegachat.Draft{To: args[0]}
		if len(args) == 2 {
			draft.Text = args[1]
		}

		ctx, cancel := requestContext()
		defer cancel()
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.close()

		if sendFile != "" {
			att, err := a.client.Files.UploadFile(ctx, sendFile)
			if err != nil {
				return explain(err)
			}
			draft.Attachment = att
		}
		msg, err := a.client.Messages.Create(ctx, draft)
		if err != nil {
			return explain(err)
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Message sent to %s\n", msg.ReceiverID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		if msg.Attachment != nil {
			fmt.Printf("  File:       %s\n", msg.Attachment.URL)
		}
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <message-id> <text>",
	Short: "Change the text of a message you sent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.close()

		msg, err := a.client.Messages.Edit(ctx, args[0], args[1])
		if err != nil {
			return explain(err)
		}
		printMessage(a, msg)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete a message you sent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.client.Messages.Remove(ctx, args[0]); err != nil {
			return explain(err)
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

// ============================================================================
// search
// ============================================================================

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search your messages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.close()

		msgs, err := a.client.Messages.Search(ctx, strings.Join(args, " "))
		if err != nil {
			return explain(err)
		}
		if searchJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for i := range msgs {
			printMessage(a, &msgs[i])
		}
		return nil
	},
}
