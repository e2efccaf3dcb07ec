package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/customgpt/internal/models"
	"github.com/zulandar/customgpt/internal/session"
	"github.com/zulandar/customgpt/internal/store"
)

func newChatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "Browse stored chats",
	}

	cmd.AddCommand(newChatsListCmd())
	cmd.AddCommand(newChatsShowCmd())
	cmd.AddCommand(newChatsRenameCmd())
	return cmd
}

func newChatsListCmd() *cobra.Command {
	var (
		configPath string
		serverURL  string
		limit      int
		skip       int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List chats, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChatsList(cmd, configPath, serverURL, limit, skip)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to customgpt config file")
	cmd.Flags().StringVar(&serverURL, "server", "", "server URL (overrides client.server_url)")
	cmd.Flags().IntVar(&limit, "limit", store.DefaultListLimit, "maximum chats to list")
	cmd.Flags().IntVar(&skip, "skip", 0, "chats to skip")
	return cmd
}

func runChatsList(cmd *cobra.Command, configPath, serverURL string, limit, skip int) error {
	_, cl, err := clientFromConfig(configPath, serverURL)
	if err != nil {
		return err
	}

	res, err := cl.ListChats(cmd.Context(), limit, skip)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(res.Chats) == 0 {
		fmt.Fprintln(out, "No chats found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCREATED\tUPDATED")
	for _, c := range res.Chats {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			c.ChatID, truncate(c.ChatName, 40), formatTime(c.CreatedAt), formatTime(c.LastUpdatedAt))
	}
	w.Flush()
	fmt.Fprintf(out, "\nShowing %d-%d of %d\n", res.Skip+1, res.Skip+len(res.Chats), res.Total)
	return nil
}

func newChatsShowCmd() *cobra.Command {
	var (
		configPath string
		serverURL  string
	)

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a chat transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChatsShow(cmd, configPath, serverURL, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to customgpt config file")
	cmd.Flags().StringVar(&serverURL, "server", "", "server URL (overrides client.server_url)")
	return cmd
}

func runChatsShow(cmd *cobra.Command, configPath, serverURL, id string) error {
	_, cl, err := clientFromConfig(configPath, serverURL)
	if err != nil {
		return err
	}

	chat, err := cl.GetChat(cmd.Context(), id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Chat:     %s\n", chat.ChatID)
	fmt.Fprintf(out, "Name:     %s\n", chat.ChatName)
	fmt.Fprintf(out, "Config:   %s\n", chat.ConfigName)
	fmt.Fprintf(out, "Created:  %s\n", formatTime(chat.CreatedAt))
	fmt.Fprintf(out, "Updated:  %s\n", formatTime(chat.LastUpdatedAt))

	msgs := session.DisplayOrder(chat.Messages)
	if len(msgs) == 0 {
		fmt.Fprintln(out, "\nNo messages.")
		return nil
	}
	fmt.Fprintln(out)
	for _, m := range msgs {
		status := ""
		if m.Status != "" && m.Status != models.StatusSuccess {
			status = " [" + m.Status + "]"
		}
		fmt.Fprintf(out, "%s %s%s: %s\n", formatTime(m.CreatedAt), m.Role, status, m.MessageContent)
	}
	return nil
}

func newChatsRenameCmd() *cobra.Command {
	var (
		configPath string
		serverURL  string
	)

	cmd := &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename a chat",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChatsRename(cmd, configPath, serverURL, args[0], args[1])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to customgpt config file")
	cmd.Flags().StringVar(&serverURL, "server", "", "server URL (overrides client.server_url)")
	return cmd
}

func runChatsRename(cmd *cobra.Command, configPath, serverURL, id, name string) error {
	_, cl, err := clientFromConfig(configPath, serverURL)
	if err != nil {
		return err
	}

	chat, err := cl.UpdateChat(cmd.Context(), id, store.MetadataPatch{ChatName: &name})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Renamed chat %s to %q\n", chat.ChatID, chat.ChatName)
	return nil
}
