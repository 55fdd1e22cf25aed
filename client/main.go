package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/mahaj/mingle-realtime/pkg/client"
	"github.com/mahaj/mingle-realtime/pkg/config"
	"github.com/mahaj/mingle-realtime/pkg/logging"
	"github.com/mahaj/mingle-realtime/pkg/model"
	"github.com/mahaj/mingle-realtime/pkg/reconcile"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	cfg        config.Client
	userID     string
	typingIdle time.Duration

	logger   *slog.Logger
	closeLog func() error
	api      *client.API
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mingle:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cfg, cfgErr := config.LoadClient()
	opts.cfg = cfg

	cmd := &cobra.Command{
		Use:           "mingle",
		Short:         "Terminal client for the mingle chat services",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgErr != nil {
				return cfgErr
			}
			if opts.userID == "" {
				return fmt.Errorf("--user is required")
			}
			logger, closeLog, err := logging.New(opts.cfg.Log, "client")
			if err != nil {
				return err
			}
			opts.logger, opts.closeLog = logger, closeLog

			opts.api = client.NewAPI(opts.cfg.APIURL, nil)
			_, err = opts.api.Login(cmd.Context(), opts.userID)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.closeLog != nil {
				return opts.closeLog()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfg.APIURL, "api", cfg.APIURL, "api service base URL")
	cmd.PersistentFlags().StringVar(&opts.cfg.GatewayURL, "gateway", cfg.GatewayURL, "gateway websocket URL")
	cmd.PersistentFlags().StringVarP(&opts.userID, "user", "u", "", "user id to log in as")
	cmd.PersistentFlags().DurationVar(&opts.typingIdle, "typing-idle", reconcile.DefaultTypingIdle, "idle time before stop_typing is sent")

	cmd.AddCommand(
		newChatsCommand(opts),
		newHistoryCommand(opts),
		newSendCommand(opts),
		newDMCommand(opts),
		newGroupCommand(opts),
		newAddCommand(opts),
		newPresenceCommand(opts),
		newConnectCommand(opts),
	)
	return cmd
}

func newChatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List your chats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			chats, err := opts.api.Chats(cmd.Context())
			if err != nil {
				return err
			}
			for _, c := range chats {
				printChat(cmd.OutOrStdout(), c, 0)
			}
			return nil
		},
	}
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <chatId>",
		Short: "Print a chat's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := opts.api.Messages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, m := range msgs {
				printMessage(cmd.OutOrStdout(), m)
			}
			return nil
		},
	}
}

func newSendCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send <chatId> <text...>",
		Short: "Send a message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := opts.api.Send(cmd.Context(), model.SendMessage{ChatID: args[0], Text: strings.Join(args[1:], " ")})
			if err != nil {
				return err
			}
			printMessage(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

func newDMCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dm <userId>",
		Short: "Open (or find) the direct chat with a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chat, created, err := opts.api.CreateChat(cmd.Context(), model.CreateChat{MemberIDs: args})
			if err != nil {
				return err
			}
			verb := "existing"
			if created {
				verb = "created"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s direct chat %s\n", verb, chat.ID)
			return nil
		},
	}
}

func newGroupCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "group <name> <memberId...>",
		Short: "Create a group chat",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			chat, _, err := opts.api.CreateChat(cmd.Context(), model.CreateChat{IsGroup: true, Name: args[0], MemberIDs: args[1:]})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created group %s (%s)\n", chat.Name, chat.ID)
			return nil
		},
	}
}

func newAddCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add <chatId> <memberId...>",
		Short: "Add members to a group you administer",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			chat, err := opts.api.AddMembers(cmd.Context(), args[0], args[1:])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s members: %s\n", chat.ID, strings.Join(chat.Members, ", "))
			return nil
		},
	}
}

func newPresenceCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "presence <userId...>",
		Short: "Show who is online",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			online, err := opts.api.Presence(cmd.Context(), args)
			if err != nil {
				return err
			}
			for _, u := range args {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", u, onlineLabel(online[u]))
			}
			return nil
		},
	}
}

func newConnectCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "connect [chatId]",
		Short: "Interactive session: live messages, typing and presence",
		Long: `Connects to the gateway and reads commands from stdin:

  /open <chatId>   switch the active chat
  /chats           show the sidebar with unread counts
  /typing          send a keystroke to the typing indicator
  /quit            leave
  anything else    sends a message to the active chat`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runConnect(ctx, opts, args, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runConnect(ctx context.Context, opts *rootOptions, args []string, in io.Reader, out io.Writer) error {
	s, err := client.Dial(ctx, opts.cfg.GatewayURL, opts.api, opts.typingIdle, opts.logger)
	if err != nil {
		return err
	}
	defer s.Close()

	s.OnEvent = func(env model.Envelope) { render(ctx, out, s, env, opts.logger) }
	if err := s.Sync(ctx); err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	if len(args) == 1 {
		if err := openChat(ctx, out, s, args[0]); err != nil {
			return err
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Fprint(out, "> ")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-runErr:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, out, s, strings.TrimSpace(line)); quit {
				return nil
			}
			fmt.Fprint(out, "> ")
		}
	}
}

func handleLine(ctx context.Context, out io.Writer, s *client.Session, line string) bool {
	switch {
	case line == "":
	case line == "/quit":
		return true
	case line == "/typing":
		s.Keystroke()
	case line == "/chats":
		state := s.State()
		for _, c := range state.Chats() {
			printChat(out, c, state.Unread(c.ID))
		}
	case strings.HasPrefix(line, "/open "):
		if err := openChat(ctx, out, s, strings.TrimSpace(strings.TrimPrefix(line, "/open "))); err != nil {
			fmt.Fprintln(out, "error:", err)
		}
	default:
		if _, err := s.Send(ctx, line); err != nil {
			fmt.Fprintln(out, "error:", err)
		}
	}
	return false
}

func openChat(ctx context.Context, out io.Writer, s *client.Session, chatID string) error {
	if err := s.Open(ctx, chatID); err != nil {
		return err
	}
	fmt.Fprintf(out, "-- %s --\n", chatID)
	for _, m := range s.State().Messages(chatID) {
		printMessage(out, m)
	}
	return nil
}

func render(ctx context.Context, out io.Writer, s *client.Session, env model.Envelope, logger *slog.Logger) {
	state := s.State()
	switch env.Type {
	case model.EventMessageNew:
		var ev model.MessageNew
		if env.Decode(&ev) != nil {
			return
		}
		if ev.Message.ChatID != state.ActiveChat() {
			fmt.Fprintf(out, "\r[%s] new message (%d unread)\n> ", ev.Message.ChatID, state.Unread(ev.Message.ChatID))
			return
		}
		fmt.Fprint(out, "\r")
		printMessage(out, ev.Message)
		fmt.Fprint(out, "> ")
		if ev.Message.SenderID != s.UserID() {
			if _, err := s.MarkSeen(ctx); err != nil {
				logger.Warn("mark read failed", "chat_id", ev.Message.ChatID, "error", err)
			}
		}
	case model.EventTyping:
		var ev model.TypingSignal
		if env.Decode(&ev) == nil && ev.ChatID == state.ActiveChat() {
			fmt.Fprintf(out, "\r%s is typing...\n> ", strings.Join(state.Typing(ev.ChatID), ", "))
		}
	case model.EventPresenceChanged:
		var ev model.PresenceChanged
		if env.Decode(&ev) == nil {
			fmt.Fprintf(out, "\r%s is %s\n> ", ev.UserID, onlineLabel(ev.Online))
		}
	case model.EventChatNew:
		var ev model.ChatNew
		if env.Decode(&ev) == nil && ev.Chat != nil {
			fmt.Fprintf(out, "\rnew chat %s\n> ", ev.Chat.ID)
		}
	case model.EventError:
		var ev model.ErrorEvent
		if env.Decode(&ev) == nil {
			fmt.Fprintf(out, "\rerror (%s): %s\n> ", ev.Code, ev.Message)
		}
	}
}

func printChat(out io.Writer, c *model.Chat, unread int) {
	name := c.Name
	if name == "" {
		name = strings.Join(c.Members, ", ")
	}
	last := ""
	if c.LastMessage != nil {
		last = c.LastMessage.SenderID + ": " + c.LastMessage.Text
	}
	fmt.Fprintf(out, "%s\t%s\t%d unread\t%s\n", c.ID, name, unread, last)
}

func printMessage(out io.Writer, m *model.Message) {
	read := ""
	if len(m.ReadBy) > 0 {
		read = fmt.Sprintf(" (read by %d)", len(m.ReadBy))
	}
	body := m.Text
	if m.ImageURL != "" {
		body = strings.TrimSpace(body + " [image " + m.ImageURL + "]")
	}
	fmt.Fprintf(out, "%s %s: %s%s\n", m.CreatedAt.Local().Format("15:04"), m.SenderID, body, read)
}

func onlineLabel(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
