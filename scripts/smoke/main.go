package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mahaj/mingle-realtime/pkg/client"
	"github.com/mahaj/mingle-realtime/pkg/config"
	"github.com/mahaj/mingle-realtime/pkg/logging"
	"github.com/mahaj/mingle-realtime/pkg/model"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "smoke:", err)
		os.Exit(1)
	}
}

// run drives the REST surface end to end against a running API: two users,
// a direct chat, one message, a read receipt, and a membership check.
func run() error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	logger, closeLog, err := logging.New(cfg.Log, "smoke")
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	suffix := time.Now().Format("150405")
	alice, bob, eve := client.NewAPI(cfg.APIURL, nil), client.NewAPI(cfg.APIURL, nil), client.NewAPI(cfg.APIURL, nil)
	for user, api := range map[string]*client.API{"alice-" + suffix: alice, "bob-" + suffix: bob, "eve-" + suffix: eve} {
		if _, err := api.Login(ctx, user); err != nil {
			return err
		}
	}

	chat, created, err := alice.CreateChat(ctx, model.CreateChat{MemberIDs: []string{bob.Tokens().UserID}})
	if err != nil {
		return err
	}
	logger.Info("direct chat", "chat_id", chat.ID, "created", created)

	again, _, err := bob.CreateChat(ctx, model.CreateChat{MemberIDs: []string{alice.Tokens().UserID}})
	if err != nil {
		return err
	}
	if again.ID != chat.ID {
		return fmt.Errorf("direct chat not deduplicated: %s != %s", again.ID, chat.ID)
	}

	msg, err := alice.Send(ctx, model.SendMessage{ChatID: chat.ID, Text: "smoke test"})
	if err != nil {
		return err
	}
	history, err := bob.Messages(ctx, chat.ID)
	if err != nil {
		return err
	}
	if len(history) == 0 || history[len(history)-1].ID != msg.ID {
		return fmt.Errorf("message %s missing from history", msg.ID)
	}

	for i, want := range []int{1, 0} {
		added, err := bob.MarkRead(ctx, chat.ID, []string{msg.ID})
		if err != nil {
			return err
		}
		if added != want {
			return fmt.Errorf("mark read call %d added %d receipts, want %d", i+1, added, want)
		}
	}

	if _, err := eve.Messages(ctx, chat.ID); !errors.Is(err, model.ErrNotMember) {
		return fmt.Errorf("non-member history read: got %v, want not_member", err)
	}

	if _, err := alice.Refresh(ctx); err != nil {
		return err
	}
	logger.Info("smoke test passed", "chat_id", chat.ID, "message_id", msg.ID)
	return nil
}
