package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/gommon/log"

	"uk.co.dudmesh.waggle/internal/boot"
	"uk.co.dudmesh.waggle/internal/chatstore"
	"uk.co.dudmesh.waggle/internal/model"
	"uk.co.dudmesh.waggle/internal/service/chat"
	"uk.co.dudmesh.waggle/internal/service/directory"
	"uk.co.dudmesh.waggle/internal/transport"
	"uk.co.dudmesh.waggle/pkg/event"
)

type loginResponse struct {
	User  model.User `json:"user"`
	Token string     `json:"token"`
}

func login(config *boot.Config, email, password string) (*loginResponse, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, fmt.Errorf("marshalling login request: %w", err)
	}

	res, err := http.Post(config.ServerURL+"/api/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("calling login: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, model.ErrorInvalidUsernameOrPassword
	}

	out := &loginResponse{}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("decoding login response: %w", err)
	}
	return out, nil
}

func main() {
	config, err := boot.Load()
	if err != nil {
		log.Fatalf("boot: %+v", err)
	}

	email := os.Getenv("CHAT_EMAIL")
	password := os.Getenv("CHAT_PASSWORD")
	if email == "" || password == "" {
		log.Fatalf("CHAT_EMAIL and CHAT_PASSWORD must be set")
	}

	session, err := login(config, email, password)
	if err != nil {
		log.Fatalf("login: %+v", err)
	}
	log.Infof("logged in as %s (%s)", session.User.Name, session.User.ID)

	store, err := chatstore.Open(session.User.ID, config)
	if err != nil {
		log.Fatalf("opening chat store: %+v", err)
	}
	defer store.Close()

	channel := transport.New(transport.Config{
		URL:                  config.SocketURL,
		HeartbeatInterval:    config.HeartbeatInterval,
		ReconnectBaseDelay:   config.ReconnectBaseDelay,
		MaxReconnectAttempts: config.MaxReconnectAttempts,
		DedupeRetention:      config.DedupeRetention,
	})
	channel.OnStatusChange(func(status transport.Status) {
		log.Infof("connection status: %s", status)
	})

	coordinator := chat.New(session.User, store, channel)
	coordinator.OnError(func(e event.Error) {
		log.Warnf("server error %s: %s", e.Code, e.Message)
	})
	tracker := chat.NewReadReceiptTracker(store, channel)

	dir := directory.New(config.ServerURL, session.Token)
	if err := dir.Hydrate(context.Background(), store); err != nil {
		log.Warnf("hydrating store: %+v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := channel.Connect(ctx, session.User.ID, session.Token); err != nil {
		cancel()
		log.Fatalf("connect: %+v", err)
	}
	cancel()

	// a UI would do this when a conversation is brought to the front; the
	// headless client opens the most recent one
	if conversations := store.Conversations(); len(conversations) > 0 {
		top := conversations[0]
		if acked, err := tracker.ConversationOpened(context.Background(), top.ID); err == nil {
			log.Infof("acknowledged %d messages in %s", acked, top.ID)
		}
	}

	pruneTicker := time.NewTicker(config.DedupePruneInterval)
	defer pruneTicker.Stop()
	go func() {
		for range pruneTicker.C {
			if pruned := channel.PruneSeenEvents(); pruned > 0 {
				log.Debugf("pruned %d idempotency keys", pruned)
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	channel.Disconnect()
}
