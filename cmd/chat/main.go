package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"heyochat/internal/api"
	"heyochat/internal/chat"
	"heyochat/internal/client"
	"heyochat/internal/config"
	"heyochat/internal/logging"
	"heyochat/internal/models"
	"heyochat/internal/view"
)

const usage = `commands:
  /list              show conversations
  /open <partnerId>  open a conversation
  /search <text>     filter conversations (empty clears)
  /friends           friends without a conversation
  /new <friendId>    start a conversation
  /unread            total unread messages
  /quit              sign out
anything else is sent to the open conversation`

func main() {
	token := flag.String("token", os.Getenv("CHAT_TOKEN"), "Bearer credential")
	username := flag.String("user", "", "Log in with this username instead of -token")
	password := flag.String("password", "", "Password for -user")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development, OutputPaths: []string{"stderr"}})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *username != "" {
		auth := api.NewClient(api.Options{BaseURL: cfg.APIURL(), RetryMax: cfg.HTTP.RetryMax}, logger.Logger, nil)
		resp, err := auth.Login(ctx, *username, *password)
		if err != nil {
			logger.Fatal("Login failed", zap.Error(err))
		}
		*token = resp.Token
	}
	if *token == "" {
		logger.Fatal("No credential: pass -token, set CHAT_TOKEN or use -user/-password")
	}

	session, err := client.New(cfg, logger.Logger)
	if err != nil {
		logger.Fatal("Failed to create session", zap.Error(err))
	}
	if err := session.Start(ctx, *token); err != nil {
		logger.Fatal("Failed to start session", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		session.Shutdown(shutdownCtx)
	}()

	v := session.View()
	go printEvents(ctx, v)
	fmt.Println(usage)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handleLine(ctx, session, strings.TrimSpace(line)) {
				return
			}
		}
	}
}

func handleLine(ctx context.Context, session *client.Session, line string) bool {
	v := session.View()
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "":
	case "/quit":
		return false
	case "/list":
		printConversations(v.Conversations())
	case "/open":
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			fmt.Println("usage: /open <partnerId>")
			break
		}
		if err := v.SelectConversation(ctx, id); err != nil {
			fmt.Println("open failed:", err)
			break
		}
		for _, m := range v.Messages() {
			printMessage(m)
		}
	case "/search":
		if err := v.SearchConversations(ctx, arg); err != nil {
			fmt.Println("search failed:", err)
		}
		printConversations(v.Conversations())
	case "/friends":
		friends, err := v.FriendsWithoutChat(ctx)
		if err != nil {
			fmt.Println("friends failed:", err)
			break
		}
		for _, f := range friends {
			fmt.Printf("  %d %s\n", f.ID, f.Username)
		}
	case "/new":
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			fmt.Println("usage: /new <friendId>")
			break
		}
		if _, err := v.OpenNewConversation(ctx, id); err != nil {
			fmt.Println("create failed:", err)
		}
	case "/unread":
		n, err := session.UnreadTotal(ctx)
		if err != nil {
			fmt.Println("unread failed:", err)
			break
		}
		fmt.Println("unread:", n)
	default:
		v.NotifyTyping()
		if err := <-v.SendMessage(line); err != nil {
			fmt.Println("send failed:", err)
		}
	}
	return true
}

// printEvents reports new messages, typing and connection changes.
func printEvents(ctx context.Context, v *view.Adapter) {
	errs := v.Errors(ctx)
	snapshots := v.Watch(ctx)
	var last chat.Snapshot
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-errs:
			if !ok {
				return
			}
			fmt.Printf("! %s (%s)\n", e.Message, e.Category)
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			if snap.Connection != last.Connection {
				fmt.Println("* connection:", snap.Connection)
			}
			if sameConversation(snap.Selected, last.Selected) && len(snap.Messages) > len(last.Messages) {
				for _, m := range snap.Messages[len(last.Messages):] {
					printMessage(m)
				}
			}
			if snap.Typing != nil && last.Typing == nil {
				fmt.Printf("* %s is typing...\n", snap.Typing.Username)
			}
			last = snap
		}
	}
}

func sameConversation(a, b *models.Conversation) bool {
	return a != nil && b != nil && a.PartnerID == b.PartnerID
}

func printConversations(convs []models.Conversation) {
	for _, c := range convs {
		online := " "
		if c.PartnerOnline {
			online = "*"
		}
		fmt.Printf("%s %d %-16s %-3d %s\n", online, c.PartnerID, c.PartnerUsername, c.UnreadCount, c.LastMessage)
	}
}

func printMessage(m models.ChatMessage) {
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04"), m.SenderUsername, m.Content)
}
