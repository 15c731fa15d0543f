// chat-client is a line-oriented terminal client for the support chat.
//
//	chat-client -server http://localhost:8080/chat -user 7 -conversation 42
//
// Plain lines are sent as messages. Commands: /typing, /stop, /read,
// /join <id>, /leave <id>, /quit.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cwrk-planet/support-chat/pkg/logger"
	"github.com/cwrk-planet/support-chat/pkg/protocol"
	"github.com/cwrk-planet/support-chat/pkg/realtime"
)

func main() {
	var (
		server       = flag.String("server", "http://localhost:8080/chat", "chat namespace URL")
		userID       = flag.Int64("user", 0, "user id (required)")
		isAdmin      = flag.Bool("admin", false, "connect as support agent")
		conversation = flag.String("conversation", "", "conversation to join on start")
		transport    = flag.String("transport", "auto", "auto|websocket|polling")
		token        = flag.String("token", "", "access token sent with the handshake")
		attempts     = flag.Int("reconnect", realtime.DefaultMaxAttempts, "reconnection attempts after a drop")
		debug        = flag.Bool("debug", false, "verbose logs on stderr")
	)
	flag.Parse()

	if *userID <= 0 {
		fmt.Fprintln(os.Stderr, "-user is required")
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	log := logger.Init(logger.Config{
		Env:     logger.EnvDev,
		Service: "chat-client",
		Backend: logger.BackendStd,
		Level:   level,
		Output:  os.Stderr,
	})

	transports, err := pickTransports(*transport)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	m := realtime.NewManager(realtime.Options{
		URL:        *server,
		Transports: transports,
		Reconnect:  reconnectPolicy(*attempts),
		Token:      *token,
		Logger:     log,
	})
	defer m.Close()

	typing := realtime.NewTypingTracker(realtime.DefaultTypingQuiescence)
	defer typing.Stop()

	wire(m, typing, *userID)

	if *conversation != "" {
		id, err := protocol.ParseConversationID(*conversation)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		m.JoinChat(id)
	}
	m.Connect(realtime.Identity{UserID: *userID, IsAdmin: *isAdmin})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	c := &console{m: m, userID: *userID, isAdmin: *isAdmin}
	if *conversation != "" {
		c.current, _ = protocol.ParseConversationID(*conversation)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || !c.handle(ctx, line) {
				return
			}
		}
	}
}

// reconnectPolicy backs off exponentially from the default first delay.
func reconnectPolicy(attempts int) *realtime.ReconnectPolicy {
	return &realtime.ReconnectPolicy{
		MaxAttempts: attempts,
		Delay:       realtime.ExponentialDelay(realtime.DefaultReconnectDelay, 8*time.Second),
	}
}

func pickTransports(name string) ([]realtime.Transport, error) {
	ws := realtime.NewWebSocketTransport(realtime.WebSocketOptions{})
	poll := realtime.NewPollingTransport(realtime.PollingOptions{})
	switch name {
	case "auto", "":
		return []realtime.Transport{ws, poll}, nil
	case "websocket":
		return []realtime.Transport{ws}, nil
	case "polling":
		return []realtime.Transport{poll}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}

func wire(m *realtime.Manager, typing *realtime.TypingTracker, self int64) {
	m.OnStateChange(func(ch realtime.StateChange) {
		switch {
		case ch.To == realtime.StateConnected:
			fmt.Printf("* connected via %s\n", m.Transport())
		case ch.To == realtime.StateReconnecting:
			fmt.Printf("* reconnecting (attempt %d)\n", ch.Attempt)
		case ch.To == realtime.StateDisconnected && ch.Err != nil:
			fmt.Printf("* disconnected: %v\n", ch.Err)
		}
	})
	m.OnNewMessage(func(msg realtime.Message) {
		who := "customer"
		if msg.IsAdminReply {
			who = "support"
		}
		if msg.SenderID == self {
			who = "you"
		}
		fmt.Printf("[%s] #%s %s: %s\n", msg.CreatedAt.Local().Format("15:04:05"), msg.ConversationID, who, msg.Content)
	})
	m.OnUserTyping(typing.Observe)
	m.OnMessagesRead(func(ev realtime.ReadEvent) {
		fmt.Printf("* user %d read #%s\n", ev.UserID, ev.ConversationID)
	})
	typing.OnChange(func(ev realtime.TypingEvent) {
		if ev.IsTyping {
			fmt.Printf("* user %d is typing in #%s\n", ev.UserID, ev.ConversationID)
		}
	})
}

type console struct {
	m       *realtime.Manager
	userID  int64
	isAdmin bool
	current realtime.ConversationID
}

// handle runs one input line and reports whether to keep reading.
func (c *console) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		c.send(ctx, line)
		return true
	}

	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit":
		return false
	case "/typing":
		c.m.SendTyping(c.current, true)
	case "/stop":
		c.m.SendTyping(c.current, false)
	case "/read":
		c.m.MarkAsRead(c.current)
	case "/join":
		id, err := protocol.ParseConversationID(strings.TrimSpace(arg))
		if err != nil {
			fmt.Println("!", err)
			return true
		}
		c.m.JoinChat(id)
		c.current = id
	case "/leave":
		id := c.current
		if arg != "" {
			parsed, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
			if err != nil {
				fmt.Println("! invalid conversation id")
				return true
			}
			id = realtime.ConversationID(parsed)
		}
		c.m.LeaveChat(id)
	default:
		fmt.Println("! unknown command", cmd)
	}
	return true
}

func (c *console) send(ctx context.Context, text string) {
	if c.current == 0 {
		fmt.Println("! join a conversation first: /join <id>")
		return
	}
	c.m.SendTyping(c.current, false)
	_, err := c.m.SendMessage(ctx, realtime.OutgoingMessage{
		ConversationID: c.current,
		SenderID:       c.userID,
		Content:        text,
		IsAdminReply:   c.isAdmin,
	})
	if err != nil {
		fmt.Println("! not sent:", err)
	}
}
