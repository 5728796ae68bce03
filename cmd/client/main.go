package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/omochice/relaychat/internal/client"
	"github.com/omochice/relaychat/pkg/protocol"
)

const help = `Commands:
  /register <username> <email> <password>
  /login <email> <password>
  /logout
  /users
  /history [user] [limit]
  /msg <user> <text>
  /file <path> [user]
  /quit
Anything else is broadcast to everyone.`

func newClientCommand() *cobra.Command {
	var (
		serverAddr string
		useWS      bool
		wsPath     string
		email      string
		password   string
	)

	cmd := &cobra.Command{
		Use:   "relaychat",
		Short: "Interactive chat client",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			transport := client.TransportTCP
			if useWS {
				transport = client.TransportWS
			}
			c := client.New(serverAddr, transport).WithPath(wsPath)
			if err := c.Connect(context.Background()); err != nil {
				return fmt.Errorf("failed to connect to server: %w", err)
			}
			defer c.Disconnect()
			log.Printf("Connected to %s over %s", serverAddr, transport)

			s := &session{c: c, uploads: make(map[string][]byte)}
			go s.display()

			if email != "" {
				if err := c.Login(email, password); err != nil {
					return err
				}
			}
			return s.prompt()
		},
	}

	cmd.Flags().StringVarP(&serverAddr, "server", "s", "localhost:8080", "Server address")
	cmd.Flags().BoolVar(&useWS, "ws", false, "Connect over WebSocket instead of raw TCP")
	cmd.Flags().StringVar(&wsPath, "path", "/ws", "WebSocket path")
	cmd.Flags().StringVar(&email, "email", "", "Log in with this email on connect")
	cmd.Flags().StringVar(&password, "password", "", "Password for --email")

	return cmd
}

// session keeps the file contents waiting for their transfer id.
type session struct {
	c       *client.Client
	mu      sync.Mutex
	uploads map[string][]byte
}

func (s *session) prompt() error {
	fmt.Println(help)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}
		if err := s.command(line); err != nil {
			log.Printf("Error: %v", err)
		}
	}
	return scanner.Err()
}

func (s *session) command(line string) error {
	if !strings.HasPrefix(line, "/") {
		return s.c.Chat(line, "")
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/register":
		if len(fields) != 4 {
			return fmt.Errorf("usage: /register <username> <email> <password>")
		}
		return s.c.Register(fields[1], fields[2], fields[3])
	case "/login":
		if len(fields) != 3 {
			return fmt.Errorf("usage: /login <email> <password>")
		}
		return s.c.Login(fields[1], fields[2])
	case "/logout":
		return s.c.Logout()
	case "/users":
		return s.c.UserList()
	case "/history":
		var peer string
		limit := 0
		if len(fields) > 1 {
			peer = fields[1]
		}
		if len(fields) > 2 {
			n, err := strconv.Atoi(fields[2])
			if err != nil {
				return fmt.Errorf("bad limit %q", fields[2])
			}
			limit = n
		}
		return s.c.History(peer, limit, 0)
	case "/msg":
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			return fmt.Errorf("usage: /msg <user> <text>")
		}
		return s.c.Chat(parts[2], parts[1])
	case "/file":
		if len(fields) < 2 {
			return fmt.Errorf("usage: /file <path> [user]")
		}
		var receiver string
		if len(fields) > 2 {
			receiver = fields[2]
		}
		return s.upload(fields[1], receiver)
	case "/help":
		fmt.Println(help)
		return nil
	}
	return fmt.Errorf("unknown command %s", fields[0])
}

// upload opens a transfer; the data follows once the server acknowledges it.
func (s *session) upload(path, receiver string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	name := filepath.Base(path)
	s.mu.Lock()
	s.uploads[name] = data
	s.mu.Unlock()
	return s.c.RequestFile(name, int64(len(data)), receiver)
}

func (s *session) display() {
	for msg := range s.c.Messages() {
		var data map[string]any
		_ = json.Unmarshal(msg.Data, &data)

		switch msg.Type {
		case protocol.TypeBroadcast:
			fmt.Printf("[%v]: %v\n", data["sender"], data["message"])
		case protocol.TypePrivateMessage:
			fmt.Printf("[%v -> %v]: %v\n", data["sender"], data["receiver"], data["message"])
		case protocol.TypeUserOnline:
			fmt.Printf("*** %v is online ***\n", data["username"])
		case protocol.TypeUserOffline:
			fmt.Printf("*** %v went offline ***\n", data["username"])
		case protocol.TypeOnlineUsers, protocol.TypeUserList:
			fmt.Printf("Online: %v\n", data["users"])
		case protocol.TypeFileRequest:
			fmt.Printf("*** %v from %v: %v (%v bytes) ***\n", data["action"], data["sender"], data["filename"], data["size"])
		case protocol.TypeError:
			fmt.Printf("Error (%v): %v\n", data["code"], data["message"])
		case protocol.TypeFileAck:
			// progress is not shown
		case protocol.TypeSuccess:
			s.success(data)
		default:
			fmt.Printf("%s: %s\n", msg.Type, msg.Data)
		}
	}
	log.Println("Disconnected from server")
}

func (s *session) success(data map[string]any) {
	switch data["action"] {
	case "file_request":
		name, _ := data["filename"].(string)
		id, _ := data["transfer_id"].(string)
		s.mu.Lock()
		content, ok := s.uploads[name]
		delete(s.uploads, name)
		s.mu.Unlock()
		if !ok {
			return
		}
		if _, err := s.c.SendFileData(id, content, client.DefaultChunkSize); err != nil {
			log.Printf("Failed to send %s: %v", name, err)
		}
	case "file_complete":
		fmt.Printf("Uploaded %v as %v\n", data["filename"], data["file_path"])
	case "history":
		msgs, _ := data["messages"].([]any)
		for i := len(msgs) - 1; i >= 0; i-- {
			m, _ := msgs[i].(map[string]any)
			fmt.Printf("  %v %v: %v\n", m["timestamp"], m["sender"], m["message"])
		}
	case "chat":
		// the echo or delivery already printed it
	default:
		fmt.Println(data["message"])
	}
}

func main() {
	if err := newClientCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
