package ws_test

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omochice/relaychat/internal/chat"
	wstransport "github.com/omochice/relaychat/internal/transport/ws"
	"github.com/omochice/relaychat/pkg/protocol"
)

func TestConn_ImplementsInterface(t *testing.T) {
	var _ chat.Conn = (*wstransport.Conn)(nil)
}

func TestConn_ReadBinary(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := wstransport.NewServerConn(server, nil, 0)
	frame, err := protocol.Encode(protocol.TypeUserList, nil)
	if err != nil {
		t.Fatal(err)
	}

	go wsutil.WriteClientBinary(client, frame)

	data, err := conn.Read(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != string(frame) {
		t.Errorf("Read() = %q, want %q", data, frame)
	}
	if conn.TextMode() {
		t.Error("binary message switched connection to text mode")
	}
}

func TestConn_TextModeRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := wstransport.NewServerConn(server, nil, 0)
	body := `{"type":"USER_LIST","data":{}}`

	go wsutil.WriteClientText(client, []byte(body))

	data, err := conn.Read(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != string(protocol.Frame([]byte(body))) {
		t.Errorf("Read() = %q, want framed body", data)
	}
	if !conn.TextMode() {
		t.Fatal("text message did not switch connection to text mode")
	}

	reply, _ := protocol.Encode(protocol.TypeSuccess, map[string]any{"success": true})
	go conn.Write(context.Background(), reply)

	msg, op, err := wsutil.ReadServerData(client)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if op != ws.OpText {
		t.Errorf("reply opcode = %v, want text", op)
	}
	if string(msg) != `{"type":"SUCCESS","data":{"success":true}}` {
		t.Errorf("reply = %q", msg)
	}
}

func TestConn_WriteBinary(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := wstransport.NewServerConn(server, nil, 0)
	frame, _ := protocol.Encode(protocol.TypeBroadcast, map[string]string{"message": "hi"})

	go conn.Write(context.Background(), frame)

	msg, op, err := wsutil.ReadServerData(client)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if op != ws.OpBinary {
		t.Errorf("opcode = %v, want binary", op)
	}
	if string(msg) != string(frame) {
		t.Errorf("client received %q, want %q", msg, frame)
	}
}

func TestConn_ClientSide(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := wstransport.NewClientConn(client, nil, 0)
	frame, _ := protocol.Encode(protocol.TypeUserList, nil)

	go conn.Write(context.Background(), frame)

	msg, _, err := wsutil.ReadClientData(server)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if string(msg) != string(frame) {
		t.Errorf("server received %q, want %q", msg, frame)
	}
}

func TestConn_TooLarge(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := wstransport.NewServerConn(server, nil, 8)
	go wsutil.WriteClientBinary(client, make([]byte, 64))

	_, err := conn.Read(context.Background())
	if !errors.Is(err, protocol.ErrFrameTooLarge) {
		t.Errorf("Read() error = %v, want ErrFrameTooLarge", err)
	}
}

func TestConn_PeerClose(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := wstransport.NewServerConn(server, nil, 0)
	go func() {
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		wsutil.WriteClientMessage(client, ws.OpClose, body)
		// drain the close reply
		wsutil.ReadServerData(client)
	}()

	_, err := conn.Read(context.Background())
	if !errors.Is(err, io.EOF) {
		t.Errorf("Read() error = %v, want io.EOF", err)
	}
}
