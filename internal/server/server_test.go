package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/omochice/relaychat/internal/auth"
	"github.com/omochice/relaychat/internal/config"
	"github.com/omochice/relaychat/internal/storage"
	"github.com/omochice/relaychat/pkg/protocol"
)

const testPassword = "secret1"

type testServer struct {
	srv    *Server
	store  *storage.MemoryStore
	files  *storage.DiskFiles
	cancel context.CancelFunc
	done   chan error
}

func startServer(t *testing.T) *testServer {
	t.Helper()

	users := auth.NewDirectoryWithCost(bcrypt.MinCost)
	for _, name := range []string{"alice", "bob", "carol"} {
		_, err := users.Register(name, name+"@example.com", testPassword)
		require.NoError(t, err)
	}
	files, err := storage.NewDiskFiles(t.TempDir())
	require.NoError(t, err)
	store := storage.NewMemoryStore()

	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	cfg.UploadDir = files.Root()

	srv := New(cfg, users, store, files)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{srv: srv, store: store, files: files, cancel: cancel, done: make(chan error, 1)}
	go func() {
		ts.done <- srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-ts.done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return ts
}

// peer is one test client, whatever transport it uses.
type peer interface {
	sendFrame(t *testing.T, frame []byte)
	next(t *testing.T) protocol.Message
	close()
}

type tcpPeer struct {
	conn   net.Conn
	frames *protocol.FrameReader
}

func dialTCP(t *testing.T, addr string) *tcpPeer {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &tcpPeer{conn: conn, frames: protocol.NewFrameReader(conn, 0)}
}

func (p *tcpPeer) sendFrame(t *testing.T, frame []byte) {
	t.Helper()
	_, err := p.conn.Write(frame)
	require.NoError(t, err)
}

func (p *tcpPeer) next(t *testing.T) protocol.Message {
	t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := p.frames.Next()
	require.NoError(t, err)
	msg, _, err := protocol.Decode(frame)
	require.NoError(t, err)
	return msg
}

func (p *tcpPeer) close() { p.conn.Close() }

// wsPeer sends binary frames, or bare JSON text when text is set.
type wsPeer struct {
	conn *websocket.Conn
	text bool
}

func dialWS(t *testing.T, addr string, text bool) *wsPeer {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return &wsPeer{conn: conn, text: text}
}

func (p *wsPeer) sendFrame(t *testing.T, frame []byte) {
	t.Helper()
	if p.text {
		body, err := protocol.Body(frame)
		require.NoError(t, err)
		require.NoError(t, p.conn.WriteMessage(websocket.TextMessage, body))
		return
	}
	require.NoError(t, p.conn.WriteMessage(websocket.BinaryMessage, frame))
}

func (p *wsPeer) next(t *testing.T) protocol.Message {
	t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, payload, err := p.conn.ReadMessage()
	require.NoError(t, err)

	if p.text {
		require.Equal(t, websocket.TextMessage, kind)
		msg, err := protocol.DecodeBody(payload)
		require.NoError(t, err)
		return msg
	}
	require.Equal(t, websocket.BinaryMessage, kind)
	msg, _, err := protocol.Decode(payload)
	require.NoError(t, err)
	return msg
}

func (p *wsPeer) close() { p.conn.Close() }

func send(t *testing.T, p peer, in protocol.Inbound) {
	t.Helper()
	frame, err := protocol.Request(in)
	require.NoError(t, err)
	p.sendFrame(t, frame)
}

func dataOf(t *testing.T, msg protocol.Message) map[string]any {
	t.Helper()
	var data map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	return data
}

// expect skips unrelated pushes until a message of type want arrives.
func expect(t *testing.T, p peer, want protocol.MessageType) map[string]any {
	t.Helper()
	for range 10 {
		msg := p.next(t)
		if msg.Type == want {
			return dataOf(t, msg)
		}
	}
	t.Fatalf("no %s message received", want)
	return nil
}

func login(t *testing.T, p peer, name string) {
	t.Helper()
	send(t, p, &protocol.Login{Email: name + "@example.com", Password: testPassword})
	ack := expect(t, p, protocol.TypeSuccess)
	require.Equal(t, "login", ack["action"])
	require.Equal(t, name, ack["username"])
}

func TestServer_LoginAndPresence(t *testing.T) {
	ts := startServer(t)
	alice := dialTCP(t, ts.srv.Addr())
	bob := dialWS(t, ts.srv.Addr(), false)

	send(t, alice, &protocol.Login{Email: "alice@example.com", Password: testPassword})
	first := alice.next(t)
	require.Equal(t, protocol.TypeOnlineUsers, first.Type)
	assert.Equal(t, []any{"alice"}, dataOf(t, first)["users"])
	ack := alice.next(t)
	require.Equal(t, protocol.TypeSuccess, ack.Type)
	assert.Equal(t, true, dataOf(t, ack)["success"])

	login(t, bob, "bob")

	online := expect(t, alice, protocol.TypeUserOnline)
	assert.Equal(t, "bob", online["username"])
	assert.Equal(t, "online", online["status"])

	send(t, bob, &protocol.UserList{})
	list := expect(t, bob, protocol.TypeUserList)
	assert.Equal(t, []any{"alice", "bob"}, list["users"])

	bob.close()
	offline := expect(t, alice, protocol.TypeUserOffline)
	assert.Equal(t, "bob", offline["username"])

	require.Eventually(t, func() bool { return ts.srv.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_LoginFailures(t *testing.T) {
	ts := startServer(t)
	alice := dialTCP(t, ts.srv.Addr())

	send(t, alice, &protocol.Login{Email: "alice@example.com", Password: "wrong-password"})
	errData := expect(t, alice, protocol.TypeError)
	assert.Equal(t, "unauthorized", errData["code"])
	assert.Equal(t, false, errData["success"])

	login(t, alice, "alice")

	send(t, alice, &protocol.Login{Email: "alice@example.com", Password: testPassword})
	errData = expect(t, alice, protocol.TypeError)
	assert.Equal(t, "validation", errData["code"])
}

func TestServer_RegisterThenLogin(t *testing.T) {
	ts := startServer(t)
	dave := dialTCP(t, ts.srv.Addr())

	send(t, dave, &protocol.Register{Username: "dave", Email: "dave@example.com", Password: testPassword})
	ack := expect(t, dave, protocol.TypeSuccess)
	assert.Equal(t, "register", ack["action"])

	send(t, dave, &protocol.Register{Username: "dave2", Email: "DAVE@example.com", Password: testPassword})
	errData := expect(t, dave, protocol.TypeError)
	assert.Equal(t, "validation", errData["code"])

	login(t, dave, "dave")
}

func TestServer_RequiresLogin(t *testing.T) {
	ts := startServer(t)
	p := dialTCP(t, ts.srv.Addr())

	send(t, p, &protocol.Chat{Message: "hello"})
	errData := expect(t, p, protocol.TypeError)
	assert.Equal(t, "unauthorized", errData["code"])
	assert.Equal(t, "login required", errData["message"])

	send(t, p, &protocol.Logout{})
	errData = expect(t, p, protocol.TypeError)
	assert.Equal(t, "validation", errData["code"])
}

func TestServer_BadFramesKeepConnection(t *testing.T) {
	ts := startServer(t)
	p := dialTCP(t, ts.srv.Addr())

	p.sendFrame(t, protocol.Frame([]byte("not json")))
	errData := expect(t, p, protocol.TypeError)
	assert.Equal(t, "protocol", errData["code"])

	frame, err := protocol.Encode("BOGUS", nil)
	require.NoError(t, err)
	p.sendFrame(t, frame)
	errData = expect(t, p, protocol.TypeError)
	assert.Equal(t, "protocol", errData["code"])

	p.sendFrame(t, protocol.Frame([]byte(`{"type":"CHAT","data":{"message":5}}`)))
	errData = expect(t, p, protocol.TypeError)
	assert.Equal(t, "protocol", errData["code"])

	login(t, p, "alice")
}

func TestServer_PrivateAndBroadcast(t *testing.T) {
	ts := startServer(t)
	alice := dialTCP(t, ts.srv.Addr())
	bob := dialWS(t, ts.srv.Addr(), false)
	login(t, alice, "alice")
	login(t, bob, "bob")

	// a text peer only gets text once it has spoken, so it connects last
	carol := dialWS(t, ts.srv.Addr(), true)
	login(t, carol, "carol")

	send(t, alice, &protocol.Chat{Message: "  hi bob  ", Receiver: "bob"})
	delivery := expect(t, bob, protocol.TypePrivateMessage)
	assert.Equal(t, "alice", delivery["sender"])
	assert.Equal(t, "hi bob", delivery["message"])
	assert.Equal(t, "private", delivery["type"])

	echo := expect(t, alice, protocol.TypePrivateMessage)
	assert.Equal(t, "bob", echo["receiver"])
	ack := expect(t, alice, protocol.TypeSuccess)
	assert.Equal(t, true, ack["receiver_online"])
	assert.Equal(t, "hi bob", ack["message"])

	send(t, alice, &protocol.Chat{Message: "anyone?", Receiver: "zed"})
	ack = expect(t, alice, protocol.TypeSuccess)
	assert.Equal(t, false, ack["receiver_online"])
	assert.Equal(t, "anyone?", ack["message"])

	send(t, carol, &protocol.Chat{Message: "hello all"})
	for _, p := range []peer{alice, bob} {
		b := expect(t, p, protocol.TypeBroadcast)
		assert.Equal(t, "carol", b["sender"])
		assert.Equal(t, "broadcast", b["type"])
	}
	ack = expect(t, carol, protocol.TypeSuccess)
	assert.Equal(t, float64(2), ack["delivered"])

	send(t, bob, &protocol.Chat{Message: "   "})
	errData := expect(t, bob, protocol.TypeError)
	assert.Equal(t, "validation", errData["code"])

	send(t, alice, &protocol.History{Receiver: "bob"})
	hist := expect(t, alice, protocol.TypeSuccess)
	require.Equal(t, "history", hist["action"])
	msgs, ok := hist["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi bob", msgs[0].(map[string]any)["message"])
}

func TestServer_LogoutKeepsConnection(t *testing.T) {
	ts := startServer(t)
	alice := dialTCP(t, ts.srv.Addr())
	bob := dialTCP(t, ts.srv.Addr())
	login(t, alice, "alice")
	login(t, bob, "bob")
	expect(t, alice, protocol.TypeUserOnline)

	send(t, bob, &protocol.Logout{})
	ack := expect(t, bob, protocol.TypeSuccess)
	assert.Equal(t, "logout", ack["action"])

	offline := expect(t, alice, protocol.TypeUserOffline)
	assert.Equal(t, "bob", offline["username"])
	assert.Equal(t, 2, ts.srv.ClientCount())

	send(t, bob, &protocol.UserList{})
	errData := expect(t, bob, protocol.TypeError)
	assert.Equal(t, "unauthorized", errData["code"])
}

func TestServer_FileTransfer(t *testing.T) {
	ts := startServer(t)
	alice := dialTCP(t, ts.srv.Addr())
	bob := dialWS(t, ts.srv.Addr(), false)
	login(t, alice, "alice")
	login(t, bob, "bob")

	content := []byte("hello, file")
	send(t, alice, &protocol.FileRequest{Filename: "../notes.txt", Size: int64(len(content)), Receiver: "bob"})
	ack := expect(t, alice, protocol.TypeSuccess)
	require.Equal(t, "file_request", ack["action"])
	id, _ := ack["transfer_id"].(string)
	require.NotEmpty(t, id)

	incoming := expect(t, bob, protocol.TypeFileRequest)
	assert.Equal(t, protocol.ActionFileIncoming, incoming["action"])
	assert.Equal(t, id, incoming["transfer_id"])

	send(t, alice, &protocol.FileData{
		TransferID: id,
		ChunkIndex: 0,
		Data:       base64.StdEncoding.EncodeToString(content[:6]),
	})
	send(t, alice, &protocol.FileData{
		TransferID: id,
		ChunkIndex: 1,
		Data:       base64.StdEncoding.EncodeToString(content[6:]),
		IsLast:     true,
	})

	chunkAck := expect(t, alice, protocol.TypeFileAck)
	assert.Equal(t, "chunk_ack", chunkAck["action"])
	done := expect(t, alice, protocol.TypeSuccess)
	require.Equal(t, "file_complete", done["action"])

	path, _ := done["file_path"].(string)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	ready := expect(t, bob, protocol.TypeFileRequest)
	assert.Equal(t, protocol.ActionFileReady, ready["action"])
	assert.Equal(t, path, ready["file_path"])
	assert.Equal(t, 0, ts.srv.Transfers().Len())

	// a chat message can reference the stored file by id
	fm, err := json.Marshal(protocol.FileMessage{Type: protocol.KindFile, FileID: id, Filename: "notes.txt"})
	require.NoError(t, err)
	send(t, alice, &protocol.Chat{Message: string(fm), Receiver: "bob"})
	delivery := expect(t, bob, protocol.TypePrivateMessage)
	assert.Equal(t, protocol.KindFile, delivery["message_type"])
	assert.Equal(t, float64(len(content)), delivery["file_size"])
}

func TestServer_DisconnectAbandonsTransfers(t *testing.T) {
	ts := startServer(t)
	alice := dialTCP(t, ts.srv.Addr())
	login(t, alice, "alice")

	send(t, alice, &protocol.FileRequest{Filename: "big.bin", Size: 1024})
	expect(t, alice, protocol.TypeSuccess)
	require.Equal(t, 1, ts.srv.Transfers().Len())

	alice.close()
	require.Eventually(t, func() bool {
		return ts.srv.Transfers().Len() == 0 && ts.srv.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_Health(t *testing.T) {
	ts := startServer(t)
	base := "http://" + ts.srv.Addr()

	resp, err := http.Get(base + "/")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, healthBody, string(body))

	resp, err = http.Post(base+"/health", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_ShutdownClosesSessions(t *testing.T) {
	ts := startServer(t)
	alice := dialTCP(t, ts.srv.Addr())
	login(t, alice, "alice")

	ts.cancel()
	select {
	case err := <-ts.done:
		assert.NoError(t, err)
		ts.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	_ = alice.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := alice.frames.Next()
	assert.ErrorIs(t, err, io.EOF)
}
