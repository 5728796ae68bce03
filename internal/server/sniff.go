package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

type protocolType int

const (
	protocolTCP protocolType = iota
	protocolHTTP
)

func (p protocolType) String() string {
	if p == protocolHTTP {
		return "http"
	}
	return "tcp"
}

// HTTP requests start with a method; a raw client starts with a length prefix.
var httpPrefixes = [][]byte{
	[]byte("GET "),
	[]byte("POST"),
	[]byte("PUT "),
	[]byte("HEAD"),
	[]byte("OPTI"), // OPTIONS
	[]byte("PATC"), // PATCH
	[]byte("DELE"), // DELETE
	[]byte("CONN"), // CONNECT
}

const healthBody = "relaychat server is running"

var errRequestLine = errors.New("malformed request line")

// detectProtocol peeks at the first bytes to determine protocol type
func detectProtocol(reader *bufio.Reader) (protocolType, error) {
	peek, err := reader.Peek(4)
	if err != nil {
		return protocolTCP, err
	}
	for _, prefix := range httpPrefixes {
		if bytes.HasPrefix(peek, prefix) {
			return protocolHTTP, nil
		}
	}
	return protocolTCP, nil
}

// peekRequestLine returns the method and path of the pending HTTP request
// without consuming it. It only asks the reader for one more byte at a time,
// so it never waits for data the client is not going to send.
func peekRequestLine(reader *bufio.Reader) (method, path string, err error) {
	for {
		buf, err := reader.Peek(reader.Buffered())
		if err != nil {
			return "", "", err
		}
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			return parseRequestLine(string(buf[:i]))
		}
		if _, err := reader.Peek(reader.Buffered() + 1); err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				return "", "", fmt.Errorf("%w: too long", errRequestLine)
			}
			return "", "", err
		}
	}
}

func parseRequestLine(line string) (method, path string, err error) {
	parts := strings.Fields(strings.TrimRight(line, "\r"))
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return "", "", errRequestLine
	}
	path, _, _ = strings.Cut(parts[1], "?")
	return parts[0], path, nil
}

// writeHealth consumes the request and answers with a plain status page.
func writeHealth(conn net.Conn, reader *bufio.Reader, method string) error {
	if req, err := http.ReadRequest(reader); err == nil {
		req.Body.Close()
	}

	status, body := http.StatusOK, healthBody
	if method != http.MethodGet && method != http.MethodHead {
		status, body = http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString("Connection: close\r\n\r\n")
	if method != http.MethodHead {
		b.WriteString(body)
	}
	_, err := conn.Write([]byte(b.String()))
	return err
}

// bufferedConn wraps a net.Conn with a bufio.Reader to preserve peeked data
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (bc *bufferedConn) Read(p []byte) (int, error) {
	return bc.reader.Read(p)
}
