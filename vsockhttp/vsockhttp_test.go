package vsockhttp

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMultiplexer accepts connections, performs the CONNECT handshake the
// way firecracker's vsock device does, then serves plain HTTP/1 over the
// raw connection.
func fakeMultiplexer(t *testing.T, path string, handler http.Handler) net.Listener {
	t.Helper()
	lis, err := net.Listen("unix", path)
	require.NoError(t, err)

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				reader := bufio.NewReader(conn)
				line, err := reader.ReadString('\n')
				if err != nil {
					conn.Close()
					return
				}
				if !bufferedConnectLine(line) {
					conn.Close()
					return
				}
				conn.Write([]byte("OK 1234\n"))

				srv := &http.Server{Handler: handler}
				srv.Serve(&singleConnListener{conn: &bufferedConn{Conn: conn, r: reader}})
			}(conn)
		}
	}()
	return lis
}

func bufferedConnectLine(line string) bool {
	return len(line) >= 7 && line[:7] == "CONNECT"
}

// singleConnListener adapts one already-accepted net.Conn into a
// net.Listener that yields it exactly once, so http.Server.Serve can drive
// the handshake-upgraded connection.
type singleConnListener struct {
	conn net.Conn
	done bool
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	if l.done {
		<-make(chan struct{})
	}
	l.done = true
	return l.conn, nil
}
func (l *singleConnListener) Close() error   { return l.conn.Close() }
func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }

func TestDialPerformsHandshake(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vsock.sock")
	lis := fakeMultiplexer(t, path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hello")
	}))
	defer lis.Close()

	conn, err := Dial(context.Background(), path, 52)
	require.NoError(t, err)
	defer conn.Close()

	req, err := http.NewRequest("GET", "http://vsock/", nil)
	require.NoError(t, err)
	require.NoError(t, req.Write(conn))

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestClientDoRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vsock.sock")
	lis := fakeMultiplexer(t, path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "pong")
	}))
	defer lis.Close()

	client := New(path, 80)
	req, err := http.NewRequest("GET", "http://vsock/ping", nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(body))
}

func TestListenerPath(t *testing.T) {
	assert.Equal(t, "/tmp/vsock.sock_100", ListenerPath("/tmp/vsock.sock", 100))
}

func TestListenCreatesSocketAtDerivedPath(t *testing.T) {
	dir := t.TempDir()
	multiplexer := filepath.Join(dir, "vsock.sock")

	lis, path, err := Listen(multiplexer, 9000)
	require.NoError(t, err)
	defer lis.Close()

	assert.Equal(t, multiplexer+"_9000", path)
	_, err = net.Dial("unix", path)
	require.NoError(t, err)
}
