// Package vsockhttp runs HTTP/1 over the firecracker vsock multiplexer: a
// Unix-domain socket that proxies to the guest's real AF_VSOCK listeners
// via a short text handshake, rather than a real vsock socket family.
package vsockhttp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrHandshakeFailed is returned when the multiplexer does not answer a
// CONNECT request with "OK".
var ErrHandshakeFailed = errors.New("vsockhttp: handshake failed")

// Dial opens one connection to guestPort on the VM's vsock multiplexer and
// performs the CONNECT handshake. The caller owns closing the connection.
func Dial(ctx context.Context, multiplexerPath string, guestPort uint32) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", multiplexerPath)
	if err != nil {
		return nil, fmt.Errorf("vsockhttp: dial %s failed: %w", multiplexerPath, err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", guestPort); err != nil {
		conn.Close()
		return nil, fmt.Errorf("vsockhttp: write connect request failed: %w", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("vsockhttp: read handshake reply failed: %w", err)
	}
	if !strings.HasPrefix(line, "OK") {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrHandshakeFailed, strings.TrimSpace(line))
	}

	if reader.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: reader}, nil
	}
	return conn, nil
}

// bufferedConn replays whatever the handshake's bufio.Reader pulled off the
// wire ahead of HTTP/1's own reads.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func dialer(multiplexerPath string, guestPort uint32) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, _, _ string) (net.Conn, error) {
		return Dial(ctx, multiplexerPath, guestPort)
	}
}

// Client issues one-shot requests to a guest port, opening and tearing down
// a connection per request.
type Client struct {
	httpClient *http.Client
}

// New returns a per-request client bound to one guest port on one VM's
// multiplexer.
func New(multiplexerPath string, guestPort uint32) *Client {
	transport := &http.Transport{
		DialContext:       dialer(multiplexerPath, guestPort),
		DisableKeepAlives: true,
	}
	return &Client{httpClient: &http.Client{Transport: transport}}
}

// Do sends req, rewriting its URL to target the vsock connection's opaque
// host.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	rewriteURL(req)
	return c.httpClient.Do(req)
}

// Pool is a vsock client that keeps a small pool of reusable connections to
// one guest port, for callers issuing many requests in succession.
type Pool struct {
	httpClient *http.Client
}

// NewPool returns a pooled client bound to one guest port on one VM's
// multiplexer.
func NewPool(multiplexerPath string, guestPort uint32, maxIdleConns int) *Pool {
	if maxIdleConns <= 0 {
		maxIdleConns = 8
	}
	transport := &http.Transport{
		DialContext:     dialer(multiplexerPath, guestPort),
		MaxIdleConns:    maxIdleConns,
		IdleConnTimeout: 90 * time.Second,
	}
	return &Pool{httpClient: &http.Client{Transport: transport}}
}

// Do sends req over a pooled connection.
func (p *Pool) Do(req *http.Request) (*http.Response, error) {
	rewriteURL(req)
	return p.httpClient.Do(req)
}

// Close releases idle pooled connections.
func (p *Pool) Close() { p.httpClient.CloseIdleConnections() }

func rewriteURL(req *http.Request) {
	req.URL.Scheme = "http"
	req.URL.Host = "vsock"
}

// ListenerPath returns the host-side path for guest-initiated connections on
// hostPort: the multiplexer creates one socket per registered port, named by
// appending "_<hostPort>" to its own path.
func ListenerPath(multiplexerPath string, hostPort uint32) string {
	return multiplexerPath + "_" + strconv.FormatUint(uint64(hostPort), 10)
}

// Listen binds a Unix listener at ListenerPath(multiplexerPath, hostPort) so
// the caller can accept connections the guest initiates to hostPort. The
// returned path should be recorded (e.g. via Vm.AppendVsockListenerPath) so
// cleanup removes the socket file.
func Listen(multiplexerPath string, hostPort uint32) (net.Listener, string, error) {
	path := ListenerPath(multiplexerPath, hostPort)
	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, "", fmt.Errorf("vsockhttp: listen on %s failed: %w", path, err)
	}
	return lis, path, nil
}
