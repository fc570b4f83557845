package vm

import (
	"errors"
	"net"

	"github.com/ctools-dev/fcsupervisor/vsockhttp"
)

// ErrVsockNotConfigured is returned by the vsock helpers when this VM's
// configuration has no vsock device, so there is no multiplexer socket to
// dial or listen on.
var ErrVsockNotConfigured = errors.New("vm: vsock device not configured for this vm")

// VsockClient returns a per-request HTTP client targeting guestPort over
// this VM's vsock multiplexer.
func (v *Vm) VsockClient(guestPort uint32) (*vsockhttp.Client, error) {
	path, err := v.vsockMultiplexerPath()
	if err != nil {
		return nil, err
	}
	return vsockhttp.New(path, guestPort), nil
}

// VsockPool returns a connection-pooling HTTP client targeting guestPort
// over this VM's vsock multiplexer.
func (v *Vm) VsockPool(guestPort uint32, maxIdleConns int) (*vsockhttp.Pool, error) {
	path, err := v.vsockMultiplexerPath()
	if err != nil {
		return nil, err
	}
	return vsockhttp.NewPool(path, guestPort, maxIdleConns), nil
}

// VsockListen binds a host-side listener for guest-initiated connections on
// hostPort and records its path so Cleanup removes it.
func (v *Vm) VsockListen(hostPort uint32) (net.Listener, error) {
	path, err := v.vsockMultiplexerPath()
	if err != nil {
		return nil, err
	}
	lis, listenerPath, err := vsockhttp.Listen(path, hostPort)
	if err != nil {
		return nil, err
	}
	v.AppendVsockListenerPath(listenerPath)
	return lis, nil
}

func (v *Vm) vsockMultiplexerPath() (string, error) {
	sp := v.StandardPaths()
	if sp.VsockMultiplexerPath == "" {
		return "", ErrVsockNotConfigured
	}
	return sp.VsockMultiplexerPath, nil
}
