package radio

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"
)

// UDPTransport carries frames as UDP datagrams, one frame per datagram. With
// no configured peer the downlink goes to the source of the last uplink.
type UDPTransport struct {
	conn   *net.UDPConn
	frames chan Frame

	mu   sync.Mutex
	peer *net.UDPAddr

	closeOnce sync.Once
	done      chan struct{}
}

// NewUDPTransport binds address:port and sends downlink frames to peer, which
// may be empty.
func NewUDPTransport(address string, port int, peer string) (*UDPTransport, error) {
	local := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	if address != "" {
		local.IP = net.ParseIP(address)
		if local.IP == nil {
			return nil, fmt.Errorf("invalid address: %s", address)
		}
	}

	t := &UDPTransport{
		frames: make(chan Frame, DefaultBacklog),
		done:   make(chan struct{}),
	}
	if peer != "" {
		addr, err := net.ResolveUDPAddr("udp4", peer)
		if err != nil {
			return nil, fmt.Errorf("ground station address %q: %w", peer, err)
		}
		t.peer = addr
	}

	conn, err := net.ListenUDP("udp4", local)
	if err != nil {
		glog.Errorf("Error opening UDP socket: %v", err)
		return nil, err
	}
	t.conn = conn
	glog.Infof("UDP radio bound to %s", conn.LocalAddr())

	go t.read()
	return t, nil
}

// LocalAddr returns the bound address.
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

func (t *UDPTransport) read() {
	defer close(t.frames)
	buf := make([]byte, 512)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			glog.Errorf("UDP read error: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if n == 0 {
			continue
		}

		t.mu.Lock()
		if t.peer == nil || !t.peer.IP.Equal(addr.IP) || t.peer.Port != addr.Port {
			glog.V(1).Infof("ground station at %s", addr)
		}
		t.peer = addr
		t.mu.Unlock()

		f := Frame{Payload: append([]byte(nil), buf[:n]...)}
		select {
		case t.frames <- f:
		case <-t.done:
			return
		default:
			glog.Warningf("UDP uplink queue full, dropping %d byte frame", n)
		}
	}
}

// Send writes frame to the ground station.
func (t *UDPTransport) Send(frame []byte) error {
	t.mu.Lock()
	peer := t.peer
	t.mu.Unlock()
	if peer == nil {
		return fmt.Errorf("no ground station address yet")
	}
	if _, err := t.conn.WriteToUDP(frame, peer); err != nil {
		glog.Errorf("UDP write error: %v", err)
		return err
	}
	return nil
}

// Frames returns the uplink frames.
func (t *UDPTransport) Frames() <-chan Frame {
	return t.frames
}

// Close closes the socket.
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
		glog.Infof("UDP radio closed")
	})
	return err
}
