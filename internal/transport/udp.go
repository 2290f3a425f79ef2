package transport

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

// multicastTTL is the hop limit for every datagram this process sends.
// The deployment is scoped to a local network, so every datagram carries
// TTL = 1.
const multicastTTL = 1

// UDPTransport is the production Transport: one socket joined to the
// role's own multicast group for receiving, and one unconnected send socket
// used to write to any of the four groups by address.
type UDPTransport struct {
	recvConn *net.UDPConn
	recvPkt  *ipv4.PacketConn
	sendConn *net.UDPConn
	targets  map[Group]*net.UDPAddr
	closed   chan struct{}
}

// NewUDPTransport binds and joins the multicast group at listen, and
// prepares a sender capable of reaching every group named in targets.
func NewUDPTransport(listen Endpoint, targets map[Group]Endpoint) (*UDPTransport, error) {
	listenAddr, err := net.ResolveUDPAddr("udp4", listen.String())
	if err != nil {
		return nil, errors.Wrapf(err, "resolve listen address %s", listen)
	}

	recvConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: listenAddr.Port})
	if err != nil {
		return nil, errors.Wrapf(err, "listen on port %d", listenAddr.Port)
	}

	pktConn := ipv4.NewPacketConn(recvConn)
	iface, loopbackIface, err := multicastInterface()
	if err != nil {
		recvConn.Close()
		return nil, err
	}
	if err := pktConn.JoinGroup(iface, &net.UDPAddr{IP: listenAddr.IP}); err != nil {
		if loopbackIface == nil || pktConn.JoinGroup(loopbackIface, &net.UDPAddr{IP: listenAddr.IP}) != nil {
			recvConn.Close()
			return nil, errors.Wrapf(err, "join multicast group %s", listen)
		}
	}

	sendConn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		recvConn.Close()
		return nil, errors.Wrap(err, "open send socket")
	}
	sendPkt := ipv4.NewPacketConn(sendConn)
	if err := sendPkt.SetMulticastTTL(multicastTTL); err != nil {
		recvConn.Close()
		sendConn.Close()
		return nil, errors.Wrap(err, "set multicast TTL")
	}

	resolvedTargets := make(map[Group]*net.UDPAddr, len(targets))
	for group, ep := range targets {
		addr, err := net.ResolveUDPAddr("udp4", ep.String())
		if err != nil {
			recvConn.Close()
			sendConn.Close()
			return nil, errors.Wrapf(err, "resolve target %s for group %s", ep, group)
		}
		resolvedTargets[group] = addr
	}

	return &UDPTransport{
		recvConn: recvConn,
		recvPkt:  pktConn,
		sendConn: sendConn,
		targets:  resolvedTargets,
		closed:   make(chan struct{}),
	}, nil
}

// multicastInterface picks a network interface capable of multicast, or nil
// (meaning "let the kernel choose") if none is found. It also returns a
// loopback interface as a fallback for single-host test/dev deployments
// where no multicast-capable NIC exists.
func multicastInterface() (iface, loopback *net.Interface, err error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, nil, errors.Wrap(err, "list network interfaces")
	}
	for i := range ifaces {
		f := ifaces[i]
		if f.Flags&net.FlagMulticast == 0 || f.Flags&net.FlagUp == 0 {
			continue
		}
		if f.Flags&net.FlagLoopback != 0 {
			lo := f
			loopback = &lo
			continue
		}
		found := f
		return &found, loopback, nil
	}
	return nil, loopback, nil
}

func (t *UDPTransport) Send(group Group, data []byte) error {
	addr, ok := t.targets[group]
	if !ok {
		return errors.Errorf("transport: no endpoint configured for group %q", group)
	}
	_, err := t.sendConn.WriteToUDP(data, addr)
	return errors.Wrapf(err, "send to group %s", group)
}

func (t *UDPTransport) Recv() ([]byte, net.Addr, error) {
	return t.read(0)
}

func (t *UDPTransport) RecvTimeout(d time.Duration) ([]byte, net.Addr, error) {
	return t.read(d)
}

func (t *UDPTransport) read(timeout time.Duration) ([]byte, net.Addr, error) {
	select {
	case <-t.closed:
		return nil, nil, ErrClosed
	default:
	}

	if timeout > 0 {
		if err := t.recvConn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, nil, errors.Wrap(err, "set read deadline")
		}
	} else {
		if err := t.recvConn.SetReadDeadline(time.Time{}); err != nil {
			return nil, nil, errors.Wrap(err, "clear read deadline")
		}
	}

	buf := make([]byte, MaxDatagramSize)
	n, addr, err := t.recvConn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil, ErrTimeout
		}
		select {
		case <-t.closed:
			return nil, nil, ErrClosed
		default:
		}
		return nil, nil, errors.Wrap(err, "read datagram")
	}
	return buf[:n], addr, nil
}

func (t *UDPTransport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
		close(t.closed)
	}
	recvErr := t.recvConn.Close()
	sendErr := t.sendConn.Close()
	if recvErr != nil {
		return errors.Wrap(recvErr, "close recv socket")
	}
	return errors.Wrap(sendErr, "close send socket")
}

var _ Transport = (*UDPTransport)(nil)
