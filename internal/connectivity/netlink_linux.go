//go:build linux

package connectivity

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

const netlinkReadTimeoutSeconds = 1

// NetlinkSource listens for route netlink link and address notifications and
// re-probes on each one. The socket is opened on first Subscribe and closed
// once the last subscriber leaves.
type NetlinkSource struct {
	prober Prober
	logger Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]func(bool)
	stop   chan struct{}
	done   chan struct{}
}

func NewNetlinkSource(prober Prober, logger Logger) *NetlinkSource {
	return &NetlinkSource{
		prober: prober,
		logger: logger,
		subs:   map[uint64]func(bool){},
	}
}

func (s *NetlinkSource) Subscribe(fn func(online bool)) func() {
	if fn == nil || s.prober == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	if s.stop == nil {
		if err := s.startLocked(); err != nil {
			s.logf("netlink source disabled: %v", err)
		}
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			var stop, done chan struct{}
			if len(s.subs) == 0 && s.stop != nil {
				stop, done = s.stop, s.done
				s.stop, s.done = nil, nil
			}
			s.mu.Unlock()
			if stop != nil {
				close(stop)
				<-done
			}
		})
	}
}

func (s *NetlinkSource) startLocked() error {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return err
	}
	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: unix.RTMGRP_LINK | unix.RTMGRP_IPV4_IFADDR | unix.RTMGRP_IPV6_IFADDR,
	}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return err
	}
	tv := unix.Timeval{Sec: netlinkReadTimeoutSeconds}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		_ = unix.Close(fd)
		return err
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop = stop
	s.done = done
	go s.readLoop(fd, stop, done)
	return nil
}

func (s *NetlinkSource) readLoop(fd int, stop, done chan struct{}) {
	defer close(done)
	defer unix.Close(fd)
	buf := make([]byte, 16*1024)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
				continue
			}
			s.logf("netlink read failed: %v", err)
			return
		}
		if !containsInterfaceChange(buf[:n]) {
			continue
		}
		online := s.prober.Online(context.Background())
		s.mu.Lock()
		subs := make([]func(bool), 0, len(s.subs))
		for _, fn := range s.subs {
			subs = append(subs, fn)
		}
		s.mu.Unlock()
		for _, fn := range subs {
			fn(online)
		}
	}
}

// containsInterfaceChange walks the netlink message headers in buf.
func containsInterfaceChange(buf []byte) bool {
	for len(buf) >= unix.SizeofNlMsghdr {
		length := int(binary.NativeEndian.Uint32(buf[0:4]))
		msgType := binary.NativeEndian.Uint16(buf[4:6])
		if length < unix.SizeofNlMsghdr || length > len(buf) {
			return false
		}
		switch msgType {
		case unix.RTM_NEWLINK, unix.RTM_DELLINK, unix.RTM_NEWADDR, unix.RTM_DELADDR:
			return true
		}
		aligned := (length + unix.NLMSG_ALIGNTO - 1) &^ (unix.NLMSG_ALIGNTO - 1)
		if aligned > len(buf) {
			return false
		}
		buf = buf[aligned:]
	}
	return false
}

func (s *NetlinkSource) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
