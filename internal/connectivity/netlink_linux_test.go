//go:build linux

package connectivity

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"
)

func netlinkHeader(msgType uint16, length int) []byte {
	buf := make([]byte, length)
	binary.NativeEndian.PutUint32(buf[0:4], uint32(length))
	binary.NativeEndian.PutUint16(buf[4:6], msgType)
	return buf
}

func TestContainsInterfaceChange(t *testing.T) {
	noop := netlinkHeader(unix.NLMSG_NOOP, unix.SizeofNlMsghdr)
	link := netlinkHeader(unix.RTM_NEWLINK, unix.SizeofNlMsghdr+4)
	if containsInterfaceChange(noop) {
		t.Fatalf("expected noop message to be ignored")
	}
	if !containsInterfaceChange(append(noop, link...)) {
		t.Fatalf("expected link message after noop to be detected")
	}
	if containsInterfaceChange(link[:8]) {
		t.Fatalf("expected truncated header to be ignored")
	}
}
