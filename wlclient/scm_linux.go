//go:build linux

package wlclient

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Past deadline used to wake a blocked read.
var aLongTimeAgo = time.Unix(1, 0)

// Pre-allocated buffers for control messages
var controlBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, unix.CmsgSpace(4*28)) // libwayland sends at most 28 fds per message
		return &b
	},
}

// recvmsg reads from the socket and closes any descriptors that arrive with
// the data. No event this client handles carries a file descriptor, so
// keeping them would only leak.
func (d *Display) recvmsg(buf []byte) (int, error) {
	oobp := controlBufferPool.Get().(*[]byte)
	defer controlBufferPool.Put(oobp)
	oob := *oobp

	n, oobn, _, _, err := d.conn.ReadMsgUnix(buf, oob)
	if oobn > 0 {
		if closeErr := closeRights(oob[:oobn]); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return n, err
}

// closeRights closes every fd carried in SCM_RIGHTS control messages.
func closeRights(oob []byte) error {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return fmt.Errorf("parse control message: %w", err)
	}

	for i := range scms {
		if scms[i].Header.Level != unix.SOL_SOCKET || scms[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&scms[i])
		if err != nil {
			return fmt.Errorf("parse unix rights: %w", err)
		}
		for _, fd := range fds {
			_ = unix.Close(fd)
		}
	}
	return nil
}

// sendmsg writes one encoded message.
func (d *Display) sendmsg(buf []byte) error {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	_, err := d.conn.Write(buf)
	return err
}
