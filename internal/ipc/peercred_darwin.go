//go:build darwin

package ipc

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// GetPeerCredentials reads LOCAL_PEERCRED of a Unix socket connection.
// Xucred carries no PID, so PID is 0.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	rawConn, err := unixRawConn(conn)
	if err != nil {
		return nil, err
	}

	var cred *unix.Xucred
	var credErr error
	err = rawConn.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptXucred(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
	})
	if err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("getsockopt: %w", credErr)
	}

	creds := &PeerCredentials{UID: int(cred.Uid)}
	if cred.Ngroups > 0 {
		creds.GID = int(cred.Groups[0])
	}
	return creds, nil
}
