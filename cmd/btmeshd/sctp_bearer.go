package main

import (
	"context"
	"fmt"
	"net"

	"github.com/ishidawataru/sctp"

	"github.com/hhorai/btmesh/merrors"
)

// sctpBearer is the "remote simulated bearer" driver.Node dials
// instead of a real radio: an SCTP association carrying one
// already-framed advertising-bearer PDU per SCTP message, relying on
// SCTP's own message-boundary preservation rather than any
// length-prefixing of its own. Grounded on cmd/gnbsim_sctp.go's
// NewN2Conn/send/recv, adapted from that file's fixed-duration
// time.After race to a context.Context race, the direction
// bearer.AdvertisingBearer's own doc comment already points blocking
// I/O in this module towards.
type sctpBearer struct {
	conn *sctp.SCTPConn
	info *sctp.SndRcvInfo
}

// dialSCTPBearer opens the association used to carry framed
// advertising-bearer PDUs to/from the peer simulating the other end
// of the link (another btmeshd process, or a test harness).
func dialSCTPBearer(ctx context.Context, peer net.IPAddr, port int) (*sctpBearer, error) {
	addr := &sctp.SCTPAddr{IPAddrs: []net.IPAddr{peer}, Port: port}

	type result struct {
		conn *sctp.SCTPConn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := sctp.DialSCTP("sctp", nil, addr)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("sctp dial to %s:%d: %w", peer.String(), port, r.err)
		}
		r.conn.SubscribeEvents(sctp.SCTP_EVENT_DATA_IO)
		return &sctpBearer{
			conn: r.conn,
			info: &sctp.SndRcvInfo{Stream: 0, PPID: btmeshPPID},
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// btmeshPPID is this bearer's own Payload Protocol Identifier, chosen
// distinct from NGAP's 0x3c000000 (gnbsim_sctp.go's PPID) since this
// association never carries NGAP traffic.
const btmeshPPID = 0x62740000

// Receive blocks for the next framed advertising-bearer PDU, or
// returns ctx.Err() if ctx is done first.
func (b *sctpBearer) Receive(ctx context.Context) ([]byte, error) {
	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, 1500)
		n, info, err := b.conn.SCTPRead(buf)
		if err != nil {
			done <- result{nil, fmt.Errorf("sctp read: %w", err)}
			return
		}
		b.info = info
		done <- result{buf[:n], nil}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, &merrors.BearerError{Err: r.err}
		}
		return r.buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Transmit sends one already-framed advertising-bearer PDU as a
// single SCTP message.
func (b *sctpBearer) Transmit(ctx context.Context, pdu []byte) error {
	if _, err := b.conn.SCTPWrite(pdu, b.info); err != nil {
		return &merrors.BearerError{Err: fmt.Errorf("sctp write: %w", err)}
	}
	return nil
}

func (b *sctpBearer) Close() error {
	return b.conn.Close()
}
