package raftfsm

import (
	"bytes"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hashicorp/raft"
)

// RaftRPC is the multiplex marker byte identifying a raft peer
// connection on a socket shared with other protocols, exactly as the
// teacher's StreamLayer uses it.
const RaftRPC = 1

// StreamLayer connects raft peers over an optionally encrypted,
// optionally cluster_token-gated channel (spec Open Question b: an
// empty token disables the check, preserving the source's semantic).
type StreamLayer struct {
	ln              net.Listener
	serverTLSConfig *tls.Config
	peerTLSConfig   *tls.Config
	clusterToken    string
}

var _ raft.StreamLayer = (*StreamLayer)(nil)

func NewStreamLayer(ln net.Listener, serverTLSConfig, peerTLSConfig *tls.Config, clusterToken string) *StreamLayer {
	return &StreamLayer{ln: ln, serverTLSConfig: serverTLSConfig, peerTLSConfig: peerTLSConfig, clusterToken: clusterToken}
}

// Dial makes outgoing connections to other servers in the Raft cluster.
func (s *StreamLayer) Dial(addr raft.ServerAddress, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.Dial("tcp", string(addr))
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write([]byte{byte(RaftRPC)}); err != nil {
		conn.Close()
		return nil, err
	}
	if err := writeToken(conn, s.clusterToken); err != nil {
		conn.Close()
		return nil, err
	}
	if s.peerTLSConfig != nil {
		conn = tls.Client(conn, s.peerTLSConfig)
	}
	return conn, nil
}

// Accept multiplexes raft connections off the shared listener, rejecting
// anything not carrying the RaftRPC marker and (if configured) a
// matching cluster_token.
func (s *StreamLayer) Accept() (net.Conn, error) {
	conn, err := s.ln.Accept()
	if err != nil {
		return nil, err
	}
	b := make([]byte, 1)
	if _, err := io.ReadFull(conn, b); err != nil {
		conn.Close()
		return nil, err
	}
	if b[0] != byte(RaftRPC) {
		conn.Close()
		return nil, fmt.Errorf("raftfsm: not a raft rpc")
	}
	token, err := readToken(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if s.clusterToken != "" && !bytes.Equal([]byte(token), []byte(s.clusterToken)) {
		conn.Close()
		return nil, fmt.Errorf("raftfsm: cluster token mismatch")
	}
	if s.serverTLSConfig != nil {
		return tls.Server(conn, s.serverTLSConfig), nil
	}
	return conn, nil
}

func (s *StreamLayer) Addr() net.Addr { return s.ln.Addr() }

func (s *StreamLayer) Close() error { return s.ln.Close() }

func writeToken(conn net.Conn, token string) error {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(token)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write([]byte(token))
	return err
}

func readToken(conn net.Conn) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
