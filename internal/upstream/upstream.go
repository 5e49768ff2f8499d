// Package upstream dials pool endpoints and wraps each live connection in a
// PoolLink that owns the link-local protocol state: the login identity, the
// framer, and the outstanding-submissions map used to attribute accept/reject
// verdicts.
package upstream

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ember-pool/ember-relay/internal/jobtrack"
	"github.com/ember-pool/ember-relay/internal/protocol"
	"github.com/ember-pool/ember-relay/internal/router"
	"github.com/ember-pool/ember-relay/internal/transport"
)

// ErrNoReachablePool reports that every candidate endpoint refused the
// connection within the dial timeout.
var ErrNoReachablePool = errors.New("no reachable pool")

// DialTimeout bounds each individual connect attempt.
const DialTimeout = 5 * time.Second

// outstandingCap bounds the submit-id map; oldest entries fall off first.
const outstandingCap = 256

// Dial tries each address in order and returns the first stream that accepts
// a connection, paired with the address that resolved. Selection is strictly
// first-success.
func Dial(addrs []string, useTLS bool) (net.Conn, string, error) {
	for _, addr := range addrs {
		if addr == "" {
			continue
		}
		var conn net.Conn
		var err error
		if useTLS {
			dialer := &net.Dialer{Timeout: DialTimeout}
			conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{InsecureSkipVerify: true})
		} else {
			conn, err = net.DialTimeout("tcp", addr, DialTimeout)
		}
		if err != nil {
			continue
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetKeepAlive(true)
			tc.SetKeepAlivePeriod(30 * time.Second)
		}
		return conn, addr, nil
	}
	return nil, "", ErrNoReachablePool
}

// Link is one live upstream pool connection.
type Link struct {
	Role    router.Source
	Addr    string
	Wallet  string
	Worker  string
	LoginOK bool

	conn   net.Conn
	framer transport.Framer

	// outstanding maps the id used at submit time to the worker rpc id the
	// verdict must be relayed under.
	outstanding *jobtrack.Tracker
}

// Connect dials the first reachable endpoint for the given role. TCP
// addresses are preferred; SSL endpoints are tried when no TCP list is
// configured.
func Connect(role router.Source, tcpAddrs, sslAddrs []string) (*Link, error) {
	addrs, useTLS := tcpAddrs, false
	if len(addrs) == 0 {
		addrs, useTLS = sslAddrs, true
	}
	conn, addr, err := Dial(addrs, useTLS)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", role, err)
	}
	return NewLink(role, conn, addr), nil
}

// NewLink wraps an already-established connection. Pool links always speak
// the plaintext line framing.
func NewLink(role router.Source, conn net.Conn, addr string) *Link {
	return &Link{
		Role:        role,
		Addr:        addr,
		conn:        conn,
		framer:      transport.NewLineFramer(conn),
		outstanding: jobtrack.New(outstandingCap),
	}
}

// Login sends eth_submitLogin under the relay's fixed login id and records
// the identity this link authenticates as.
func (l *Link) Login(wallet, worker string) error {
	l.Wallet = wallet
	l.Worker = worker
	return l.WriteRequest(&protocol.Request{
		ID:     protocol.ClientLogin,
		Method: protocol.MethodSubmitLogin,
		Params: []string{wallet, "x"},
		Worker: worker,
	})
}

// WriteRequest frames one request toward the pool.
func (l *Link) WriteRequest(req *protocol.Request) error {
	data, err := req.Marshal()
	if err != nil {
		return err
	}
	return l.framer.WriteMessage(data)
}

// WriteRaw forwards an already-serialized line verbatim.
func (l *Link) WriteRaw(data []byte) error {
	return l.framer.WriteMessage(data)
}

// ReadMessage returns the next framed line from the pool.
func (l *Link) ReadMessage() ([]byte, error) {
	return l.framer.ReadMessage()
}

// Submit sends a share upstream under submitID, rewriting the credential to
// this link's login, and remembers which worker rpc id the verdict belongs
// to.
func (l *Link) Submit(params []string, submitID, workerRPCID int64) error {
	l.outstanding.Put(submitKey(submitID), jobtrack.Entry{RPCID: workerRPCID})
	return l.WriteRequest(&protocol.Request{
		ID:     submitID,
		Method: protocol.MethodSubmitWork,
		Params: params,
		Worker: l.Worker,
	})
}

// ResolveSubmit looks up (and consumes) the worker rpc id recorded for a
// submit verdict.
func (l *Link) ResolveSubmit(submitID int64) (int64, bool) {
	e, ok := l.outstanding.Get(submitKey(submitID))
	if !ok {
		return 0, false
	}
	l.outstanding.Remove(submitKey(submitID))
	return e.RPCID, true
}

// HasOutstanding reports whether a submit verdict with this id is expected.
func (l *Link) HasOutstanding(submitID int64) bool {
	return l.outstanding.Contains(submitKey(submitID))
}

// CloseWrite shuts down the write half so the pool observes a clean FIN.
func (l *Link) CloseWrite() {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := l.conn.(closeWriter); ok {
		cw.CloseWrite()
		return
	}
	l.conn.Close()
}

// Close tears the connection down entirely.
func (l *Link) Close() error { return l.conn.Close() }

func submitKey(id int64) string {
	return fmt.Sprintf("submit-%d", id)
}
