// Package server accepts worker connections on the configured plaintext, TLS
// and encrypted-framing ports and runs one session per accept.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/crypto/pkcs12"

	"github.com/ember-pool/ember-relay/internal/config"
	"github.com/ember-pool/ember-relay/internal/monitoring"
	"github.com/ember-pool/ember-relay/internal/registry"
	"github.com/ember-pool/ember-relay/internal/session"
)

// Listener owns the worker-facing acceptors.
type Listener struct {
	cfg     *config.Config
	reg     *registry.Registry
	metrics *monitoring.Metrics

	online    atomic.Int64
	listeners []net.Listener
	encrypted map[net.Listener]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the listener set for the given configuration.
func New(cfg *config.Config, reg *registry.Registry, metrics *monitoring.Metrics) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		cfg:       cfg,
		reg:       reg,
		metrics:   metrics,
		encrypted: make(map[net.Listener]bool),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Bind opens every configured acceptor. Any bind failure is fatal to startup.
func (l *Listener) Bind() error {
	if l.cfg.TCPPort != 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", l.cfg.TCPPort))
		if err != nil {
			return fmt.Errorf("bind tcp port %d: %w", l.cfg.TCPPort, err)
		}
		l.listeners = append(l.listeners, ln)
		log.Printf("tcp listener on %s", ln.Addr())
	}

	if l.cfg.SSLPort != 0 {
		tlsCfg, err := loadIdentity(l.cfg.P12Path, l.cfg.P12Pass)
		if err != nil {
			return fmt.Errorf("load tls identity: %w", err)
		}
		ln, err := tls.Listen("tcp", fmt.Sprintf(":%d", l.cfg.SSLPort), tlsCfg)
		if err != nil {
			return fmt.Errorf("bind ssl port %d: %w", l.cfg.SSLPort, err)
		}
		l.listeners = append(l.listeners, ln)
		log.Printf("ssl listener on %s", ln.Addr())
	}

	if l.cfg.EncryptPort != 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", l.cfg.EncryptPort))
		if err != nil {
			return fmt.Errorf("bind encrypt port %d: %w", l.cfg.EncryptPort, err)
		}
		l.listeners = append(l.listeners, ln)
		l.encrypted[ln] = true
		log.Printf("encrypted listener on %s", ln.Addr())
	}

	if len(l.listeners) == 0 {
		return fmt.Errorf("no listener port configured")
	}
	return nil
}

// Serve runs the accept loops until Stop.
func (l *Listener) Serve() {
	for _, ln := range l.listeners {
		l.wg.Add(1)
		go l.acceptLoop(ln, l.encrypted[ln])
	}
	l.wg.Wait()
}

func (l *Listener) acceptLoop(ln net.Listener, encrypted bool) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			log.Printf("accept error on %s: %v", ln.Addr(), err)
			continue
		}
		l.wg.Add(1)
		go l.handle(conn, encrypted)
	}
}

func (l *Listener) handle(conn net.Conn, encrypted bool) {
	defer l.wg.Done()

	id := uuid.NewString()[:8]
	l.online.Add(1)
	if l.metrics != nil {
		l.metrics.OnlineWorkers.Inc()
	}
	defer func() {
		l.online.Add(-1)
		if l.metrics != nil {
			l.metrics.OnlineWorkers.Dec()
		}
	}()

	log.Printf("session %s: worker connected from %s", id, conn.RemoteAddr())

	sess, err := session.New(conn, session.Options{
		ID:        id,
		Cfg:       l.cfg,
		Registry:  l.reg,
		Metrics:   l.metrics,
		Encrypted: encrypted,
	})
	if err != nil {
		// Setup failures (no reachable pool, bad cipher config) end only this
		// worker; the listeners stay up.
		log.Printf("session %s: setup failed: %v", id, err)
		conn.Close()
		return
	}
	sess.Run()
}

// Online returns the number of live worker connections.
func (l *Listener) Online() int64 { return l.online.Load() }

// Stop closes every acceptor and lets in-flight sessions finish.
func (l *Listener) Stop() {
	l.cancel()
	for _, ln := range l.listeners {
		ln.Close()
	}
}

// loadIdentity decodes a PKCS#12 bundle into a TLS server configuration.
func loadIdentity(path, password string) (*tls.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{cert.Raw},
			PrivateKey:  key,
			Leaf:        cert,
		}},
	}, nil
}
