// Package session implements the per-connection state machine: one worker
// socket multiplexed against the primary, proxy-fee and developer-fee pool
// links, with a heartbeat into the worker registry.
//
// A session is single-threaded: reader goroutines feed a single event channel
// and the loop handles each event to completion, so the worker record, the
// trackers and the fee queues need no locking.
package session

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ember-pool/ember-relay/internal/config"
	"github.com/ember-pool/ember-relay/internal/hashrate"
	"github.com/ember-pool/ember-relay/internal/jobtrack"
	"github.com/ember-pool/ember-relay/internal/monitoring"
	"github.com/ember-pool/ember-relay/internal/protocol"
	"github.com/ember-pool/ember-relay/internal/registry"
	"github.com/ember-pool/ember-relay/internal/router"
	"github.com/ember-pool/ember-relay/internal/transport"
	"github.com/ember-pool/ember-relay/internal/upstream"
)

// Session lifecycle states. Transitions are irreversible.
const (
	stateInitial = iota
	stateAwaitLogin
	stateLoggedIn
	stateClosed
)

const (
	// initialReadTimeout applies until the first frame arrives from the
	// worker; it keeps port scanners from pinning sessions open.
	initialReadTimeout = 1 * time.Second
	// steadyReadTimeout applies to every worker read after the first frame.
	steadyReadTimeout = 60 * time.Second
	// heartbeatInterval drives registry snapshots and fee-link keepalive.
	heartbeatInterval = 60 * time.Second

	feeTrackerCap    = 50
	normalTrackerCap = 100
)

// origin tags which socket produced an event.
type origin int

const (
	originWorker origin = iota
	originPrimary
	originProxyFee
	originDevFee
)

func (o origin) String() string {
	switch o {
	case originWorker:
		return "worker"
	case originPrimary:
		return "primary"
	case originProxyFee:
		return "proxy_fee"
	default:
		return "dev_fee"
	}
}

type event struct {
	from origin
	data []byte
	err  error
}

// Options wires a session to its environment.
type Options struct {
	ID        string
	Cfg       *config.Config
	Registry  *registry.Registry
	Metrics   *monitoring.Metrics
	Encrypted bool

	// Dial overrides upstream connection establishment; tests use it to hand
	// the session links over loopback connections.
	Dial func(role router.Source) (*upstream.Link, error)
	// Sched overrides the scheduler built from Cfg.
	Sched router.Scheduler
	// Heartbeat overrides the heartbeat interval.
	Heartbeat time.Duration
}

// Session owns one worker connection and its upstream links.
type Session struct {
	id  string
	cfg *config.Config

	workerConn   net.Conn
	workerFramer transport.Framer
	workerTimeout atomic.Int64

	links map[origin]*upstream.Link

	sched   router.Scheduler
	reg     *registry.Registry
	metrics *monitoring.Metrics

	devJobs     *jobtrack.Tracker
	proxyJobs   *jobtrack.Tracker
	primaryJobs *jobtrack.Tracker
	normalJobs  *jobtrack.Tracker

	unsentProxy feeQueue
	unsentDev   feeQueue

	worker  registry.Worker
	rpcID   int64
	jobDiff uint64
	state   int

	events    chan event
	heartbeat time.Duration
	closed    chan struct{}
}

// New prepares a session for a freshly accepted worker connection.
func New(conn net.Conn, opts Options) (*Session, error) {
	s := &Session{
		id:          opts.ID,
		cfg:         opts.Cfg,
		workerConn:  conn,
		links:       make(map[origin]*upstream.Link),
		reg:         opts.Registry,
		metrics:     opts.Metrics,
		devJobs:     jobtrack.New(feeTrackerCap),
		proxyJobs:   jobtrack.New(feeTrackerCap),
		primaryJobs: jobtrack.New(feeTrackerCap),
		normalJobs:  jobtrack.New(normalTrackerCap),
		events:      make(chan event, 16),
		heartbeat:   opts.Heartbeat,
		closed:      make(chan struct{}),
	}
	if s.heartbeat == 0 {
		s.heartbeat = heartbeatInterval
	}

	if opts.Encrypted {
		key, iv, err := opts.Cfg.Cipher()
		if err != nil {
			return nil, err
		}
		framer, err := transport.NewCipherFramer(conn, key, iv)
		if err != nil {
			return nil, err
		}
		s.workerFramer = framer
	} else {
		s.workerFramer = transport.NewLineFramer(conn)
	}

	s.sched = opts.Sched
	if s.sched == nil {
		s.sched = router.New(opts.Cfg.Router(), nil)
	}

	dial := opts.Dial
	if dial == nil {
		dial = s.defaultDial
	}
	if err := s.connectUpstreams(dial); err != nil {
		return nil, err
	}

	s.workerTimeout.Store(int64(initialReadTimeout))
	s.state = stateAwaitLogin
	return s, nil
}

func (s *Session) defaultDial(role router.Source) (*upstream.Link, error) {
	if role == router.SourcePrimary {
		return upstream.Connect(role, s.cfg.PoolTCPAddress, s.cfg.PoolSSLAddress)
	}
	return upstream.Connect(role, s.cfg.ShareTCPAddress, s.cfg.ShareSSLAddress)
}

// connectUpstreams dials the primary link and, unless fees are off, the two
// fee links. Fee links log in immediately under the operator and developer
// wallets; the primary login waits for the worker's own credentials.
func (s *Session) connectUpstreams(dial func(router.Source) (*upstream.Link, error)) error {
	primary, err := dial(router.SourcePrimary)
	if err != nil {
		return err
	}
	s.links[originPrimary] = primary

	if router.Mode(s.cfg.Share) == router.ModeOff {
		return nil
	}

	base := s.cfg.ShareName
	if base == "" {
		base = randName(7)
	}

	proxy, err := dial(router.SourceProxyFee)
	if err != nil {
		primary.Close()
		return err
	}
	s.links[originProxyFee] = proxy
	if err := proxy.Login(s.cfg.ShareWallet, base+"_fee"); err != nil {
		s.closeLinks()
		return err
	}

	dev, err := dial(router.SourceDevFee)
	if err != nil {
		s.closeLinks()
		return err
	}
	s.links[originDevFee] = dev
	if err := dev.Login(s.cfg.DevWallet, base+"_develop"); err != nil {
		s.closeLinks()
		return err
	}
	return nil
}

func (s *Session) closeLinks() {
	for _, l := range s.links {
		l.Close()
	}
}

// Run drives the select loop until a peer disconnects or errors. It always
// returns with every owned socket shut down on the write side.
func (s *Session) Run() error {
	go s.readWorker()
	for o, l := range s.links {
		go s.readPool(o, l)
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	var cause error
	for s.state != stateClosed {
		select {
		case ev := <-s.events:
			if ev.err != nil {
				cause = s.teardown(ev.from, ev.err)
				continue
			}
			s.handleEvent(ev)
		case <-ticker.C:
			s.publishState()
			s.feeKeepalive()
		}
	}
	return cause
}

func (s *Session) readWorker() {
	for {
		s.workerConn.SetReadDeadline(time.Now().Add(time.Duration(s.workerTimeout.Load())))
		msg, err := s.workerFramer.ReadMessage()
		select {
		case s.events <- event{from: originWorker, data: msg, err: err}:
		case <-s.closed:
			return
		}
		if err != nil {
			return
		}
		// The tight initial timeout only guards the first read; once a frame
		// arrived this is a real miner.
		s.workerTimeout.Store(int64(steadyReadTimeout))
	}
}

func (s *Session) readPool(o origin, l *upstream.Link) {
	for {
		msg, err := l.ReadMessage()
		select {
		case s.events <- event{from: o, data: msg, err: err}:
		case <-s.closed:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) handleEvent(ev event) {
	if ev.from == originWorker {
		s.handleWorkerMessage(ev.data)
		return
	}
	s.handlePoolMessage(ev.from, ev.data)
}

// ---------------------------------------------------------------------------
// worker -> session

func (s *Session) handleWorkerMessage(data []byte) {
	req, err := protocol.ParseRequest(data)
	if err != nil {
		log.Printf("session %s: protocol violation from worker %s: %v", s.id, s.worker.Name, err)
		return
	}
	s.rpcID = req.ID

	switch req.Method {
	case protocol.MethodSubmitLogin:
		s.handleLogin(req)
	case protocol.MethodSubmitWork:
		s.handleSubmitWork(req)
	case protocol.MethodSubmitHashrate:
		s.handleSubmitHashrate(req)
	case protocol.MethodGetWork:
		req.ID = protocol.ClientGetWork
		s.forwardToPrimary(req)
	case protocol.MethodSubscribe:
		req.ID = protocol.ClientSubscribe
		s.forwardToPrimary(req)
	default:
		log.Printf("session %s: unknown method %q from worker %s, forwarding", s.id, req.Method, s.worker.Name)
		if link := s.links[originPrimary]; link != nil {
			if err := link.WriteRaw(data); err != nil {
				s.teardown(originPrimary, err)
			}
		}
	}
}

func (s *Session) handleLogin(req *protocol.Request) {
	wallet := ""
	if len(req.Params) > 0 {
		wallet = req.Params[0]
	}
	name := req.Worker
	if name == "" {
		// Some miners append the rig name to the wallet: 0xabc.rig1.
		if i := strings.IndexByte(wallet, '.'); i >= 0 {
			name = wallet[i+1:]
			wallet = wallet[:i]
			req.Params[0] = wallet
		} else {
			name = "default"
		}
	}
	s.worker.Login(name, wallet)

	// The primary link authenticates as the worker itself; submits routed
	// there keep the worker's own credential.
	if link := s.links[originPrimary]; link != nil {
		link.Wallet = wallet
		link.Worker = name
	}

	req.ID = protocol.ClientLogin
	req.Worker = name
	s.forwardToPrimary(req)
}

func (s *Session) handleSubmitWork(req *protocol.Request) {
	if len(req.Params) < 3 {
		log.Printf("session %s: malformed eth_submitWork from %s", s.id, s.worker.Name)
		return
	}
	jobID := req.Params[1]
	s.worker.AddShare()

	dest, ok := s.routeSubmit(jobID)
	if !ok {
		s.worker.Invalid()
		log.Printf("session %s: unknown job %s submitted by %s, dropping", s.id, jobID, s.worker.Name)
		if s.metrics != nil {
			s.metrics.UnknownJobs.Inc()
		}
		return
	}

	link := s.links[dest]
	submitID := int64(s.worker.ShareIndex)
	if err := link.Submit(req.Params, submitID, req.ID); err != nil {
		s.teardown(dest, err)
		return
	}
	if s.metrics != nil {
		s.metrics.SharesSubmitted.WithLabelValues(link.Role.String()).Inc()
	}

	// ALL_SHARE: the primary keeps the real submission and a fee pool gets an
	// uncredited copy.
	if dest == originPrimary {
		if mirror, ok := s.sched.SubmitMirror(); ok {
			if ml := s.links[linkOrigin(mirror)]; ml != nil {
				ml.WriteRequest(&protocol.Request{
					ID:     submitID,
					Method: protocol.MethodSubmitWork,
					Params: req.Params,
					Worker: ml.Worker,
				})
				if s.metrics != nil {
					s.metrics.SharesSubmitted.WithLabelValues(mirror.String()).Inc()
				}
			}
		}
	}
}

// routeSubmit finds the upstream that issued a job id. Fee trackers win over
// the primary so diverted work is never leaked to the worker's pool.
func (s *Session) routeSubmit(jobID string) (origin, bool) {
	switch {
	case s.devJobs.Contains(jobID) && s.links[originDevFee] != nil:
		return originDevFee, true
	case s.proxyJobs.Contains(jobID) && s.links[originProxyFee] != nil:
		return originProxyFee, true
	case s.primaryJobs.Contains(jobID) || s.normalJobs.Contains(jobID):
		return originPrimary, true
	default:
		return originPrimary, false
	}
}

func (s *Session) handleSubmitHashrate(req *protocol.Request) {
	if len(req.Params) > 0 {
		if rate, err := parseHex(req.Params[0]); err == nil {
			s.worker.Hash = rate
		}
	}
	req.ID = protocol.ClientSubHashrate
	s.forwardToPrimary(req)
}

func (s *Session) forwardToPrimary(req *protocol.Request) {
	link := s.links[originPrimary]
	if err := link.WriteRequest(req); err != nil {
		s.teardown(originPrimary, err)
	}
}

// ---------------------------------------------------------------------------
// pool -> session

func (s *Session) handlePoolMessage(from origin, data []byte) {
	msg, err := protocol.ParsePoolMessage(data)
	if err != nil {
		if from == originPrimary {
			log.Printf("session %s: unrecognized primary message, passing through: %v", s.id, err)
			s.writeWorkerRaw(data)
		} else {
			log.Printf("session %s: unrecognized %s message dropped: %v", s.id, from, err)
		}
		return
	}

	switch msg.Kind {
	case protocol.KindJob:
		if from == originPrimary {
			s.handlePrimaryJob(msg)
		} else {
			s.handleFeeJob(from, msg)
		}
	default:
		s.handlePoolReply(from, msg)
	}
}

func (s *Session) handlePoolReply(from origin, msg *protocol.PoolMessage) {
	link := s.links[from]

	// Share verdicts are matched against the id used at submit time.
	if workerID, ok := link.ResolveSubmit(msg.ID); ok {
		accepted := msg.Kind == protocol.KindAck && msg.Result
		if accepted {
			s.worker.Accept()
		} else {
			s.worker.Reject()
			if msg.Err != nil {
				log.Printf("session %s: share rejected by %s: %d %s", s.id, from, msg.Err.Code, msg.Err.Message)
			}
		}
		if s.metrics != nil {
			if accepted {
				s.metrics.SharesAccepted.WithLabelValues(from.String()).Inc()
			} else {
				s.metrics.SharesRejected.WithLabelValues(from.String()).Inc()
			}
		}
		s.writeWorkerReply(msg, workerID)
		return
	}

	switch msg.ID {
	case protocol.ClientLogin:
		link.LoginOK = true
		if from == originPrimary {
			s.state = stateLoggedIn
			s.workerTimeout.Store(int64(steadyReadTimeout))
			s.worker.Online = true
			s.writeWorkerReply(msg, s.rpcID)
		}
		return
	case protocol.ClientSubHashrate, protocol.ClientGetWork, protocol.ClientSubscribe:
		if from == originPrimary {
			s.writeWorkerReply(msg, s.rpcID)
		}
		return
	}

	if from != originPrimary {
		// Anything else on a fee link is the fee identity's own traffic.
		if msg.Kind == protocol.KindError && msg.Err != nil {
			log.Printf("session %s: %s link error: %d %s", s.id, from, msg.Err.Code, msg.Err.Message)
		}
		return
	}

	// Unmatched primary reply: attribute by verdict and relay under the
	// worker's latest id.
	if msg.Kind == protocol.KindAck && msg.Result {
		s.worker.Accept()
	} else if msg.Kind == protocol.KindError {
		s.worker.Reject()
	}
	s.writeWorkerReply(msg, s.rpcID)
}

func (s *Session) handlePrimaryJob(msg *protocol.PoolMessage) {
	if diff := msg.Diff(); diff > s.jobDiff {
		s.jobDiff = diff
		s.unsentProxy.clear()
		s.unsentDev.clear()
	}

	src := s.sched.NextJobSource(s.unsentProxy.ready(s.jobDiff), s.unsentDev.ready(s.jobDiff))
	switch src {
	case router.SourceProxyFee:
		s.deliverFeeJob(s.unsentProxy.pop(s.jobDiff), s.proxyJobs, src)
	case router.SourceDevFee:
		s.deliverFeeJob(s.unsentDev.pop(s.jobDiff), s.devJobs, src)
	default:
		s.deliverPrimaryJob(msg)
	}
}

func (s *Session) deliverPrimaryJob(msg *protocol.PoolMessage) {
	jobID := msg.JobID()
	s.primaryJobs.Put(jobID, jobtrack.Entry{RPCID: msg.ID, Diff: msg.Diff()})

	id := s.deliveryID(msg.ID)
	s.normalJobs.Put(jobID, jobtrack.Entry{RPCID: id, Diff: msg.Diff()})
	s.writeWorkerJob(msg, id)
	if s.metrics != nil {
		s.metrics.JobsForwarded.WithLabelValues(router.SourcePrimary.String()).Inc()
	}
}

func (s *Session) deliverFeeJob(msg *protocol.PoolMessage, tracker *jobtrack.Tracker, src router.Source) {
	if msg == nil {
		return
	}
	jobID := msg.JobID()
	tracker.Put(jobID, jobtrack.Entry{RPCID: msg.ID, Diff: msg.Diff()})

	id := s.deliveryID(msg.ID)
	s.normalJobs.Put(jobID, jobtrack.Entry{RPCID: id, Diff: msg.Diff()})
	s.writeWorkerJob(msg, id)
	if s.metrics != nil {
		s.metrics.JobsForwarded.WithLabelValues(src.String()).Inc()
	}
}

// deliveryID applies the job id rewrite rule: ids that are the relay's own
// getwork id or the current share index are replaced with the worker's last
// rpc id, anything else passes through.
func (s *Session) deliveryID(upstreamID int64) int64 {
	if upstreamID == protocol.ClientGetWork || upstreamID == int64(s.worker.ShareIndex) {
		return s.rpcID
	}
	return upstreamID
}

func (s *Session) handleFeeJob(from origin, msg *protocol.PoolMessage) {
	if msg.Diff() < s.jobDiff {
		// Stale-difficulty work is never delivered.
		return
	}
	if from == originProxyFee {
		s.unsentProxy.push(msg)
	} else {
		s.unsentDev.push(msg)
	}
}

// ---------------------------------------------------------------------------
// worker writes

func (s *Session) writeWorkerReply(msg *protocol.PoolMessage, id int64) {
	data, err := msg.MarshalForWorker(id)
	if err != nil {
		log.Printf("session %s: marshal reply: %v", s.id, err)
		return
	}
	s.writeWorkerRaw(data)
}

func (s *Session) writeWorkerJob(msg *protocol.PoolMessage, id int64) {
	data, err := msg.MarshalForWorker(id)
	if err != nil {
		log.Printf("session %s: marshal job: %v", s.id, err)
		return
	}
	s.writeWorkerRaw(data)
}

func (s *Session) writeWorkerRaw(data []byte) {
	if err := s.workerFramer.WriteMessage(data); err != nil {
		s.teardown(originWorker, err)
	}
}

// ---------------------------------------------------------------------------
// heartbeat and teardown

func (s *Session) publishState() {
	if s.reg != nil && s.worker.Name != "" {
		s.reg.Publish(s.worker)
	}
}

// feeKeepalive keeps the fee identities looking like live miners: each
// heartbeat they report a fee-scaled hashrate and ask for fresh work.
func (s *Session) feeKeepalive() {
	for _, o := range []origin{originProxyFee, originDevFee} {
		link := s.links[o]
		if link == nil || !link.LoginOK {
			continue
		}
		rate := s.cfg.ShareRate
		if o == originDevFee {
			rate = s.cfg.DevRate
		}
		scaled := hashrate.Scale(s.worker.Hash, 1-rate)
		link.WriteRequest(&protocol.Request{
			ID:     protocol.ClientSubHashrate,
			Method: protocol.MethodSubmitHashrate,
			Params: []string{fmt.Sprintf("0x%x", scaled), link.Worker},
			Worker: link.Worker,
		})
		link.WriteRequest(&protocol.Request{
			ID:     protocol.ClientGetWork,
			Method: protocol.MethodGetWork,
			Params: []string{},
			Worker: link.Worker,
		})
	}
}

// teardown shuts down every peer's write half so each observes a clean FIN,
// publishes the offline event, and ends the loop.
func (s *Session) teardown(from origin, cause error) error {
	if s.state == stateClosed {
		return nil
	}
	s.state = stateClosed
	close(s.closed)

	for _, l := range s.links {
		l.CloseWrite()
	}
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := s.workerConn.(closeWriter); ok {
		cw.CloseWrite()
	}

	if s.worker.Online {
		s.worker.Offline()
		if s.reg != nil {
			s.reg.Publish(s.worker)
		}
	}

	for _, l := range s.links {
		l.Close()
	}
	s.workerConn.Close()

	if errors.Is(cause, transport.ErrPeerClosed) {
		log.Printf("session %s: %s disconnected (worker %s)", s.id, from, s.worker.Name)
		return nil
	}
	var terr *transport.Error
	if errors.As(cause, &terr) && s.metrics != nil {
		s.metrics.TransportErrors.Inc()
	}
	log.Printf("session %s: closing on %s error: %v", s.id, from, cause)
	return cause
}

// ---------------------------------------------------------------------------
// helpers

func linkOrigin(src router.Source) origin {
	switch src {
	case router.SourceProxyFee:
		return originProxyFee
	case router.SourceDevFee:
		return originDevFee
	default:
		return originPrimary
	}
}

func parseHex(v string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(v, "0x"), 16, 64)
}

const nameAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randName(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = nameAlphabet[rand.Intn(len(nameAlphabet))]
	}
	return string(b)
}
