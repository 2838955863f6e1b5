// Package rendezvous implements the server side of the mailbox protocol:
// nameplate allocation/claiming/release and mailbox open/add/close, relayed
// between the peers that open each mailbox. It mirrors the shape of the
// teacher's own signalling server (cmd/ww/server.go) — a
// Prometheus/gziphandler/autocert-backed http.Server accepting WebSocket
// upgrades — adapted from WebRTC slot-pairing to nameplate/mailbox
// rendezvous, and is meant for tests and small deployments rather than the
// production relay, which a real client talks to over the same wire
// protocol regardless of implementation.
package rendezvous

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"
	"nhooyr.io/websocket"

	"wormhole.link/wormhole"
)

// nameplateTimeout bounds how long an allocated nameplate may stay in the
// table, counted from allocation, before both sides have released it, the
// same way the teacher bounds slot lifetime. Nameplates created by a claim
// without an allocate have no timeout.
const nameplateTimeout = 30 * time.Minute

var stats = struct {
	connections prometheus.Counter
	badProto    prometheus.Counter
	noSuchMailbox prometheus.Counter
	timeouts    prometheus.Counter
}{
	connections: promauto.NewCounter(prometheus.CounterOpts{
		Name: "wormhole_rendezvous_connections_total",
		Help: "Total WebSocket connections accepted.",
	}),
	badProto: promauto.NewCounter(prometheus.CounterOpts{
		Name: "wormhole_rendezvous_bad_protocol_total",
		Help: "Connections rejected for speaking the wrong subprotocol.",
	}),
	noSuchMailbox: promauto.NewCounter(prometheus.CounterOpts{
		Name: "wormhole_rendezvous_no_such_mailbox_total",
		Help: "Opens against a mailbox nobody has claimed.",
	}),
	timeouts: promauto.NewCounter(prometheus.CounterOpts{
		Name: "wormhole_rendezvous_nameplate_timeouts_total",
		Help: "Nameplates released by the server for sitting idle too long.",
	}),
}

// Server holds the in-memory nameplate and mailbox tables for one relay
// process. The zero value is not usable; use New.
type Server struct {
	mu         sync.Mutex
	nameplates map[string]*nameplateEntry
	mailboxes  map[string]*mailbox
}

type nameplateEntry struct {
	mailboxID string
	claimedBy int // number of claims not yet released; 0 right after allocate
	timer     *time.Timer
}

// mailbox fans "add" frames out to every peer connected to it.
type mailbox struct {
	mu    sync.Mutex
	peers map[*peer]struct{}
}

// peer serialises every write to one connection through a single writer
// goroutine: direct replies (claimed, released, ...) and broadcasts from
// other peers in the same mailbox can both be in flight at once, and
// websocket.Conn.Write is not safe to call concurrently.
type peer struct {
	conn *websocket.Conn
	side string
	out  chan map[string]interface{}
}

func newPeer(conn *websocket.Conn) *peer {
	p := &peer{conn: conn, out: make(chan map[string]interface{}, 16)}
	go p.writeLoop()
	return p
}

func (p *peer) writeLoop() {
	for f := range p.out {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = wsWriteJSON(ctx, p.conn, f)
		cancel()
	}
}

// send queues f for delivery without blocking the caller. A peer slow
// enough to fill its outbox drops frames rather than stalling whoever is
// broadcasting to it.
func (p *peer) send(f map[string]interface{}) {
	select {
	case p.out <- f:
	default:
	}
}

func (p *peer) close() {
	close(p.out)
}

// New returns an empty Server.
func New() *Server {
	return &Server{
		nameplates: make(map[string]*nameplateEntry),
		mailboxes:  make(map[string]*mailbox),
	}
}

// Handler returns an http.Handler that accepts wormhole clients over
// WebSocket and relays frames between the peers of each mailbox. It does
// not limit how many peers open the same mailbox.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveWS)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
		Subprotocols:       []string{wormhole.Protocol},
	})
	if err != nil {
		return
	}
	if conn.Subprotocol() != wormhole.Protocol {
		stats.badProto.Inc()
		conn.Close(4000, "wrong protocol, please upgrade client")
		return
	}
	stats.connections.Inc()
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	p := newPeer(conn)
	defer p.close()
	p.send(welcomeFrame())

	var joined *mailbox
	for {
		var f map[string]interface{}
		if err := wsReadJSON(ctx, conn, &f); err != nil {
			break
		}
		reply, next := s.handleFrame(p, joined, f)
		joined = next
		if reply != nil {
			p.send(reply)
		}
	}

	if joined != nil {
		joined.leave(p)
	}
}

func welcomeFrame() map[string]interface{} {
	return map[string]interface{}{
		"type": "welcome",
		"welcome": map[string]interface{}{
			"current_version": wormhole.Version,
		},
	}
}

func (s *Server) handleFrame(p *peer, joined *mailbox, f map[string]interface{}) (map[string]interface{}, *mailbox) {
	typ, _ := f["type"].(string)
	switch typ {
	case "bind":
		if side, ok := f["side"].(string); ok {
			p.side = side
		}
		return nil, joined

	case "allocate":
		nameplate := s.allocateNameplate()
		return map[string]interface{}{"type": "allocated", "nameplate": nameplate}, joined

	case "list":
		return map[string]interface{}{"type": "nameplates", "nameplates": s.listNameplates()}, joined

	case "claim":
		nameplate, _ := f["nameplate"].(string)
		mailboxID := s.claimNameplate(nameplate)
		return map[string]interface{}{"type": "claimed", "mailbox": mailboxID}, joined

	case "release":
		nameplate, _ := f["nameplate"].(string)
		s.releaseNameplate(nameplate)
		return map[string]interface{}{"type": "released"}, joined

	case "open":
		mailboxID, _ := f["mailbox"].(string)
		if !s.nameplateClaimed(mailboxID) {
			stats.noSuchMailbox.Inc()
		}
		mb := s.openMailbox(mailboxID)
		mb.join(p)
		return nil, mb

	case "add":
		if joined != nil {
			joined.broadcast(p, map[string]interface{}{
				"type":  "message",
				"phase": f["phase"],
				"body":  f["body"],
				"side":  p.side,
			})
		}
		return nil, joined

	case "close":
		return map[string]interface{}{"type": "closed"}, joined

	default:
		return nil, joined
	}
}

func (s *Server) allocateNameplate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		n := strconv.Itoa(rand.Intn(1 << 12))
		if _, taken := s.nameplates[n]; taken {
			continue
		}
		s.nameplates[n] = &nameplateEntry{mailboxID: n}
		s.nameplates[n].timer = time.AfterFunc(nameplateTimeout, func() {
			stats.timeouts.Inc()
			s.mu.Lock()
			delete(s.nameplates, n)
			s.mu.Unlock()
		})
		return n
	}
}

func (s *Server) listNameplates() []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(s.nameplates))
	for id := range s.nameplates {
		out = append(out, map[string]interface{}{"id": id})
	}
	return out
}

func (s *Server) claimNameplate(nameplate string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.nameplates[nameplate]
	if !ok {
		e = &nameplateEntry{mailboxID: nameplate}
		s.nameplates[nameplate] = e
	}
	e.claimedBy++
	return e.mailboxID
}

func (s *Server) releaseNameplate(nameplate string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.nameplates[nameplate]
	if !ok {
		return
	}
	e.claimedBy--
	if e.claimedBy <= 0 {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.nameplates, nameplate)
	}
}

func (s *Server) nameplateClaimed(mailboxID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nameplates[mailboxID]
	return ok
}

func (s *Server) openMailbox(id string) *mailbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb, ok := s.mailboxes[id]
	if !ok {
		mb = &mailbox{peers: make(map[*peer]struct{})}
		s.mailboxes[id] = mb
	}
	return mb
}

func (mb *mailbox) join(p *peer) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.peers[p] = struct{}{}
}

func (mb *mailbox) leave(p *peer) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.peers, p)
}

func (mb *mailbox) broadcast(from *peer, f map[string]interface{}) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for p := range mb.peers {
		p.send(f)
	}
}

// Serve runs a relay process from the command line, in the same shape as
// the teacher's own "server" subcommand: an http.Server with optional
// Let's Encrypt via autocert, gzip compression wrapped around the whole mux
// (the WebSocket endpoint on / and Prometheus metrics on /metrics). It
// serves no static files.
func Serve(args []string) {
	set := flag.NewFlagSet("serve", flag.ExitOnError)
	httpaddr := set.String("http", ":4000", "http listen address")
	httpsaddr := set.String("https", "", "https listen address; empty disables TLS")
	whitelist := set.String("hosts", "", "comma separated list of hosts for which to request Let's Encrypt certs")
	secretpath := set.String("secrets", os.Getenv("HOME")+"/.wormhole-rendezvous", "path to put Let's Encrypt cache")
	set.Parse(args)

	srv := New()

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	mux.Handle("/metrics", promhttp.Handler())
	handler := gziphandler.GzipHandler(mux)

	httpServer := &http.Server{
		Addr:         *httpaddr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Minute,
		IdleTimeout:  20 * time.Second,
	}

	if *httpsaddr == "" {
		log.Fatal(httpServer.ListenAndServe())
	}

	m := &autocert.Manager{
		Cache:      autocert.DirCache(*secretpath),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(strings.Split(*whitelist, ",")...),
	}
	httpsServer := &http.Server{
		Addr:         *httpsaddr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Minute,
		IdleTimeout:  20 * time.Second,
		TLSConfig:    &tls.Config{GetCertificate: m.GetCertificate},
	}
	httpServer.Handler = m.HTTPHandler(handler)
	go func() { log.Fatal(httpServer.ListenAndServe()) }()
	log.Fatal(httpsServer.ListenAndServeTLS("", ""))
}

func wsReadJSON(ctx context.Context, conn *websocket.Conn, v *map[string]interface{}) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func wsWriteJSON(ctx context.Context, conn *websocket.Conn, v map[string]interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
