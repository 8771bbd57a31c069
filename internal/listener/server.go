// Package listener accepts client TCP connections, optionally unwraps a
// proxy protocol v1/v2 header, and hands each connection to a Session
// running the MariaDB-dialect handshake and command loop (spec.md §4.1,
// §6). Grounded on the teacher's internal/proxy/listener.go accept loop,
// generalized to dispatch sessions onto a worker.Pool instead of one bare
// goroutine per connection, so admin kill/broadcast has somewhere to reach.
package listener

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joao-brasil/dbproxy/internal/config"
	"github.com/joao-brasil/dbproxy/internal/coordinator"
	"github.com/joao-brasil/dbproxy/internal/filter"
	"github.com/joao-brasil/dbproxy/internal/pool"
	"github.com/joao-brasil/dbproxy/internal/queue"
	"github.com/joao-brasil/dbproxy/internal/router"
	"github.com/joao-brasil/dbproxy/internal/worker"
)

const serverVersionBanner = "8.0.34-dbproxy"

// PipelineFactory builds a fresh filter pipeline for each new session (the
// pipeline's SessionState is not safe to share across sessions).
type PipelineFactory func() *filter.Pipeline

// Server listens on a TCP port and dispatches sessions onto a worker pool.
type Server struct {
	cfg       *config.Config
	poolMgr   *pool.Manager
	coord     *coordinator.RedisCoordinator
	dqueue    *queue.DistributedQueue
	rt        *router.Router
	pipelines PipelineFactory
	workers   *worker.Pool

	allowedNets []*net.IPNet
	listener    net.Listener

	activeSessions atomic.Int64
	done           chan struct{}
	wg             sync.WaitGroup
	cancel         context.CancelFunc
}

// NewServer builds a Server. pipelines may be nil, in which case sessions
// run with an empty filter pipeline.
func NewServer(cfg *config.Config, poolMgr *pool.Manager, coord *coordinator.RedisCoordinator, dq *queue.DistributedQueue, rt *router.Router, workers *worker.Pool, pipelines PipelineFactory) *Server {
	if pipelines == nil {
		pipelines = func() *filter.Pipeline { return filter.New() }
	}
	var nets []*net.IPNet
	for _, cidr := range cfg.Proxy.AllowedNetworks {
		if _, ipnet, err := net.ParseCIDR(cidr); err == nil {
			nets = append(nets, ipnet)
		}
	}
	return &Server{
		cfg:         cfg,
		poolMgr:     poolMgr,
		coord:       coord,
		dqueue:      dq,
		rt:          rt,
		pipelines:   pipelines,
		workers:     workers,
		allowedNets: nets,
		done:        make(chan struct{}),
	}
}

// Start begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Proxy.ListenAddr, s.cfg.Proxy.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listener: listen on %s: %w", addr, err)
	}
	s.listener = ln

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	log.Printf("[listener] MariaDB proxy listening on %s", addr)
	go s.acceptLoop(ctx)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer close(s.done)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if isListenerClosed(err) {
				log.Printf("[listener] listener closed")
				return
			}
			log.Printf("[listener] accept error: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if !allowedBy(s.allowedNets, conn.RemoteAddr()) {
			conn.Close()
			continue
		}

		s.activeSessions.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.activeSessions.Add(-1)
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, rawConn net.Conn) {
	_, br, err := peekProxyHeader(rawConn)
	if err != nil {
		log.Printf("[listener] proxy protocol header error: %v", err)
		rawConn.Close()
		return
	}

	conn := rawConn
	if br != nil && br.Buffered() > 0 {
		conn = &bufferedConn{Conn: rawConn, r: br}
	}

	session := newSession(conn, s.cfg, s.poolMgr, s.coord, s.dqueue, s.rt, s.pipelines())

	w := s.workers.Pick()
	if w != nil {
		w.AdoptSession(session)
		session.SetWorker(w)
		defer w.ForgetSession(session.SessionID())
	}

	session.Handle(ctx)
}

// Stop gracefully shuts the server down: stop accepting, cancel all
// sessions, wait (bounded by ctx) for them to finish.
func (s *Server) Stop(ctx context.Context) error {
	log.Printf("[listener] shutting down (active sessions: %d)", s.activeSessions.Load())

	if s.listener != nil {
		s.listener.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}

	doneCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Printf("[listener] all sessions closed gracefully")
	case <-ctx.Done():
		log.Printf("[listener] shutdown timeout, some sessions may have been interrupted")
	}
	return nil
}

// ActiveSessions returns the number of sessions currently being served.
func (s *Server) ActiveSessions() int64 { return s.activeSessions.Load() }

func isListenerClosed(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		return opErr.Err.Error() == "use of closed network connection"
	}
	return false
}
