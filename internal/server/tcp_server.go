// Package server accepts guard handsets over TCP. Each identified
// connection feeds its position fixes into the position hub and may start
// or stop the guard's patrol.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/smukkama/vigilant-patrol/internal/connection"
	"github.com/smukkama/vigilant-patrol/internal/logging"
	"github.com/smukkama/vigilant-patrol/internal/metrics"
	"github.com/smukkama/vigilant-patrol/internal/patrol"
	"github.com/smukkama/vigilant-patrol/internal/protocol"
	"github.com/smukkama/vigilant-patrol/internal/timer"
	"github.com/smukkama/vigilant-patrol/pkg/config"
)

var (
	ErrDeviceDisconnected = errors.New("device disconnected")
	ErrDeviceInactive     = errors.New("device stopped reporting")
)

// Positions receives fixes and feed failures. *position.Hub satisfies it.
type Positions interface {
	Publish(guardID string, sample patrol.GeoSample) int
	Fail(guardID string, err error) int
}

// Patrols starts and stops patrols. *patrol.Tracker satisfies it.
type Patrols interface {
	Start(ctx context.Context, guardID, guardName string) (*patrol.Session, error)
	Stop(ctx context.Context, guardID string) (*patrol.Session, error)
}

// TCPServer is the TCP server for guard handsets
type TCPServer struct {
	config       *config.TCPServerConfig
	connManager  *connection.Manager
	timerManager *timer.TimerManager
	positions    Positions
	patrols      Patrols
	listener     net.Listener
	wg           sync.WaitGroup
	stopCh       chan struct{}
	stopOnce     sync.Once
	ctx          context.Context
	cancel       context.CancelFunc
	log          zerolog.Logger
}

// NewTCPServer creates a new TCP server
func NewTCPServer(cfg *config.TCPServerConfig, connManager *connection.Manager, timerManager *timer.TimerManager, positions Positions, patrols Patrols) *TCPServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPServer{
		config:       cfg,
		connManager:  connManager,
		timerManager: timerManager,
		positions:    positions,
		patrols:      patrols,
		stopCh:       make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		log:          logging.With().Str("component", "tcp-server").Logger(),
	}
}

// Start starts the TCP server
func (s *TCPServer) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP server: %w", err)
	}

	s.listener = listener
	s.log.Info().Str("addr", listener.Addr().String()).Msg("TCP server listening")

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Serve runs the server until ctx is cancelled.
func (s *TCPServer) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return ctx.Err()
}

func (s *TCPServer) String() string { return "tcp-server" }

// Addr returns the listening address once started
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the TCP server gracefully
func (s *TCPServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cancel()

		if s.listener != nil {
			s.listener.Close()
		}
		for _, id := range s.connManager.GetAllConnections() {
			if client, ok := s.connManager.Get(id); ok {
				client.Conn.Close()
			}
		}

		s.wg.Wait()
		s.log.Info().Msg("TCP server stopped")
	})
}

func (s *TCPServer) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.log.Error().Err(err).Msg("failed to accept connection")
				continue
			}
		}

		if s.connManager.Count() >= s.config.MaxConnections {
			s.log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("maximum connections reached, rejecting connection")
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *TCPServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	connectionID := uuid.New().String()
	log := s.log.With().Str("connection_id", connectionID).Logger()
	log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("new connection")

	conn.SetReadDeadline(time.Now().Add(s.config.IdentifyTimeout))

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		log.Debug().Err(err).Msg("failed to read identify message")
		return
	}

	msg, err := protocol.ParseMessage([]byte(line))
	if err != nil {
		log.Warn().Err(err).Msg("failed to parse identify message")
		s.sendError(conn, err.Error())
		return
	}

	identifyMsg, ok := msg.(*protocol.IdentifyMessage)
	if !ok {
		log.Warn().Str("type", fmt.Sprintf("%T", msg)).Msg("expected identify message")
		s.sendError(conn, "expected identify message")
		return
	}

	guardID := identifyMsg.GuardID
	log = log.With().Str("guard_id", guardID).Logger()

	if err := s.connManager.Register(connectionID, guardID, identifyMsg.GuardName, identifyMsg.DeviceID, conn); err != nil {
		log.Warn().Err(err).Msg("failed to register device")
		s.sendError(conn, "failed to register")
		return
	}
	metrics.DeviceConnections.Inc()

	var inactive atomic.Bool
	defer func() {
		s.timerManager.Cancel(inactivityTimerID(connectionID))
		s.connManager.Unregister(connectionID)
		metrics.DeviceConnections.Dec()
		s.reportFeedLoss(log, guardID, inactive.Load())
	}()

	log.Info().Str("guard_name", identifyMsg.GuardName).Str("device_id", identifyMsg.DeviceID).Msg("device identified")

	if err := s.sendMessage(conn, protocol.NewAckMessage(protocol.AckStatusIdentified)); err != nil {
		log.Warn().Err(err).Msg("failed to send ack")
		return
	}

	s.scheduleInactivityTimer(connectionID, &inactive)
	conn.SetReadDeadline(time.Time{})

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		line, err := reader.ReadString('\n')
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			log.Debug().Err(err).Msg("connection closed")
			return
		}

		msg, err := protocol.ParseMessage([]byte(line))
		if err != nil {
			log.Debug().Err(err).Msg("rejected message")
			metrics.SamplesRejected.WithLabelValues("invalid").Inc()
			s.sendError(conn, err.Error())
		} else if err := s.handleMessage(guardID, identifyMsg.GuardName, msg, conn); err != nil {
			log.Warn().Err(err).Msg("failed to handle message")
		}

		s.connManager.UpdateActivity(connectionID)
		s.scheduleInactivityTimer(connectionID, &inactive)
	}
}

func (s *TCPServer) handleMessage(guardID, guardName string, msg interface{}, conn net.Conn) error {
	switch m := msg.(type) {
	case *protocol.PositionMessage:
		return s.handlePosition(guardID, m, conn)

	case *protocol.KeepaliveMessage:
		return s.sendMessage(conn, protocol.NewAckMessage(protocol.AckStatusAlive))

	case *protocol.PatrolCommand:
		return s.handleCommand(guardID, guardName, m, conn)

	case *protocol.IdentifyMessage:
		return s.sendMessage(conn, protocol.NewErrorAck("already identified"))

	default:
		return fmt.Errorf("unknown message type: %T", msg)
	}
}

func (s *TCPServer) handlePosition(guardID string, msg *protocol.PositionMessage, conn net.Conn) error {
	if s.positions.Publish(guardID, msg.Data.Sample()) == 0 {
		metrics.SamplesRejected.WithLabelValues("no_session").Inc()
		return s.sendMessage(conn, protocol.NewErrorAck(patrol.ErrNoActiveSession.Error()))
	}
	return s.sendMessage(conn, protocol.NewAckMessage(protocol.AckStatusAccepted))
}

func (s *TCPServer) handleCommand(guardID, guardName string, msg *protocol.PatrolCommand, conn net.Conn) error {
	var (
		session *patrol.Session
		err     error
		status  string
	)
	switch msg.Type {
	case protocol.MsgTypeStartPatrol:
		session, err = s.patrols.Start(s.ctx, guardID, guardName)
		status = protocol.AckStatusStarted
	case protocol.MsgTypeStopPatrol:
		session, err = s.patrols.Stop(s.ctx, guardID)
		status = protocol.AckStatusStopped
	default:
		return fmt.Errorf("unknown command: %s", msg.Type)
	}
	if err != nil {
		if sendErr := s.sendMessage(conn, protocol.NewErrorAck(err.Error())); sendErr != nil {
			return sendErr
		}
		return fmt.Errorf("%s: %w", msg.Type, err)
	}

	ack := protocol.NewAckMessage(status)
	ack.SessionID = session.ID
	return s.sendMessage(conn, ack)
}

// reportFeedLoss tells the guard's patrol that its device went away, unless
// another device of the same guard is still connected.
func (s *TCPServer) reportFeedLoss(log zerolog.Logger, guardID string, inactive bool) {
	if s.connManager.IsGuardConnected(guardID) {
		return
	}
	reason := ErrDeviceDisconnected
	if inactive {
		reason = ErrDeviceInactive
	}
	if s.positions.Fail(guardID, reason) > 0 {
		log.Warn().Err(reason).Msg("position feed lost for active patrol")
	}
}

func (s *TCPServer) sendMessage(conn net.Conn, msg interface{}) error {
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}

	_, err = conn.Write(append(data, '\n'))
	return err
}

func (s *TCPServer) sendError(conn net.Conn, reason string) {
	s.sendMessage(conn, protocol.NewErrorAck(reason))
}

func inactivityTimerID(connectionID string) string {
	return "inactivity-" + connectionID
}

func (s *TCPServer) scheduleInactivityTimer(connectionID string, inactive *atomic.Bool) {
	expiryAt := time.Now().Add(s.config.InactivityTimeout)

	callback := func() {
		client, exists := s.connManager.Get(connectionID)
		if !exists {
			return
		}
		s.log.Info().Str("connection_id", connectionID).Str("guard_id", client.GuardID).Msg("inactivity timeout")
		inactive.Store(true)

		// Unregister happens in the connection's deferred cleanup.
		client.Conn.Close()
	}

	s.timerManager.Schedule(inactivityTimerID(connectionID), expiryAt, callback)
}
