package notifier

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/driftlab/driftsync/internal/jsonx"
)

const (
	socketChannelSize   = 64
	socketPingPeriod    = 15 * time.Second
	socketPingTimeout   = 5 * time.Second
	socketWriteTimeout  = 5 * time.Second
	socketMaxFrameBytes = 256 * 1024
)

// socket owns one live websocket connection. Frames flow through the rx/tx
// channels; the read and write pumps tear the whole connection down on the
// first error either of them sees.
type socket struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	frameRx   chan frame
	frameTx   chan frame
	closed    chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newSocket(conn *websocket.Conn, logger *slog.Logger) *socket {
	conn.SetReadLimit(socketMaxFrameBytes)
	return &socket{
		conn:    conn,
		logger:  logger,
		frameRx: make(chan frame, socketChannelSize),
		frameTx: make(chan frame, socketChannelSize),
		closed:  make(chan struct{}),
		closing: make(chan struct{}),
	}
}

func (s *socket) start(ctx context.Context) {
	s.wg.Add(2)
	go s.readPump(ctx)
	go s.writePump(ctx)
}

func (s *socket) close() {
	s.closeConnection(websocket.StatusNormalClosure, "shutdown")
	s.wg.Wait()
}

// send queues f without blocking. A full queue drops the frame; every frame
// kind is either re-sent on reconnect or superseded by a newer one.
func (s *socket) send(f frame) bool {
	select {
	case <-s.closing:
		return false
	case s.frameTx <- f:
		return true
	default:
		s.logger.Warn("notifier send queue full, dropped frame", "kind", f.Kind)
		return false
	}
}

func (s *socket) closeConnection(status websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.conn.Close(status, reason)
		s.wg.Wait()
		close(s.closed)
		close(s.frameRx)
	})
}

func (s *socket) readPump(ctx context.Context) {
	defer func() {
		s.wg.Done()
		s.closeConnection(websocket.StatusNormalClosure, "shutdown")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		default:
		}

		_, raw, err := s.conn.Read(ctx)
		if err != nil {
			if !isExpectedCloseError(err) {
				s.logger.Warn("notifier recv", "error", err)
			}
			return
		}

		var f frame
		if err := jsonx.Unmarshal(raw, &f); err != nil {
			s.logger.Warn("notifier recv decode", "error", err)
			continue
		}

		select {
		case <-s.closing:
			return
		case s.frameRx <- f:
		default:
			s.logger.Warn("notifier recv buffer full, dropped frame", "kind", f.Kind)
		}
	}
}

func (s *socket) writePump(ctx context.Context) {
	pingTicker := time.NewTicker(socketPingPeriod)
	defer func() {
		pingTicker.Stop()
		s.wg.Done()
		s.closeConnection(websocket.StatusNormalClosure, "shutdown")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return

		case f := <-s.frameTx:
			raw, err := jsonx.Marshal(f)
			if err == nil {
				writeCtx, cancel := context.WithTimeout(ctx, socketWriteTimeout)
				err = s.conn.Write(writeCtx, websocket.MessageText, raw)
				cancel()
			}
			if err != nil {
				s.logger.Error("notifier send", "error", err)
				return
			}

		case <-pingTicker.C:
			pingCtx, cancel := context.WithTimeout(ctx, socketPingTimeout)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Error("notifier ping", "error", err)
				return
			}
		}
	}
}

func isExpectedCloseError(err error) bool {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed)
}
