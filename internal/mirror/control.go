package mirror

import (
	"errors"
	"time"

	"github.com/bnema/waymirror/internal/ipc"
	"github.com/bnema/waymirror/internal/logger"
)

// controlTimeout bounds how long a control request waits for the loop
const controlTimeout = 5 * time.Second

// errStopped answers requests that arrive after the loop exited
var errStopped = errors.New("session already stopped")

type request struct {
	kind  ipc.MessageType
	reply chan response
}

type response struct {
	status ipc.Status
	err    error
}

// HandleStop implements ipc.MessageHandler. The stop is acknowledged once
// the loop has switched to Stopping.
func (s *Session) HandleStop() error {
	_, err := s.call(ipc.MessageTypeStop)
	if errors.Is(err, errStopped) {
		return nil
	}
	return err
}

// HandleStatus implements ipc.MessageHandler
func (s *Session) HandleStatus() (ipc.Status, error) {
	return s.call(ipc.MessageTypeStatus)
}

// call hands a request to the loop goroutine and waits for its answer
func (s *Session) call(kind ipc.MessageType) (ipc.Status, error) {
	req := request{kind: kind, reply: make(chan response, 1)}
	timeout := time.NewTimer(controlTimeout)
	defer timeout.Stop()

	select {
	case s.control <- req:
	case <-s.done:
		return ipc.Status{}, errStopped
	case <-timeout.C:
		return ipc.Status{}, errors.New("session did not answer")
	}

	select {
	case resp := <-req.reply:
		return resp.status, resp.err
	case <-s.done:
		return ipc.Status{}, errStopped
	case <-timeout.C:
		return ipc.Status{}, errors.New("session did not answer")
	}
}

func (s *Session) handle(req request) {
	switch req.kind {
	case ipc.MessageTypeStop:
		logger.Info("Stop requested over control socket")
		s.stop(nil)
		req.reply <- response{status: s.status()}
	case ipc.MessageTypeStatus:
		req.reply <- response{status: s.status()}
	default:
		req.reply <- response{err: errors.New("unsupported request")}
	}
}
