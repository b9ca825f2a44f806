package realtime

import (
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsStream presents a websocket as the byte stream a STOMP client expects.
// Each Write becomes one text message; consecutive inbound messages are read
// back to back, so a frame may span messages and a message may carry
// several frames.
type wsStream struct {
	conn *websocket.Conn

	// readFailed is called once with the error that ended the read side.
	readFailed func(error)
	failOnce   sync.Once

	writeMu sync.Mutex
	r       io.Reader
}

func newWSStream(conn *websocket.Conn, readFailed func(error)) *wsStream {
	return &wsStream{conn: conn, readFailed: readFailed}
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.r == nil {
			_, r, err := s.conn.NextReader()
			if err != nil {
				if s.readFailed != nil {
					s.failOnce.Do(func() { s.readFailed(err) })
				}
				return 0, err
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if err == io.EOF {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}
