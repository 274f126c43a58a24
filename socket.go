package punchdht

import (
	"context"
	"sync"

	"punchdht/internal/ustream"
)

// Socket is an end-to-end encrypted stream to a remote public-key
// identity. Connect returns one immediately; it opens (or fails) in
// the background. Reads and writes follow the stream contract: Write
// then End for a half-close, Read until EOF, Destroy to tear down.
type Socket struct {
	remotePub []byte

	mu       sync.Mutex
	st       *ustream.Stream
	err      error
	pending  [][]byte
	fastOpen bool
	ended    bool

	opened   chan struct{}
	done     chan struct{}
	openOnce sync.Once
	doneOnce sync.Once
	cond     *sync.Cond
}

func newSocket(remotePub []byte, fastOpen bool) *Socket {
	s := &Socket{
		remotePub: append([]byte(nil), remotePub...),
		fastOpen:  fastOpen,
		opened:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Socket) RemotePublicKey() []byte { return s.remotePub }

// Done closes when the socket has fully closed, cleanly or not.
func (s *Socket) Done() <-chan struct{} { return s.done }

func (s *Socket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Opened blocks until the stream is open, the socket failed, or ctx
// expired.
func (s *Socket) Opened(ctx context.Context) error {
	select {
	case <-s.opened:
		return nil
	default:
	}
	select {
	case <-s.opened:
		return nil
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrDestroyed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attach hands the socket its established stream and flushes any
// fast-open writes.
func (s *Socket) attach(st *ustream.Stream) {
	s.mu.Lock()
	s.st = st
	pending := s.pending
	s.pending = nil
	ended := s.ended
	s.mu.Unlock()

	for _, b := range pending {
		if _, err := st.Write(b); err != nil {
			break
		}
	}
	if ended {
		_ = st.End()
	}
	s.cond.Broadcast()

	go func() {
		select {
		case <-st.Opened():
			s.openOnce.Do(func() { close(s.opened) })
		case <-st.Done():
		}
		<-st.Done()
		s.finish(st.Err())
	}()
}

// fail terminates a socket that never got a stream.
func (s *Socket) fail(err error) {
	s.finish(err)
}

func (s *Socket) finish(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.mu.Unlock()
		close(s.done)
		s.cond.Broadcast()
	})
}

func (s *Socket) stream() (*ustream.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.st == nil {
		select {
		case <-s.done:
			if s.err != nil {
				return nil, s.err
			}
			return nil, ustream.ErrStreamClosed
		default:
		}
		s.cond.Wait()
	}
	return s.st, nil
}

func (s *Socket) Read(p []byte) (int, error) {
	st, err := s.stream()
	if err != nil {
		return 0, err
	}
	return st.Read(p)
}

// Write sends bytes once the stream is up. Before that, fast-open
// buffers them so the first payload rides the opening exchange;
// without fast-open it blocks.
func (s *Socket) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.st == nil {
		select {
		case <-s.done:
			err := s.err
			s.mu.Unlock()
			if err == nil {
				err = ustream.ErrStreamClosed
			}
			return 0, err
		default:
		}
		if s.fastOpen {
			if s.ended {
				s.mu.Unlock()
				return 0, ustream.ErrStreamClosed
			}
			s.pending = append(s.pending, append([]byte(nil), p...))
			s.mu.Unlock()
			return len(p), nil
		}
	}
	s.mu.Unlock()

	st, err := s.stream()
	if err != nil {
		return 0, err
	}
	return st.Write(p)
}

// End half-closes the socket after all buffered writes.
func (s *Socket) End() error {
	s.mu.Lock()
	if s.st == nil {
		s.ended = true
		s.mu.Unlock()
		return nil
	}
	st := s.st
	s.mu.Unlock()
	return st.End()
}

// Destroy tears the socket down immediately. Idempotent.
func (s *Socket) Destroy() {
	s.mu.Lock()
	st := s.st
	s.mu.Unlock()
	if st != nil {
		st.Destroy(nil)
		return
	}
	s.finish(nil)
}

// Close ends the socket and waits for the remote side to finish too.
func (s *Socket) Close() error {
	if err := s.End(); err != nil {
		return err
	}
	<-s.done
	return s.Err()
}
