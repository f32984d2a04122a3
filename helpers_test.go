package redismpx

import (
	"fmt"
	"math/rand"
	"net"
	"os/exec"
	"syscall"
	"time"

	"github.com/gomodule/redigo/redis"
)

func init() {
	rand.Seed(time.Now().UnixNano())
}

// testServer manages a disposable redis-server subprocess for exercising
// reconnect and disconnect behavior against a real Redis implementation
// rather than a fake.
type testServer struct {
	port    int
	address string
	cmd     *exec.Cmd
}

func newTestServer() (*testServer, error) {
	port := 16000 + rand.Intn(5000)

	s := &testServer{
		port:    port,
		address: fmt.Sprintf("localhost:%d", port),
	}
	s.start()

	return s, nil
}

// Kill terminates the server so that every open connection to it fails.
func (s *testServer) Kill() {
	if s.cmd != nil {
		s.cmd.Process.Kill()
		s.cmd.Wait()
		s.cmd = nil
	}
}

// Freeze suspends the server process without closing any socket, so
// reads and writes against it hang rather than fail outright.
func (s *testServer) Freeze() {
	if s.cmd != nil {
		s.cmd.Process.Signal(syscall.SIGSTOP)
	}
}

// Continue resumes a server previously suspended with Freeze.
func (s *testServer) Continue() {
	if s.cmd != nil {
		s.cmd.Process.Signal(syscall.SIGCONT)
	}
}

func (s *testServer) start() {
	s.cmd = exec.Command("redis-server", "--port", fmt.Sprintf("%d", s.port), "--save", "")
	s.cmd.Start()

	for {
		conn, err := net.Dial("tcp", s.address)
		if err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Restart kills and relaunches the server on the same port.
func (s *testServer) Restart() {
	s.Kill()
	s.start()
}

// Send publishes msg on ch using a throwaway connection, independent of
// whatever the Multiplexer under test is doing.
func (s *testServer) Send(ch, msg string) error {
	c, err := redis.Dial("tcp", s.address)
	if err != nil {
		return err
	}
	defer c.Close()

	_, err = c.Do("PUBLISH", ch, msg)
	return err
}

func (s *testServer) connFactory() ConnFactory {
	return func() (redis.Conn, error) {
		return redis.Dial("tcp", s.address)
	}
}
