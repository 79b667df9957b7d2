// Copyright © 2021 Genome Research Limited
//
//  This file is part of batchq.
//
//  batchq is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  batchq is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.
//
//  You should have received a copy of the GNU Lesser General Public License
//  along with batchq. If not, see <http://www.gnu.org/licenses/>.

package ssh

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/VertebrateResequencing/batchq/jobqueue/scheduler"
	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/crypto/ssh"
)

// testServer is a minimal ssh server that pretends to run a few commands.
type testServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
}

func newTestServer(authorized ssh.PublicKey) (*testServer, error) {
	hostKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		return nil, err
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &testServer{listener: l, config: config}
	go s.serve()
	return s, nil
}

func (s *testServer) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *testServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *testServer) handleConn(conn net.Conn) {
	_, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(channel, requests)
	}
}

func (s *testServer) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}

		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			return
		}
		req.Reply(true, nil)

		var status uint32
		switch {
		case strings.HasPrefix(payload.Command, "qsub"):
			channel.Write([]byte("1234.head\n"))
		case payload.Command == "echo hello":
			channel.Write([]byte("hello\n"))
		case payload.Command == "sleep":
			continue
		default:
			channel.Stderr().Write([]byte("command not found\n"))
			status = 127
		}
		channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}

func (s *testServer) close() {
	s.listener.Close()
}

// writeKey makes a new private key file, returning its public key.
func writeKey(path string) ssh.PublicKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	So(err, ShouldBeNil)
	encoded := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	So(ioutil.WriteFile(path, encoded, 0600), ShouldBeNil)
	signer, err := ssh.NewSignerFromKey(key)
	So(err, ShouldBeNil)
	return signer.PublicKey()
}

func TestHost(t *testing.T) {
	var _ scheduler.Host = (*Host)(nil)
	ctx := context.Background()

	Convey("Given an ssh server", t, func() {
		tmpdir, err := ioutil.TempDir("", "batchq_ssh_test")
		So(err, ShouldBeNil)
		defer os.RemoveAll(tmpdir)
		keyPath := filepath.Join(tmpdir, "id_rsa")
		server, err := newTestServer(writeKey(keyPath))
		So(err, ShouldBeNil)
		defer server.close()

		h := New(Config{Host: "127.0.0.1", Port: server.port(), User: "tester", PrivateKeyPath: keyPath})
		defer h.Close()

		Convey("Commands can be run and their output read", func() {
			stdout, stderr, err := h.RunCmd(ctx, "echo hello", false)
			So(err, ShouldBeNil)
			So(stdout, ShouldEqual, "hello\n")
			So(stderr, ShouldBeEmpty)

			stdout, _, err = h.RunCmd(ctx, "echo hello", false)
			So(err, ShouldBeNil)
			So(stdout, ShouldEqual, "hello\n")
		})

		Convey("Failing commands give an error and their stderr", func() {
			_, stderr, err := h.RunCmd(ctx, "nonsense", false)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "[nonsense]")
			So(stderr, ShouldEqual, "command not found\n")
		})

		Convey("Commands are killed when the context is cancelled", func() {
			cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
			defer cancel()
			_, _, err := h.RunCmd(cctx, "sleep", false)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, context.DeadlineExceeded.Error())
		})

		Convey("A job scheduler can submit through it", func() {
			s, err := scheduler.New("pbs", &scheduler.ConfigPBS{Host: h})
			So(err, ShouldBeNil)
			id, state, err := s.Submit(ctx, "qsub -N a /tools/a.sh")
			So(err, ShouldBeNil)
			So(id.ShortID(), ShouldEqual, "1234")
			So(state, ShouldEqual, scheduler.Queued)
		})

		Convey("The wrong key can't connect", func() {
			otherKey := filepath.Join(tmpdir, "other_rsa")
			writeKey(otherKey)
			other := New(Config{Host: "127.0.0.1", Port: server.port(), User: "tester", PrivateKeyPath: otherKey})
			_, _, err := other.RunCmd(ctx, "echo hello", false)
			So(err, ShouldNotBeNil)
		})

		Convey("A missing key can't connect", func() {
			other := New(Config{Host: "127.0.0.1", Port: server.port(), PrivateKeyPath: filepath.Join(tmpdir, "missing")})
			_, _, err := other.RunCmd(ctx, "echo hello", false)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "ssh key file")
		})
	})
}
