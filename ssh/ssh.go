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

// Package ssh handles connecting to remote hosts using public-private keys,
// and running commands on that host. A Host can be given to a job scheduler
// so that qsub and friends are run on a cluster's head node.
package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"net"
	"strconv"
	"time"

	sync "github.com/sasha-s/go-deadlock"

	"github.com/VertebrateResequencing/batchq/internal"
	"github.com/inconshreveable/log15"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultPort    = 22
	defaultTimeout = 30 * time.Second
)

// Config describes how to reach a remote host.
type Config struct {
	// Host is the name or IP of the machine to ssh to.
	Host string

	// Port defaults to 22.
	Port int

	// User to log in as, defaults to the current user.
	User string

	// PrivateKeyPath is the private key to authenticate with, defaults to
	// ~/.ssh/id_rsa.
	PrivateKeyPath string

	// KnownHostsFile, if set, is used to verify the host's key. Otherwise the
	// host key is not checked.
	KnownHostsFile string

	// Timeout for establishing the connection, defaults to 30s.
	Timeout time.Duration
}

// Host runs commands on a remote machine over a single, lazily established
// ssh connection, which is re-established if it drops.
type Host struct {
	config Config
	client *ssh.Client
	mu     sync.Mutex
	log15.Logger
}

// New creates a Host. No connection is made until the first command is run.
func New(config Config, logger ...log15.Logger) *Host {
	var l log15.Logger
	if len(logger) == 1 {
		l = logger[0].New()
	} else {
		l = log15.New()
		l.SetHandler(log15.DiscardHandler())
	}

	if config.Port == 0 {
		config.Port = defaultPort
	}
	if config.PrivateKeyPath == "" {
		config.PrivateKeyPath = "~/.ssh/id_rsa"
	}
	config.PrivateKeyPath = internal.TildaToHome(config.PrivateKeyPath)
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	return &Host{config: config, Logger: l.New("ssh", config.Host)}
}

// address gives host:port.
func (h *Host) address() string {
	return net.JoinHostPort(h.config.Host, strconv.Itoa(h.config.Port))
}

// clientConfig gets the config needed to authenticate when Dial()ing.
func (h *Host) clientConfig() (*ssh.ClientConfig, error) {
	buf, err := ioutil.ReadFile(h.config.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read your ssh key file: %s", err)
	}
	key, err := ssh.ParsePrivateKey(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to parse your ssh key file: %s", err)
	}

	user := h.config.User
	if user == "" {
		user, err = internal.Username()
		if err != nil {
			return nil, err
		}
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() // #nosec
	if h.config.KnownHostsFile != "" {
		hostKeyCallback, err = knownhosts.New(internal.TildaToHome(h.config.KnownHostsFile))
		if err != nil {
			return nil, err
		}
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(key)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         h.config.Timeout,
	}, nil
}

// connect returns our client, connecting first if necessary.
func (h *Host) connect() (*ssh.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client != nil {
		return h.client, nil
	}

	config, err := h.clientConfig()
	if err != nil {
		return nil, err
	}
	client, err := ssh.Dial("tcp", h.address(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to ssh to %s: %s", h.address(), err)
	}
	h.Debug("connected")
	h.client = client
	return client, nil
}

// disconnect forgets the current client, if it is still the given one.
func (h *Host) disconnect(client *ssh.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client == client && client != nil {
		err := client.Close()
		if err != nil {
			h.Debug("close failed", "err", err)
		}
		h.client = nil
	}
}

// session opens a new session, reconnecting once if the connection had
// dropped.
func (h *Host) session() (*ssh.Session, error) {
	client, err := h.connect()
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err == nil {
		return session, nil
	}

	h.Debug("session failed, reconnecting", "err", err)
	h.disconnect(client)
	client, err = h.connect()
	if err != nil {
		return nil, err
	}
	return client.NewSession()
}

// RunCmd runs a command on the remote host, returning its stdout and stderr.
// If background is true, the remote command will be backgrounded and will
// return no output. If ctx is cancelled the remote command is killed.
func (h *Host) RunCmd(ctx context.Context, cmd string, background bool) (stdout, stderr string, err error) {
	session, err := h.session()
	if err != nil {
		return "", "", fmt.Errorf("failed to create session on %s: %s", h.address(), err)
	}
	defer session.Close()

	origcmd := cmd
	if background {
		cmd = "sh -c 'nohup " + cmd + " > /dev/null 2>&1 &'"
	}

	var o, e bytes.Buffer
	session.Stdout = &o
	session.Stderr = &e

	done := make(chan error, 1)
	go func() {
		defer internal.LogPanic(h.Logger, "ssh RunCmd", false)
		done <- session.Run(cmd)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		if errs := session.Signal(ssh.SIGKILL); errs != nil {
			h.Debug("kill signal failed", "err", errs)
		}
		session.Close()
		<-done
		err = ctx.Err()
	}

	if err != nil {
		err = fmt.Errorf("failed to run [%s] on %s: %s", origcmd, h.address(), err)
	}
	return o.String(), e.String(), err
}

// Close closes the connection, if any.
func (h *Host) Close() {
	h.mu.Lock()
	client := h.client
	h.mu.Unlock()
	h.disconnect(client)
}
