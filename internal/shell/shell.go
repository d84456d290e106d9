// Package shell runs commands on peer through its ZeroMQ echo service.
package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/jixiexiaoge/cplink/helpers"
	"github.com/jixiexiaoge/cplink/log2"
	"github.com/juju/errors"
)

const (
	DefaultPort    = 7710
	DefaultTimeout = 5 * time.Second
)

type Request struct {
	Cmd string `json:"echo_cmd"`
}

type Result struct {
	ExitStatus int    `json:"exitStatus"`
	Result     string `json:"result"`
	Error      string `json:"error"`
}

func (r Result) String() string {
	if r.Error != "" {
		return fmt.Sprintf("exit=%d error=%s\n%s", r.ExitStatus, r.Error, r.Result)
	}
	return fmt.Sprintf("exit=%d\n%s", r.ExitStatus, r.Result)
}

type Client struct {
	log     *log2.Log
	port    int
	timeout time.Duration
}

func New(log *log2.Log, port int, timeout time.Duration) *Client {
	if port == 0 {
		port = DefaultPort
	}
	return &Client{log: log, port: port, timeout: helpers.DurationDefault(timeout, DefaultTimeout)}
}

func (self *Client) Endpoint(host string) string {
	return "tcp://" + net.JoinHostPort(host, strconv.Itoa(self.port))
}

// Exec sends one request and waits for reply within timeout.
// Non-zero exit status is not an error, check Result.
func (self *Client) Exec(ctx context.Context, host string, cmd string) (Result, error) {
	var result Result
	if cmd == "" {
		return result, errors.NotValidf("empty command")
	}
	ctx, cancel := context.WithTimeout(ctx, self.timeout)
	defer cancel()
	endpoint := self.Endpoint(host)
	sock := zmq4.NewReq(ctx, zmq4.WithDialerTimeout(self.timeout))
	defer sock.Close()
	if err := sock.Dial(endpoint); err != nil {
		return result, errors.Annotatef(err, "shell dial %s", endpoint)
	}
	req, err := json.Marshal(Request{Cmd: cmd})
	if err != nil {
		return result, errors.Trace(err)
	}
	self.log.Debugf("shell endpoint=%s cmd=%s", endpoint, cmd)
	if err := sock.Send(zmq4.NewMsg(req)); err != nil {
		return result, errors.Annotatef(err, "shell send %s", endpoint)
	}
	msg, err := sock.Recv()
	if err != nil {
		if ctx.Err() != nil {
			return result, errors.Timeoutf("shell reply from %s", endpoint)
		}
		return result, errors.Annotatef(err, "shell recv %s", endpoint)
	}
	if err := json.Unmarshal(msg.Bytes(), &result); err != nil {
		return result, errors.Annotatef(err, "shell reply parse %q", msg.Bytes())
	}
	return result, nil
}
