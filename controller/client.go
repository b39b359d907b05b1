package controller

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"burrow/config"
	"burrow/protocol"
	"burrow/utils"
)

// Client owns the control connection to a tunnel server and forwards every
// announced public connection to the local service.
type Client struct {
	stream      *protocol.Delimited
	to          string
	controlPort uint16
	localHost   string
	localPort   uint16
	remotePort  uint16
	apiKey      string
	auth        *protocol.Authenticator
	pool        *prewarmPool
}

// NewClient dials the server, negotiates authentication and the public
// port, and returns once the tunnel is established.
//
// The secret's prefix decides the mode: sk_/tk_ keys authenticate through
// the backend, everything else is a legacy HMAC shared secret. Never detect
// by "64 hex chars": plenty of legacy deployments generate secrets with
// openssl rand -hex 32 and expect the challenge flow.
func NewClient(setting *config.ClientSetting) (*Client, error) {
	if err := setting.Verify(); err != nil {
		return nil, err
	}

	conn, err := dialTimeout(
		net.JoinHostPort(setting.To, strconv.Itoa(int(setting.ControlPort))),
		protocol.NetworkTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "could not connect to %s:%d", setting.To, setting.ControlPort)
	}

	c := &Client{
		stream:      protocol.NewDelimited(conn),
		to:          setting.To,
		controlPort: setting.ControlPort,
		localHost:   setting.LocalHost,
		localPort:   setting.LocalPort,
	}

	established := false
	defer func() {
		if !established {
			conn.Close()
		}
	}()

	if strings.HasPrefix(setting.Secret, "sk_") || strings.HasPrefix(setting.Secret, "tk_") {
		c.apiKey = setting.Secret
		utils.Logger.Info("authenticating with api key or tunnel token")
		if err := c.stream.Send(protocol.ClientAuthenticate(setting.Secret)); err != nil {
			return nil, err
		}
	} else if setting.Secret != "" {
		utils.Logger.Warn("using legacy HMAC authentication (deprecated)")
		c.auth = protocol.NewAuthenticator(setting.Secret)
		// 传统模式先发 Hello，服务端需要时才会下发 Challenge
	}

	if err := c.stream.Send(protocol.ClientHello(setting.Port)); err != nil {
		return nil, err
	}

	msg, err := c.stream.RecvServerTimeout()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("unexpected EOF")
		}
		return nil, err
	}

	switch {
	case msg.Challenge != nil:
		if c.auth == nil {
			return nil, errors.New("server requires authentication, but no client secret was provided")
		}
		// Challenge 已被读走，直接应答而不是走 ClientHandshake 再等一次
		utils.Logger.Info("received challenge, performing HMAC response")
		if err := c.stream.Send(protocol.ClientAuthenticate(c.auth.Answer(*msg.Challenge))); err != nil {
			return nil, err
		}
		next, err := c.stream.RecvServerTimeout()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("unexpected EOF after authentication")
			}
			return nil, err
		}
		switch {
		case next.Hello != nil:
			c.remotePort = *next.Hello
		case next.Error != nil:
			return nil, errors.Errorf("server error: %s", *next.Error)
		default:
			return nil, errors.New("unexpected message after authentication")
		}
	case msg.Hello != nil:
		c.remotePort = *msg.Hello
	case msg.Error != nil:
		return nil, errors.Errorf("server error: %s", *msg.Error)
	default:
		return nil, errors.New("unexpected initial non-hello message")
	}

	utils.Logger.Info("connected to server",
		zap.String("to", setting.To),
		zap.Uint16("remotePort", c.remotePort))

	// 托管模式由外层工具负责输出，独立模式直接打印公网地址
	if c.apiKey == "" {
		fmt.Printf("\nTunnel established!\n  Public URL: %s:%d\n  Forwarding to: %s:%d\n\n",
			setting.To, c.remotePort, setting.LocalHost, setting.LocalPort)
	}

	if setting.Prewarm {
		c.pool = newPrewarmPool(
			net.JoinHostPort(setting.LocalHost, strconv.Itoa(int(setting.LocalPort))),
			prewarmPoolSize)
	}

	established = true
	return c, nil
}

// RemotePort returns the port publicly available on the remote.
func (c *Client) RemotePort() uint16 {
	return c.remotePort
}

// Listen runs the dispatch loop on the control stream until the server
// closes it or ctx is cancelled. Each Connection frame spawns an accept
// task with its own freshly opened stream; the control stream itself is
// never shared across tasks.
func (c *Client) Listen(ctx context.Context) error {
	if c.pool != nil {
		defer c.pool.Close()
	}
	defer c.stream.Close()
	go func() {
		<-ctx.Done()
		c.stream.Close()
	}()

	for {
		msg, err := c.stream.RecvServer()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch {
		case msg.Heartbeat:
			// 保活而已
		case msg.Connection != nil:
			id := *msg.Connection
			go func() {
				utils.Logger.Info("new connection", zap.String("id", id.String()))
				if err := c.handleConnection(id); err != nil {
					utils.Logger.Warn("connection exited with error",
						zap.String("id", id.String()), zap.Error(err))
				}
			}()
		case msg.Error != nil:
			utils.Logger.Error("server error", zap.String("error", *msg.Error))
		case msg.Hello != nil:
			utils.Logger.Warn("unexpected hello")
		case msg.Challenge != nil:
			utils.Logger.Warn("unexpected challenge")
		}
	}
}

// handleConnection claims one announced public connection and splices it to
// the local service.
func (c *Client) handleConnection(id uuid.UUID) error {
	remote, err := dialTimeout(
		net.JoinHostPort(c.to, strconv.Itoa(int(c.controlPort))),
		protocol.NetworkTimeout)
	if err != nil {
		return err
	}
	stream := protocol.NewDelimited(remote)

	// Accept 通道不再认证：服务端的 accept 分支在认证之前分发，这里再
	// 认证只会等一个永远不来的 Challenge
	if err := stream.Send(protocol.ClientAccept(id)); err != nil {
		remote.Close()
		return err
	}

	local, err := c.dialLocal()
	if err != nil {
		remote.Close()
		return err
	}

	rest, raw := stream.IntoParts()
	// 残留的缓冲字节一般为空，但必须先冲给本地服务
	splice(raw, local, rest)
	return nil
}

func (c *Client) dialLocal() (net.Conn, error) {
	if c.pool != nil {
		if conn, ok := c.pool.Acquire(); ok {
			return conn, nil
		}
	}
	return dialTimeout(
		net.JoinHostPort(c.localHost, strconv.Itoa(int(c.localPort))),
		protocol.NetworkTimeout)
}
