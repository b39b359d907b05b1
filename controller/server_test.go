package controller

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"burrow/backend"
	"burrow/config"
	"burrow/protocol"
)

type fakeOracle struct {
	fn func(apiKey string) (*backend.ValidationResult, error)
}

func (f *fakeOracle) Validate(ctx context.Context, apiKey string) (*backend.ValidationResult, error) {
	return f.fn(apiKey)
}

func grant(userID string, maxTunnels uint32) *backend.ValidationResult {
	return &backend.ValidationResult{
		Valid:                true,
		UserID:               &userID,
		MaxConcurrentTunnels: &maxTunnels,
		UsageAllowed:         true,
	}
}

// startTestServer runs a Server on an ephemeral control port.
func startTestServer(t *testing.T, setting *config.ServerSetting, oracle backend.ValidationOracle) (*Server, uint16) {
	t.Helper()
	if setting.MinPort == 0 {
		setting.MinPort = 21000
		setting.MaxPort = 22999
	}
	setting.BindAddr = "127.0.0.1"
	setting.BindTunnels = "127.0.0.1"

	reporter := backend.New("", "")
	if oracle == nil {
		oracle = reporter
	}
	srv, err := NewServer(setting, oracle, reporter)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, ln)
	return srv, uint16(ln.Addr().(*net.TCPAddr).Port)
}

// startEcho serves one uppercased line per connection.
func startEcho(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				line, err := bufio.NewReader(c).ReadString('\n')
				if err != nil {
					return
				}
				c.Write([]byte(strings.ToUpper(line)))
			}(conn)
		}
	}()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func clientSetting(controlPort, localPort uint16, secret string) *config.ClientSetting {
	return &config.ClientSetting{
		LocalHost:   "127.0.0.1",
		LocalPort:   localPort,
		To:          "127.0.0.1",
		ControlPort: controlPort,
		Secret:      secret,
	}
}

func roundTrip(t *testing.T, publicPort uint16) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", publicPort), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 6)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "HELLO\n", string(buf))
}

func TestManagedKeyHappyPath(t *testing.T) {
	oracle := &fakeOracle{fn: func(key string) (*backend.ValidationResult, error) {
		require.Equal(t, "sk_abc", key)
		return grant("u1", 2), nil
	}}
	setting := &config.ServerSetting{BackendURL: "http://backend.invalid"}
	_, controlPort := startTestServer(t, setting, oracle)
	echoPort := startEcho(t)

	client, err := NewClient(clientSetting(controlPort, echoPort, "sk_abc"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, client.RemotePort(), setting.MinPort)
	require.LessOrEqual(t, client.RemotePort(), setting.MaxPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Listen(ctx)

	roundTrip(t, client.RemotePort())
}

func TestManagedKeyConcurrencyCap(t *testing.T) {
	oracle := &fakeOracle{fn: func(string) (*backend.ValidationResult, error) {
		return grant("u1", 2), nil
	}}
	setting := &config.ServerSetting{BackendURL: "http://backend.invalid"}
	srv, controlPort := startTestServer(t, setting, oracle)
	echoPort := startEcho(t)

	const attempts = 6
	var mu sync.Mutex
	var clients []*Client
	var failures []error
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := NewClient(clientSetting(controlPort, echoPort, "sk_abc"))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			clients = append(clients, c)
		}()
	}
	wg.Wait()

	require.Len(t, clients, 2)
	require.Len(t, failures, attempts-2)
	for _, err := range failures {
		require.Contains(t, err.Error(), "Maximum concurrent tunnels (2) reached")
	}

	ports := map[uint16]bool{}
	for _, c := range clients {
		ports[c.RemotePort()] = true
	}
	require.Len(t, ports, 2)
	require.EqualValues(t, 2, srv.tunnels.Count("u1"))

	// 释放一个名额后可以再次接入
	clients[0].stream.Close()
	require.Eventually(t, func() bool { return srv.tunnels.Count("u1") == 1 },
		5*time.Second, 50*time.Millisecond)
	c, err := NewClient(clientSetting(controlPort, echoPort, "sk_abc"))
	require.NoError(t, err)
	c.stream.Close()
}

func TestManagedKeyZeroMaxDenied(t *testing.T) {
	oracle := &fakeOracle{fn: func(string) (*backend.ValidationResult, error) {
		return grant("u1", 0), nil
	}}
	_, controlPort := startTestServer(t, &config.ServerSetting{BackendURL: "http://backend.invalid"}, oracle)

	_, err := NewClient(clientSetting(controlPort, 9999, "sk_abc"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "Maximum concurrent tunnels (0) reached")
}

func TestManagedKeyInvalid(t *testing.T) {
	oracle := &fakeOracle{fn: func(string) (*backend.ValidationResult, error) {
		return &backend.ValidationResult{Valid: false}, nil
	}}
	_, controlPort := startTestServer(t, &config.ServerSetting{BackendURL: "http://backend.invalid"}, oracle)

	_, err := NewClient(clientSetting(controlPort, 9999, "sk_abc"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "Invalid API key")
}

func TestManagedKeyUsageDenied(t *testing.T) {
	oracle := &fakeOracle{fn: func(string) (*backend.ValidationResult, error) {
		userID := "u1"
		return &backend.ValidationResult{Valid: true, UserID: &userID, UsageAllowed: false}, nil
	}}
	_, controlPort := startTestServer(t, &config.ServerSetting{BackendURL: "http://backend.invalid"}, oracle)

	_, err := NewClient(clientSetting(controlPort, 9999, "sk_abc"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "Subscription expired or usage limit exceeded")
}

func TestOracleUnavailable(t *testing.T) {
	oracle := &fakeOracle{fn: func(string) (*backend.ValidationResult, error) {
		return nil, errors.New("connection refused")
	}}
	_, controlPort := startTestServer(t, &config.ServerSetting{BackendURL: "http://backend.invalid"}, oracle)

	_, err := NewClient(clientSetting(controlPort, 9999, "sk_abc"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "Authentication service unavailable")
}

func TestOracleInvalidDataDoesNotCrash(t *testing.T) {
	oracle := &fakeOracle{fn: func(string) (*backend.ValidationResult, error) {
		// valid=true 却没有 user_id，后端行为异常
		return &backend.ValidationResult{Valid: true, UsageAllowed: true}, nil
	}}
	_, controlPort := startTestServer(t, &config.ServerSetting{BackendURL: "http://backend.invalid"}, oracle)

	_, err := NewClient(clientSetting(controlPort, 9999, "sk_abc"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "authentication service returned invalid data")
}

func TestSlowOracleStillWithinClientTimeout(t *testing.T) {
	oracle := &fakeOracle{fn: func(string) (*backend.ValidationResult, error) {
		time.Sleep(time.Second)
		return grant("u1", 2), nil
	}}
	_, controlPort := startTestServer(t, &config.ServerSetting{BackendURL: "http://backend.invalid"}, oracle)
	echoPort := startEcho(t)

	client, err := NewClient(clientSetting(controlPort, echoPort, "sk_abc"))
	require.NoError(t, err)
	client.stream.Close()
}

func TestRequestedPortOutOfRange(t *testing.T) {
	oracle := &fakeOracle{fn: func(string) (*backend.ValidationResult, error) {
		return grant("u1", 2), nil
	}}
	_, controlPort := startTestServer(t, &config.ServerSetting{BackendURL: "http://backend.invalid"}, oracle)

	setting := clientSetting(controlPort, 9999, "sk_abc")
	setting.Port = 100
	_, err := NewClient(setting)
	require.Error(t, err)
	require.Contains(t, err.Error(), "client port number not in allowed range")
}

func TestLegacyHMACHappyPath(t *testing.T) {
	setting := &config.ServerSetting{Secret: "s3cret"}
	_, controlPort := startTestServer(t, setting, nil)
	echoPort := startEcho(t)

	client, err := NewClient(clientSetting(controlPort, echoPort, "s3cret"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Listen(ctx)

	roundTrip(t, client.RemotePort())
}

func TestLegacyHMACWrongSecret(t *testing.T) {
	_, controlPort := startTestServer(t, &config.ServerSetting{Secret: "s3cret"}, nil)

	_, err := NewClient(clientSetting(controlPort, 9999, "wrong"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid secret")
}

func TestLegacyServerRequiresSecret(t *testing.T) {
	_, controlPort := startTestServer(t, &config.ServerSetting{Secret: "s3cret"}, nil)

	_, err := NewClient(clientSetting(controlPort, 9999, ""))
	require.Error(t, err)
	require.Contains(t, err.Error(), "server requires authentication")
}

func TestLegacyRejectsManagedKeyBypass(t *testing.T) {
	srv, controlPort := startTestServer(t, &config.ServerSetting{Secret: "s3cret"}, nil)

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", controlPort), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	stream := protocol.NewDelimited(conn)
	require.NoError(t, stream.Send(protocol.ClientAuthenticate("anything")))

	msg, err := stream.RecvServerTimeout()
	require.NoError(t, err)
	require.NotNil(t, msg.Error)
	require.Contains(t, *msg.Error, "not supported")
	require.Contains(t, *msg.Error, "shared secret")
	require.Zero(t, srv.tunnels.Count("legacy-user"))
}

func TestManagedServerRejectsUnauthenticatedHello(t *testing.T) {
	oracle := &fakeOracle{fn: func(string) (*backend.ValidationResult, error) {
		return grant("u1", 2), nil
	}}
	_, controlPort := startTestServer(t, &config.ServerSetting{BackendURL: "http://backend.invalid"}, oracle)

	_, err := NewClient(clientSetting(controlPort, 9999, ""))
	require.Error(t, err)
	require.Contains(t, err.Error(), "Authentication required")
}

func TestManagedProtocolErrorAfterAuthenticate(t *testing.T) {
	oracle := &fakeOracle{fn: func(string) (*backend.ValidationResult, error) {
		return grant("u1", 2), nil
	}}
	_, controlPort := startTestServer(t, &config.ServerSetting{BackendURL: "http://backend.invalid"}, oracle)

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", controlPort), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	stream := protocol.NewDelimited(conn)
	require.NoError(t, stream.Send(protocol.ClientAuthenticate("sk_abc")))
	// Hello 之外的帧触发协议错误
	require.NoError(t, stream.Send(protocol.ClientAccept(uuid.New())))

	msg, err := stream.RecvServerTimeout()
	require.NoError(t, err)
	require.NotNil(t, msg.Error)
	require.Equal(t, "Protocol error", *msg.Error)
}

func TestAcceptUnknownIDCloses(t *testing.T) {
	_, controlPort := startTestServer(t, &config.ServerSetting{}, nil)

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", controlPort), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	stream := protocol.NewDelimited(conn)
	require.NoError(t, stream.Send(protocol.ClientAccept(uuid.New())))

	_, err = stream.RecvServerTimeout()
	require.ErrorIs(t, err, io.EOF)
}

func TestJanitorReclaimsUnclaimedPublicConn(t *testing.T) {
	if testing.Short() {
		t.Skip("janitor expiry needs the full parked TTL")
	}
	srv, controlPort := startTestServer(t, &config.ServerSetting{}, nil)

	// 开放模式下直接握手，然后停止读取控制帧
	client, err := NewClient(clientSetting(controlPort, 9999, ""))
	require.NoError(t, err)
	defer client.stream.Close()

	public, err := net.DialTimeout("tcp",
		fmt.Sprintf("127.0.0.1:%d", client.RemotePort()), time.Second)
	require.NoError(t, err)
	defer public.Close()

	require.Eventually(t, func() bool { return srv.conns.Len() == 1 },
		2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool { return srv.conns.Len() == 0 },
		protocol.ParkedConnTTL+5*time.Second, 100*time.Millisecond)

	// 公网侧连接也被关闭
	public.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = public.Read(make([]byte, 1))
	require.Error(t, err)
}
