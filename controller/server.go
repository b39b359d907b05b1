package controller

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"burrow/backend"
	"burrow/config"
	"burrow/protocol"
	"burrow/utils"
)

// 心跳与 accept 轮询间隔
const acceptPollInterval = 500 * time.Millisecond

// 随机探测的端口数量。检查 -2 ln(δ)/ε 个端口即可在 ε 比例空闲时以 1-δ
// 概率命中：150 次对应 85% 占用率下 99.999% 的成功率。
const portProbes = 150

// Server terminates control connections on the control port and, per live
// tunnel, owns one public listener whose traffic is routed through the
// rendezvous map.
type Server struct {
	setting  *config.ServerSetting
	auth     *protocol.Authenticator
	oracle   backend.ValidationOracle
	reporter backend.UsageReporter
	conns    *connRegistry
	tunnels  *tunnelCounter
	ipCache  *cache.Cache
}

// session carries what admission needs once the first frames are resolved.
type session struct {
	userID        string
	instanceID    *string
	maxTunnels    uint32
	requestedPort uint16
}

func NewServer(setting *config.ServerSetting, oracle backend.ValidationOracle, reporter backend.UsageReporter) (*Server, error) {
	if err := setting.Verify(); err != nil {
		return nil, err
	}
	s := &Server{
		setting:  setting,
		oracle:   oracle,
		reporter: reporter,
		conns:    newConnRegistry(protocol.ParkedConnTTL),
		tunnels:  newTunnelCounter(),
		ipCache:  cache.New(30*time.Second, 1*time.Minute),
	}
	if setting.Secret != "" {
		s.auth = protocol.NewAuthenticator(setting.Secret)
	}

	switch {
	case setting.BackendEnabled():
		utils.Logger.Info("backend api enabled, using individual user authentication")
	case s.auth != nil:
		utils.Logger.Warn("running in legacy mode with shared secret (not recommended for production)")
	default:
		utils.Logger.Warn("running without authentication, all connections allowed")
	}
	return s, nil
}

// Listen binds the control port and serves until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	addr := net.JoinHostPort(s.setting.BindAddr, strconv.Itoa(int(s.setting.ControlPort)))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen at %s", addr)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts control connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	utils.Logger.Info("server listening", zap.String("addr", ln.Addr().String()))
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			utils.Logger.Error("failed to accept on control port", zap.Error(err))
			time.Sleep(time.Second * 1)
			continue
		}
		// 黑名单与频率限制挡在状态机之前
		if !s.admitRemote(conn) {
			conn.Close()
			continue
		}
		go func() {
			utils.Logger.Info("incoming connection",
				zap.String("remoteAddr", conn.RemoteAddr().String()))
			if err := s.handleConn(ctx, conn); err != nil {
				utils.Logger.Warn("connection exited with error", zap.Error(err))
			}
			conn.Close()
		}()
	}
}

// admitRemote 判断黑名单，并限制单一 IP 在 30 秒窗口内的连接数。
func (s *Server) admitRemote(conn net.Conn) bool {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return true
	}
	if s.setting.Blacklist[host] {
		utils.Logger.Info("disconnected ip in blacklist", zap.String("clientIP", host))
		return false
	}
	if count, found := s.ipCache.Get(host); found && count.(int) >= s.setting.MaxConnsPerWindow {
		utils.Logger.Warn("WAF: too many requests", zap.String("clientIP", host))
		return false
	} else if found {
		s.ipCache.Increment(host, 1)
	} else {
		s.ipCache.Set(host, 1, cache.DefaultExpiration)
	}
	return true
}

// handleConn drives the control state machine for one accepted connection.
// The first inbound frame decides everything: Accept dispatches before any
// authentication state is consulted.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) error {
	stream := protocol.NewDelimited(conn)

	msg, err := stream.RecvClientTimeout()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	var sess session
	switch {
	case msg.Accept != nil:
		return s.handleAccept(stream, *msg.Accept)

	case msg.Authenticate != nil:
		if !s.setting.BackendEnabled() && s.auth != nil {
			// 传统模式下拒绝托管密钥帧，防止绕过 HMAC 校验
			utils.Logger.Warn("rejecting managed key on shared-secret server")
			return stream.Send(protocol.ServerError(
				"API key authentication not supported by this server (uses shared secret)"))
		}
		authed, err := s.validateKey(ctx, stream, *msg.Authenticate)
		if err != nil || authed == nil {
			return err
		}
		sess = *authed

	case msg.Hello != nil:
		if s.setting.BackendEnabled() && s.auth == nil {
			utils.Logger.Warn("rejecting unauthenticated hello, backend auth required")
			return stream.Send(protocol.ServerError(
				"Authentication required. Please provide a valid API key."))
		}
		if s.auth != nil {
			if err := s.auth.ServerHandshake(stream); err != nil {
				utils.Logger.Warn("legacy auth handshake failed", zap.Error(err))
				return stream.Send(protocol.ServerError(err.Error()))
			}
		}
		utils.Logger.Info("using legacy authentication mode")
		sess = session{userID: "legacy-user", maxTunnels: 999, requestedPort: *msg.Hello}

	default:
		utils.Logger.Warn("unexpected initial message")
		return stream.Send(protocol.ServerError("Expected authentication or hello"))
	}

	return s.handleSession(ctx, stream, sess)
}

// validateKey resolves a managed key through the oracle and waits for the
// follow-up Hello. A nil session with nil error means the handshake was
// answered with a terminal Error frame.
func (s *Server) validateKey(ctx context.Context, stream *protocol.Delimited, apiKey string) (*session, error) {
	utils.Logger.Info("authenticating with backend api")

	vctx, cancel := context.WithTimeout(ctx, protocol.BackendValidationTimeout)
	validation, err := s.oracle.Validate(vctx, apiKey)
	cancel()
	if err != nil {
		utils.Logger.Warn("failed to connect to backend api", zap.Error(err))
		return nil, stream.Send(protocol.ServerError("Authentication service unavailable"))
	}

	if !validation.Valid {
		utils.Logger.Warn("invalid api key")
		return nil, stream.Send(protocol.ServerError(
			orDefault(validation.Message, "Invalid API key")))
	}
	if !validation.UsageAllowed {
		utils.Logger.Warn("usage not allowed for user")
		return nil, stream.Send(protocol.ServerError(orDefault(validation.Message,
			"Subscription expired or usage limit exceeded. Please visit the dashboard.")))
	}
	if validation.UserID == nil {
		// 后端返回矛盾数据时绝不能崩溃，报错并断开即可
		utils.Logger.Error("backend returned valid=true without user_id")
		return nil, stream.Send(protocol.ServerError("authentication service returned invalid data"))
	}

	sess := session{
		userID:     *validation.UserID,
		maxTunnels: 5,
		instanceID: validation.InstanceID,
	}
	if validation.MaxConcurrentTunnels != nil {
		sess.maxTunnels = *validation.MaxConcurrentTunnels
	}
	utils.Logger.Info("user authenticated successfully",
		zap.String("userID", sess.userID),
		zap.Any("instanceID", validation.InstanceID),
		zap.Any("plan", validation.PlanType))

	next, err := stream.RecvClientTimeout()
	if err != nil {
		return nil, err
	}
	if next.Hello == nil {
		utils.Logger.Warn("expected hello message after authentication")
		return nil, stream.Send(protocol.ServerError("Protocol error"))
	}
	sess.requestedPort = *next.Hello
	return &sess, nil
}

// handleAccept splices an accept-mode connection with its parked public
// stream. Never authenticates, never touches admission.
func (s *Server) handleAccept(stream *protocol.Delimited, id uuid.UUID) error {
	utils.Logger.Info("forwarding connection", zap.String("id", id.String()))
	parked := s.conns.Claim(id)
	if parked == nil {
		utils.Logger.Warn("missing connection", zap.String("id", id.String()))
		return nil
	}
	rest, raw := stream.IntoParts()
	// 已缓冲的字节先发给公网侧，再进入双向拷贝
	splice(raw, parked, rest)
	return nil
}

func (s *Server) handleSession(ctx context.Context, stream *protocol.Delimited, sess session) error {
	if !s.tunnels.TryAcquire(sess.userID, sess.maxTunnels) {
		utils.Logger.Warn("concurrent tunnel limit reached",
			zap.String("userID", sess.userID),
			zap.Uint32("max", sess.maxTunnels))
		return stream.Send(protocol.ServerError(fmt.Sprintf(
			"Maximum concurrent tunnels (%d) reached. Please disconnect an existing tunnel or upgrade your plan.",
			sess.maxTunnels)))
	}

	ln, err := s.createListener(sess.requestedPort)
	if err != nil {
		// 绑定失败不计入用户配额
		s.tunnels.Release(sess.userID)
		return stream.Send(protocol.ServerError(err.Error()))
	}
	defer ln.Close()
	publicPort := uint16(ln.Addr().(*net.TCPAddr).Port)

	utils.Logger.Info("tunnel session started",
		zap.String("userID", sess.userID),
		zap.Uint16("publicPort", publicPort))

	// Hello 必须先于任何后端上报发出：客户端的接收超时从 Hello(request)
	// 算起，而上报最长会占满一个后端超时窗口
	if err := stream.Send(protocol.ServerHello(publicPort)); err != nil {
		s.tunnels.Release(sess.userID)
		return err
	}

	sessionID := make(chan string, 1)
	go func() {
		id, err := s.reporter.SessionStart(context.Background(),
			sess.userID, publicPort, sess.requestedPort, s.setting.ServerID)
		if err != nil {
			utils.Logger.Warn("failed to log tunnel start", zap.Error(err))
			id = "session-" + uuid.NewString()
		}
		sessionID <- id
	}()
	if sess.instanceID != nil {
		instanceID := *sess.instanceID
		port := publicPort
		go func() {
			if err := s.reporter.TunnelConnected(context.Background(), instanceID, &port, nil); err != nil {
				utils.Logger.Warn("failed to notify backend of tunnel connection",
					zap.String("instanceID", instanceID), zap.Error(err))
			}
		}()
	}

	err = s.runTunnel(ctx, stream, ln.(*net.TCPListener), publicPort)

	s.tunnels.Release(sess.userID)
	if sess.instanceID != nil {
		instanceID := *sess.instanceID
		go func() {
			if err := s.reporter.TunnelDisconnected(context.Background(), instanceID); err != nil {
				utils.Logger.Warn("failed to notify backend of tunnel disconnect",
					zap.String("instanceID", instanceID), zap.Error(err))
			}
		}()
	}
	go func() {
		id := <-sessionID
		if err := s.reporter.SessionEnd(context.Background(), id, 0); err != nil {
			utils.Logger.Warn("failed to log tunnel end", zap.Error(err))
		}
	}()

	utils.Logger.Info("tunnel session ended",
		zap.String("userID", sess.userID),
		zap.Uint16("publicPort", publicPort))
	return err
}

// runTunnel alternates heartbeats with short accept polls so a dead control
// connection is noticed without blocking on accepts.
func (s *Server) runTunnel(ctx context.Context, stream *protocol.Delimited, ln *net.TCPListener, port uint16) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := stream.Send(protocol.ServerHeartbeat()); err != nil {
			// 控制连接已断开，正常收尾
			return nil
		}

		if err := ln.SetDeadline(time.Now().Add(acceptPollInterval)); err != nil {
			return err
		}
		conn, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return errors.Wrap(err, "public listener accept")
		}

		utils.Logger.Info("new public connection",
			zap.String("remoteAddr", conn.RemoteAddr().String()),
			zap.Uint16("publicPort", port))

		id := uuid.New()
		// 先入库再通知，Accept 在 TTL 内一定能找到
		s.conns.Park(id, conn)
		if err := stream.Send(protocol.ServerConnection(id)); err != nil {
			return err
		}
	}
}

func (s *Server) createListener(port uint16) (net.Listener, error) {
	tryBind := func(p uint16) (net.Listener, error) {
		ln, err := net.Listen("tcp",
			net.JoinHostPort(s.setting.BindTunnels, strconv.Itoa(int(p))))
		if err != nil {
			return nil, bindError(err)
		}
		return ln, nil
	}
	if port > 0 {
		if port < s.setting.MinPort || port > s.setting.MaxPort {
			return nil, errors.New("client port number not in allowed range")
		}
		return tryBind(port)
	}
	span := int(s.setting.MaxPort) - int(s.setting.MinPort) + 1
	for i := 0; i < portProbes; i++ {
		p := uint16(int(s.setting.MinPort) + rand.Intn(span))
		if ln, err := tryBind(p); err == nil {
			return ln, nil
		}
	}
	return nil, errors.New("failed to find an available port")
}

// bindError maps OS bind failures to the stable user-visible reasons.
func bindError(err error) error {
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		return errors.New("port already in use")
	case errors.Is(err, syscall.EACCES):
		return errors.New("permission denied")
	default:
		return errors.New("failed to bind to port")
	}
}

func orDefault(s *string, def string) string {
	if s != nil && *s != "" {
		return *s
	}
	return def
}
