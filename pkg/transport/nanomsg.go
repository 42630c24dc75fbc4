package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pull"
	"go.nanomsg.org/mangos/v3/protocol/push"

	// Register tcp, ipc, inproc and the other scalability protocol transports.
	_ "go.nanomsg.org/mangos/v3/transport/all"
)

// NanomsgConfig holds socket options for nanomsg PUSH/PULL endpoints.
type NanomsgConfig struct {
	// SendTimeout bounds a single Send when no peer can take the record.
	SendTimeout time.Duration
	// ReconnectTime is the initial delay between dial attempts to a missing peer.
	ReconnectTime time.Duration
	// MaxReconnectTime caps the dial retry delay.
	MaxReconnectTime time.Duration
	// WriteQLen is the per-peer outbound queue length.
	WriteQLen int
}

// NewNanomsgDefaults provides a config with sensible defaults, overridable by
// NANOMSG_SEND_TIMEOUT and NANOMSG_WRITE_QLEN.
func NewNanomsgDefaults() *NanomsgConfig {
	cfg := &NanomsgConfig{
		SendTimeout:      5 * time.Second,
		ReconnectTime:    100 * time.Millisecond,
		MaxReconnectTime: 5 * time.Second,
		WriteQLen:        128,
	}
	if st := os.Getenv("NANOMSG_SEND_TIMEOUT"); st != "" {
		if val, err := time.ParseDuration(st); err == nil {
			cfg.SendTimeout = val
		}
	}
	if ql := os.Getenv("NANOMSG_WRITE_QLEN"); ql != "" {
		if val, err := strconv.Atoi(ql); err == nil {
			cfg.WriteQLen = val
		}
	}
	return cfg
}

// --- Receiver ---

// NanomsgReceiver is a PULL socket bound to a local address.
type NanomsgReceiver struct {
	socket  mangos.Socket
	addr    string
	logger  zerolog.Logger
	mu      sync.Mutex
	timeout time.Duration
}

// ListenNanomsg binds a PULL socket. A tcp address with port 0 is resolved to a
// free port first so Addr reports something upstream nodes can dial.
func ListenNanomsg(address string, logger zerolog.Logger) (*NanomsgReceiver, error) {
	addr, err := resolveBindAddress(address)
	if err != nil {
		return nil, err
	}

	socket, err := pull.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create pull socket: %w", err)
	}
	if err := socket.Listen(addr); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	logger.Info().Str("address", addr).Msg("Receiving nanomsg messages at bound address.")
	return &NanomsgReceiver{
		socket: socket,
		addr:   addr,
		logger: logger.With().Str("component", "NanomsgReceiver").Str("address", addr).Logger(),
	}, nil
}

// Receive implements Receiver.
func (r *NanomsgReceiver) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}

	r.mu.Lock()
	if timeout != r.timeout {
		if err := r.socket.SetOption(mangos.OptionRecvDeadline, timeout); err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("failed to set receive deadline: %w", err)
		}
		r.timeout = timeout
	}
	r.mu.Unlock()

	data, err := r.socket.Recv()
	if err != nil {
		switch {
		case errors.Is(err, mangos.ErrRecvTimeout):
			return nil, ErrTimeout
		case errors.Is(err, mangos.ErrClosed):
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("nanomsg receive failed: %w", err)
	}
	return data, nil
}

// Addr implements Receiver.
func (r *NanomsgReceiver) Addr() string { return r.addr }

// Close implements Receiver.
func (r *NanomsgReceiver) Close() error {
	r.logger.Info().Msg("Closing nanomsg receiver.")
	if err := r.socket.Close(); err != nil && !errors.Is(err, mangos.ErrClosed) {
		return err
	}
	return nil
}

// --- Sender ---

// NanomsgSender is a PUSH socket dialled to one downstream PULL socket.
type NanomsgSender struct {
	socket  mangos.Socket
	address string
	logger  zerolog.Logger
}

// DialNanomsg creates a PUSH socket and dials address asynchronously, so a
// destination that is not up yet is connected to once it appears.
func DialNanomsg(cfg *NanomsgConfig, address string, logger zerolog.Logger) (*NanomsgSender, error) {
	socket, err := push.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create push socket: %w", err)
	}

	opts := map[string]interface{}{
		mangos.OptionSendDeadline:     cfg.SendTimeout,
		mangos.OptionWriteQLen:        cfg.WriteQLen,
		mangos.OptionReconnectTime:    cfg.ReconnectTime,
		mangos.OptionMaxReconnectTime: cfg.MaxReconnectTime,
	}
	for name, value := range opts {
		if err := socket.SetOption(name, value); err != nil {
			_ = socket.Close()
			return nil, fmt.Errorf("failed to set socket option %s: %w", name, err)
		}
	}

	if err := socket.DialOptions(address, map[string]interface{}{mangos.OptionDialAsynch: true}); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}

	logger.Debug().Str("address", address).Msg("Sending nanomsg messages to connected address.")
	return &NanomsgSender{
		socket:  socket,
		address: address,
		logger:  logger.With().Str("component", "NanomsgSender").Str("address", address).Logger(),
	}, nil
}

// Send implements Sender.
func (s *NanomsgSender) Send(_ context.Context, data []byte) error {
	if err := s.socket.Send(data); err != nil {
		if errors.Is(err, mangos.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("nanomsg send to %s failed: %w", s.address, err)
	}
	return nil
}

// Address implements Sender.
func (s *NanomsgSender) Address() string { return s.address }

// Close implements Sender.
func (s *NanomsgSender) Close() error {
	if err := s.socket.Close(); err != nil && !errors.Is(err, mangos.ErrClosed) {
		return err
	}
	return nil
}

// NanomsgDialer dials NanomsgSenders with a shared config.
type NanomsgDialer struct {
	cfg    *NanomsgConfig
	logger zerolog.Logger
}

// NewNanomsgDialer creates a NanomsgDialer. A nil cfg uses NewNanomsgDefaults.
func NewNanomsgDialer(cfg *NanomsgConfig, logger zerolog.Logger) *NanomsgDialer {
	if cfg == nil {
		cfg = NewNanomsgDefaults()
	}
	return &NanomsgDialer{cfg: cfg, logger: logger}
}

// Dial implements Dialer.
func (d *NanomsgDialer) Dial(_ context.Context, address string) (Sender, error) {
	return DialNanomsg(d.cfg, address, d.logger)
}

// AdvertiseAddress is the address peers should dial to reach a receiver bound
// at bound. For tcp addresses a non-empty host replaces the bound host, and
// the result must not name a wildcard host such as 0.0.0.0, which peers
// cannot dial. Other schemes are returned unchanged.
func AdvertiseAddress(bound, host string) (string, error) {
	rest, ok := strings.CutPrefix(bound, "tcp://")
	if !ok {
		return bound, nil
	}
	boundHost, port, err := net.SplitHostPort(rest)
	if err != nil {
		return "", fmt.Errorf("invalid tcp address %q: %w", bound, err)
	}
	if host != "" {
		boundHost = host
	}
	if boundHost == "" || boundHost == "*" {
		return "", fmt.Errorf("%w: %s has a wildcard host, set an advertise host", ErrUnroutable, bound)
	}
	if ip := net.ParseIP(boundHost); ip != nil && ip.IsUnspecified() {
		return "", fmt.Errorf("%w: %s has a wildcard host, set an advertise host", ErrUnroutable, bound)
	}
	return "tcp://" + net.JoinHostPort(boundHost, port), nil
}

// resolveBindAddress replaces a wildcard host with 0.0.0.0 and a zero tcp port
// with a currently free one.
func resolveBindAddress(address string) (string, error) {
	address = strings.Replace(address, "//*:", "//0.0.0.0:", 1)
	rest, ok := strings.CutPrefix(address, "tcp://")
	if !ok {
		return address, nil
	}
	host, port, err := net.SplitHostPort(rest)
	if err != nil {
		return "", fmt.Errorf("invalid tcp bind address %q: %w", address, err)
	}
	if port != "0" {
		return address, nil
	}

	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return "", fmt.Errorf("failed to find a free port on %s: %w", host, err)
	}
	free := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return "tcp://" + net.JoinHostPort(host, strconv.Itoa(free)), nil
}
