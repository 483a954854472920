// Package wakeup sends the out-of-band signal that tells a dormant device
// to reconnect to its push server.
package wakeup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/willyaranda/notification-next/pkg/push"
)

// ErrInvalidTarget is returned for an address that cannot be woken. No
// packet is sent.
var ErrInvalidTarget = errors.New("wakeup: invalid target")

// Notifier delivers wake-up packets over UDP or TCP. It never retries; the
// routing engine's sweep is the retry mechanism.
type Notifier struct {
	tcpTimeout time.Duration
	logger     zerolog.Logger
}

var _ push.WakeupNotifier = (*Notifier)(nil)

// NewNotifier creates a notifier. tcpTimeout bounds the TCP dial and write.
func NewNotifier(tcpTimeout time.Duration, logger zerolog.Logger) *Notifier {
	return &Notifier{
		tcpTimeout: tcpTimeout,
		logger:     logger.With().Str("component", "WakeupNotifier").Logger(),
	}
}

// Validate checks target without sending anything.
func Validate(target push.WakeupTarget) error {
	if net.ParseIP(target.IP) == nil {
		return fmt.Errorf("%w: ip %q", ErrInvalidTarget, target.IP)
	}
	if target.Port < 0 || target.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidTarget, target.Port)
	}
	switch target.Transport {
	case "", push.TransportUDP, push.TransportTCP:
	default:
		return fmt.Errorf("%w: transport %q", ErrInvalidTarget, target.Transport)
	}
	return nil
}

// Payload builds the wake-up message: NOTIFY followed by the JSON address.
func Payload(ip string, port int) []byte {
	body, _ := json.Marshal(struct {
		IP   string `json:"ip"`
		Port int    `json:"port"`
	}{ip, port})
	return append([]byte("NOTIFY "), body...)
}

// Wake sends one wake-up packet to target. For UDP success means the
// datagram was handed to the OS.
func (n *Notifier) Wake(ctx context.Context, target push.WakeupTarget) error {
	if err := Validate(target); err != nil {
		n.logger.Warn().Err(err).Msg("Rejected wake-up target")
		return err
	}
	addr := net.JoinHostPort(target.IP, strconv.Itoa(target.Port))
	payload := Payload(target.IP, target.Port)

	var err error
	if target.Transport == push.TransportTCP {
		err = n.sendTCP(ctx, addr, payload)
	} else {
		err = n.sendUDP(ctx, addr, payload)
	}
	if err != nil {
		n.logger.Error().Err(err).Str("addr", addr).Str("transport", string(target.Transport)).Msg("Wake-up failed")
		return err
	}
	n.logger.Debug().Str("addr", addr).Msg("Wake-up sent")
	return nil
}

func (n *Notifier) sendUDP(ctx context.Context, addr string, payload []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return fmt.Errorf("udp dial %s: %w", addr, err)
	}
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("udp send %s: %w", addr, err)
	}
	return nil
}

func (n *Notifier) sendTCP(ctx context.Context, addr string, payload []byte) error {
	d := net.Dialer{Timeout: n.tcpTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp dial %s: %w", addr, err)
	}
	defer conn.Close()
	if n.tcpTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(n.tcpTimeout))
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("tcp send %s: %w", addr, err)
	}
	return nil
}
