package wakeup

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/willyaranda/notification-next/pkg/push"
)

// Dispatcher wakes nodes. Devices on a mobile network whose operator runs
// its own wake-up service are woken through that service over HTTP, since
// their private address is only reachable from inside the operator network.
// Everything else goes through the local notifier.
type Dispatcher struct {
	operators push.OperatorLookup
	local     push.WakeupNotifier
	client    *http.Client
	logger    zerolog.Logger
}

var _ push.NodeWaker = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. operators may be nil, in which case
// every wake-up is local.
func NewDispatcher(operators push.OperatorLookup, local push.WakeupNotifier, client *http.Client, logger zerolog.Logger) (*Dispatcher, error) {
	if local == nil {
		return nil, fmt.Errorf("local notifier cannot be nil")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Dispatcher{
		operators: operators,
		local:     local,
		client:    client,
		logger:    logger.With().Str("component", "WakeupDispatcher").Logger(),
	}, nil
}

// WakeNode wakes node using its device data.
func (d *Dispatcher) WakeNode(ctx context.Context, node push.Node) error {
	target, ok := node.DeviceData.WakeupTarget()
	if !ok || !node.DeviceData.CanBeWakeup {
		return fmt.Errorf("%w: node %s has no wake-up address", ErrInvalidTarget, node.ID)
	}
	if err := Validate(target); err != nil {
		return err
	}

	if base := d.operatorEndpoint(ctx, node); base != "" {
		if err := d.wakeRemote(ctx, base, target); err != nil {
			return fmt.Errorf("remote wake-up of %s: %w", node.ID, err)
		}
		return nil
	}
	if err := d.local.Wake(ctx, target); err != nil {
		return fmt.Errorf("wake-up of %s: %w", node.ID, err)
	}
	return nil
}

// operatorEndpoint returns the wake-up service URL of the node's operator,
// or "" when the node should be woken locally.
func (d *Dispatcher) operatorEndpoint(ctx context.Context, node push.Node) string {
	mn := node.DeviceData.MobileNetwork
	if d.operators == nil || mn == nil || mn.MCC == "" {
		return ""
	}
	op, err := d.operators.GetOperator(ctx, mn.MCC, mn.MNC)
	if err != nil {
		d.logger.Warn().Err(err).Str("uaid", node.ID).Msg("Operator lookup failed, waking locally")
		return ""
	}
	if op == nil {
		return ""
	}
	return op.Wakeup
}

func (d *Dispatcher) wakeRemote(ctx context.Context, base string, target push.WakeupTarget) error {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/wakeup")
	if err != nil {
		return fmt.Errorf("invalid operator wake-up url %q: %w", base, err)
	}
	q := u.Query()
	q.Set("ip", target.IP)
	q.Set("port", strconv.Itoa(target.Port))
	if target.Transport != "" {
		q.Set("proto", string(target.Transport))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("operator wake-up service returned %s", resp.Status)
	}
	d.logger.Debug().Str("url", u.Redacted()).Msg("Remote wake-up sent")
	return nil
}
