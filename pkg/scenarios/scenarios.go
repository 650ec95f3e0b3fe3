// Package scenarios holds the built-in conformance scenarios. Every wait is
// expressed in model time units so a suite can be run compressed.
package scenarios

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/twinfer/lwm2m-harness/pkg/attributes"
	"github.com/twinfer/lwm2m-harness/pkg/endpoint"
	"github.com/twinfer/lwm2m-harness/pkg/expect"
	"github.com/twinfer/lwm2m-harness/pkg/harness"
	"github.com/twinfer/lwm2m-harness/pkg/packet"
	"github.com/twinfer/lwm2m-harness/pkg/registration"
)

const (
	TestObject   uint16 = 1337
	ResCounter   uint16 = 1
	ResIncrement uint16 = 2
	ResEmpty     uint16 = 5
)

// All returns the built-in scenarios in a stable order.
func All() []harness.Scenario {
	return []harness.Scenario{
		ModifyServers(),
		ObserveAccessControl(),
		ObserveAttributes(),
		ObserveEmptyHandler(),
		ObserveMultipleServers(),
	}
}

// Names lists the built-in scenario names.
func Names() []string {
	var names []string
	for _, sc := range All() {
		names = append(names, sc.Name)
	}
	return names
}

// Select returns the named scenarios, or all of them when names is empty.
func Select(names []string) ([]harness.Scenario, error) {
	all := All()
	if len(names) == 0 {
		return all, nil
	}
	out := make([]harness.Scenario, 0, len(names))
	for _, name := range names {
		i := slices.IndexFunc(all, func(sc harness.Scenario) bool { return sc.Name == name })
		if i < 0 {
			return nil, fmt.Errorf("unknown scenario %q", name)
		}
		out = append(out, all[i])
	}
	return out, nil
}

func units(env *harness.Env, n int) time.Duration {
	unit := env.Model.TimeUnit
	if unit <= 0 {
		unit = time.Second
	}
	return time.Duration(n) * unit
}

// expectNotification waits for the next notification carrying token on
// srv and returns it.
func expectNotification(ctx context.Context, env *harness.Env, srv *harness.Server, token message.Token, within time.Duration) (*packet.Packet, error) {
	p, err := srv.Recv(ctx, within)
	if err != nil {
		if errors.Is(err, endpoint.ErrTimeoutExceeded) {
			return nil, expect.Timeout(srv.SSID(), "notification", within, err)
		}
		return nil, err
	}
	if _, ok := p.Observe(); !ok || p.Code() != codes.Content || !bytes.Equal(p.Token(), token) {
		return nil, &registration.ViolationError{
			SSID:   srv.SSID(),
			Packet: p.String(),
			Reason: fmt.Sprintf("expected notification with token %x", []byte(token)),
		}
	}
	if obs, ok := env.Registry.ByToken(uint16(srv.SSID()), token); ok {
		env.Registry.Notified(obs.Key, p.Payload(), p.ReceivedAt)
	}
	return p, nil
}

// expectPredicted asks the model what srv must see for key in
// [start, start+window] and checks each notification against it. An empty
// prediction means srv must stay silent until the window closes.
func expectPredicted(ctx context.Context, env *harness.Env, srv *harness.Server, key attributes.Key, start time.Time, changes []attributes.Change, window time.Duration) error {
	obs, ok := env.Registry.Get(key)
	if !ok {
		return fmt.Errorf("no observation on %d/%d/%d for server %d", key.Object, key.Instance, key.Resource, key.SSID)
	}
	want := env.Model.Expected(obs, start, changes, window)
	env.Logger.Debugf("Expecting %d notifications on server %d within %v", len(want), srv.SSID(), window)
	if len(want) == 0 {
		return srv.AssertSilent(ctx, max(0, time.Until(start.Add(window))))
	}
	for _, n := range want {
		p, err := expectNotification(ctx, env, srv, obs.Token, max(0, time.Until(n.At))+units(env, 1))
		if err != nil {
			return err
		}
		if !bytes.Equal(p.Payload(), n.Value) {
			return mismatch(srv, p.String(), n.Value, p.Payload())
		}
	}
	return nil
}
