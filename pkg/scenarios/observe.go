package scenarios

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/twinfer/lwm2m-harness/pkg/access"
	"github.com/twinfer/lwm2m-harness/pkg/attributes"
	"github.com/twinfer/lwm2m-harness/pkg/dm"
	"github.com/twinfer/lwm2m-harness/pkg/harness"
	"github.com/twinfer/lwm2m-harness/pkg/registration"
)

// ObserveAttributes checks that pmax forces notifications of an unchanged
// value.
func ObserveAttributes() harness.Scenario {
	return harness.Scenario{
		Name:        "observe-attributes",
		Description: "pmax=2 produces periodic notifications carrying the unchanged value",
		Servers:     1,
		Body: func(ctx context.Context, env *harness.Env) error {
			srv := env.Server(0)
			if _, err := srv.DM().CreateInstance(ctx, TestObject, 0); err != nil {
				return err
			}
			if _, err := srv.DM().Observe(ctx, TestObject, 0, ResCounter); err != nil {
				return err
			}
			key := resourceKey(srv, ResCounter)
			if err := expectPredicted(ctx, env, srv, key, time.Now(), nil, units(env, 5)); err != nil {
				return err
			}
			if _, err := srv.DM().WriteAttributes(ctx, TestObject, 0, ResCounter, []string{"pmax=2"}); err != nil {
				return err
			}
			return expectPredicted(ctx, env, srv, key, time.Now(), nil, units(env, 6))
		},
	}
}

// ObserveEmptyHandler observes a resource whose read handler fails; the
// device must answer 5.00 and keep running.
func ObserveEmptyHandler() harness.Scenario {
	return harness.Scenario{
		Name:        "observe-empty-handler",
		Description: "observing a resource with a failing read handler yields 5.00 without an observation",
		Servers:     1,
		Body: func(ctx context.Context, env *harness.Env) error {
			srv := env.Server(0)
			if _, err := srv.DM().CreateInstance(ctx, TestObject, 0); err != nil {
				return err
			}
			if _, err := srv.DM().Observe(ctx, TestObject, 0, ResEmpty, dm.ExpectError(codes.InternalServerError)); err != nil {
				return err
			}
			if !env.DUT.Alive() {
				return fmt.Errorf("device exited after observe of empty handler")
			}
			return nil
		},
	}
}

// ObserveMultipleServers observes from the owning server while another
// server with read and execute rights drives the value across gt.
func ObserveMultipleServers() harness.Scenario {
	return harness.Scenario{
		Name:        "observe-multiple-servers",
		Description: "gt=1 gates notifications to the owner while a second server executes the counter",
		Servers:     2,
		Body: func(ctx context.Context, env *harness.Env) error {
			owner, other := env.Server(1), env.Server(0)
			if _, err := owner.DM().CreateInstance(ctx, TestObject, 0); err != nil {
				return err
			}
			acl := []access.Entry{
				{SSID: uint16(other.SSID()), Mask: access.Read | access.Execute},
				{SSID: uint16(owner.SSID()), Mask: access.Owner},
			}
			if _, err := owner.DM().UpdateAccess(ctx, TestObject, 0, acl); err != nil {
				return err
			}
			if _, err := owner.DM().Observe(ctx, TestObject, 0, ResCounter); err != nil {
				return err
			}
			key := resourceKey(owner, ResCounter)
			if err := expectPredicted(ctx, env, owner, key, time.Now(), nil, units(env, 2)); err != nil {
				return err
			}
			if _, err := owner.DM().WriteAttributes(ctx, TestObject, 0, ResCounter, []string{"gt=1"}); err != nil {
				return err
			}
			if err := expectPredicted(ctx, env, owner, key, time.Now(), nil, units(env, 2)); err != nil {
				return err
			}

			from := time.Now()
			changes, err := incrementTwice(ctx, other, other)
			if err != nil {
				return err
			}
			return expectPredicted(ctx, env, owner, key, from, changes, units(env, 2))
		},
	}
}

// ObserveAccessControl checks that a server without read permission gets
// no notifications, and sees the current value once the owner grants read.
func ObserveAccessControl() harness.Scenario {
	return harness.Scenario{
		Name:        "observe-access-control",
		Description: "observe without read permission is refused and silent; after the ACL is relaxed the value that crossed gt arrives",
		Servers:     2,
		Body: func(ctx context.Context, env *harness.Env) error {
			owner, reader := env.Server(1), env.Server(0)
			if _, err := owner.DM().CreateInstance(ctx, TestObject, 0); err != nil {
				return err
			}
			denied := []access.Entry{
				{SSID: uint16(reader.SSID()), Mask: access.Execute},
				{SSID: uint16(owner.SSID()), Mask: access.Owner},
			}
			if _, err := owner.DM().UpdateAccess(ctx, TestObject, 0, denied); err != nil {
				return err
			}
			if _, err := reader.DM().WriteAttributes(ctx, TestObject, 0, ResCounter, []string{"gt=1"}); err != nil {
				return err
			}
			if _, err := reader.DM().Observe(ctx, TestObject, 0, ResCounter, dm.ExpectError(codes.Unauthorized)); err != nil {
				return err
			}

			initial, err := owner.DM().ReadResource(ctx, TestObject, 0, ResCounter)
			if err != nil {
				return err
			}
			key := resourceKey(reader, ResCounter)
			wanted := attributes.Observation{
				Key:          key,
				Active:       true,
				Attributes:   env.Registry.Attributes(key),
				LastValue:    initial.Payload(),
				LastNotified: time.Now(),
			}

			from := time.Now()
			changes, err := incrementTwice(ctx, reader, owner)
			if err != nil {
				return err
			}
			window := units(env, 2)
			if n := len(env.Model.Expected(wanted, from, changes, window)); n != 0 {
				return fmt.Errorf("model predicts %d notifications without read permission", n)
			}
			if err := reader.AssertSilent(ctx, window); err != nil {
				return err
			}

			granted := []access.Entry{
				{SSID: uint16(reader.SSID()), Mask: access.Read | access.Execute},
				{SSID: uint16(owner.SSID()), Mask: access.Owner},
			}
			if _, err := owner.DM().UpdateAccess(ctx, TestObject, 0, granted); err != nil {
				return err
			}
			want := env.Model.Expected(wanted, from, changes, window)
			if len(want) != 1 {
				return fmt.Errorf("model predicts %d notifications after read is granted, want 1", len(want))
			}
			baseline, err := reader.DM().Observe(ctx, TestObject, 0, ResCounter)
			if err != nil {
				return err
			}
			if !bytes.Equal(baseline.Payload(), want[0].Value) {
				return mismatch(reader, baseline.String(), want[0].Value, baseline.Payload())
			}
			return expectPredicted(ctx, env, reader, key, time.Now(), nil, window)
		},
	}
}

// incrementTwice executes the counter increment from exec and records each
// resulting value as read by reader.
func incrementTwice(ctx context.Context, exec, reader *harness.Server) ([]attributes.Change, error) {
	var changes []attributes.Change
	for i := 0; i < 2; i++ {
		if _, err := exec.DM().ExecuteResource(ctx, TestObject, 0, ResIncrement); err != nil {
			return nil, err
		}
		at := time.Now()
		v, err := reader.DM().ReadResource(ctx, TestObject, 0, ResCounter)
		if err != nil {
			return nil, err
		}
		changes = append(changes, attributes.Change{At: at, Value: v.Payload()})
	}
	return changes, nil
}

func resourceKey(srv *harness.Server, rid uint16) attributes.Key {
	return attributes.Key{SSID: uint16(srv.SSID()), Object: TestObject, Instance: 0, Resource: rid}
}

func mismatch(srv *harness.Server, pkt string, want, got []byte) error {
	return &registration.ViolationError{
		SSID:   srv.SSID(),
		Packet: pkt,
		Reason: fmt.Sprintf("expected payload %q, got %q", want, got),
	}
}
