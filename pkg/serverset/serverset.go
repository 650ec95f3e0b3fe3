// Package serverset changes the device's server list at runtime and checks
// the registration traffic that has to follow.
package serverset

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/twinfer/lwm2m-harness/pkg/harness"
	"github.com/twinfer/lwm2m-harness/pkg/registration"
)

// quietUnits is how many model time units a trimmed server must stay
// silent after its De-register.
const quietUnits = 2

// Controller tracks which servers the device is expected to be registered
// with, in the order it was given them.
type Controller struct {
	env    *harness.Env
	active []*harness.Server
	quiet  time.Duration
}

type Option func(*Controller)

// WithQuietWindow overrides how long trimmed servers must stay silent.
func WithQuietWindow(d time.Duration) Option {
	return func(c *Controller) { c.quiet = d }
}

// New starts with every server in env active.
func New(env *harness.Env, opts ...Option) *Controller {
	unit := env.Model.TimeUnit
	if unit <= 0 {
		unit = time.Second
	}
	c := &Controller{
		env:    env,
		active: slices.Clone(env.Servers),
		quiet:  quietUnits * unit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Active() []*harness.Server {
	return slices.Clone(c.active)
}

// TrimServers drops the last n active servers from the device and expects
// exactly one De-register on each of them at the path it was registered at,
// followed by silence for the quiet window.
func (c *Controller) TrimServers(ctx context.Context, n int) error {
	if n < 0 || n > len(c.active) {
		return fmt.Errorf("cannot trim %d of %d active servers", n, len(c.active))
	}
	keep := len(c.active) - n
	trimmed := c.active[keep:]

	paths := make([]string, len(trimmed))
	for i, srv := range trimmed {
		paths[i] = srv.Tracker().Location()
		if paths[i] == "" {
			return &registration.ViolationError{
				SSID:   srv.SSID(),
				Reason: "trimmed server has no registration",
			}
		}
	}

	if err := c.env.DUT.Communicate(ctx, "trim-servers "+strconv.Itoa(keep), nil); err != nil {
		return fmt.Errorf("trim-servers: %w", err)
	}
	for i, srv := range trimmed {
		if err := srv.AssertDeregistered(ctx, paths[i], c.env.Timeouts.Deregister); err != nil {
			return err
		}
	}

	// Endpoints queue what arrives meanwhile, so one shared deadline covers
	// the whole window on every trimmed server.
	deadline := time.Now().Add(c.quiet)
	for _, srv := range trimmed {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		if err := srv.AssertSilent(ctx, remaining); err != nil {
			return err
		}
	}

	c.active = slices.Clone(c.active[:keep])
	c.env.Logger.Infof("Trimmed server list to %d", keep)
	return nil
}

// AddServer points the device at srv and expects a fresh registration at
// location, which must differ from every location srv handed out before.
func (c *Controller) AddServer(ctx context.Context, srv *harness.Server, location string) (registration.Record, error) {
	if slices.Contains(c.active, srv) {
		return registration.Record{}, fmt.Errorf("server %d is already active", srv.SSID())
	}
	if err := c.env.DUT.Communicate(ctx, "add-server "+srv.URI(), nil); err != nil {
		return registration.Record{}, fmt.Errorf("add-server: %w", err)
	}
	rec, err := srv.AssertRegistered(ctx, location, c.env.Timeouts.Register)
	if err != nil {
		return registration.Record{}, err
	}
	if slices.Contains(srv.Tracker().PriorLocations(), rec.Location) {
		return rec, &registration.ViolationError{
			SSID:   srv.SSID(),
			Reason: "registration reused location " + rec.Location,
		}
	}
	c.active = append(c.active, srv)
	return rec, nil
}

// AssertSilent expects no traffic at all on srv for window.
func (c *Controller) AssertSilent(ctx context.Context, srv *harness.Server, window time.Duration) error {
	return srv.AssertSilent(ctx, window)
}

// Shutdown asks the device to exit and expects a De-register from each
// active server at its current path.
func (c *Controller) Shutdown(ctx context.Context) error {
	if err := c.env.DUT.RequestShutdown(); err != nil {
		return err
	}
	for _, srv := range c.active {
		if err := srv.AssertDeregistered(ctx, srv.Tracker().Location(), c.env.Timeouts.Deregister); err != nil {
			return err
		}
	}
	c.active = nil
	return nil
}
