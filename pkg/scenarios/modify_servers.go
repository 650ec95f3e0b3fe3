package scenarios

import (
	"context"

	"github.com/twinfer/lwm2m-harness/pkg/harness"
	"github.com/twinfer/lwm2m-harness/pkg/serverset"
)

// ModifyServers drops the second server at runtime, re-adds it and checks
// the first one sees none of that traffic.
func ModifyServers() harness.Scenario {
	return harness.Scenario{
		Name:        "modify-servers",
		Description: "trim-servers deregisters, add-server registers at a fresh location, other servers stay silent",
		Servers:     2,
		Locations:   []string{"/rd/demo", "/rd/server2"},
		Body: func(ctx context.Context, env *harness.Env) error {
			ctl := serverset.New(env)
			if err := ctl.TrimServers(ctx, 1); err != nil {
				return err
			}
			if _, err := ctl.AddServer(ctx, env.Server(1), "/rd/server3"); err != nil {
				return err
			}
			return ctl.AssertSilent(ctx, env.Server(0), units(env, 2))
		},
	}
}
