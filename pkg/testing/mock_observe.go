// pkg/testing/mock_observe.go
package testing

import (
	"time"

	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/twinfer/lwm2m-harness/pkg/attributes"
	"github.com/twinfer/lwm2m-harness/pkg/lwm2m"
	"github.com/twinfer/lwm2m-harness/pkg/packet"
)

func observationKey(srv *mockServerConn, path lwm2m.Path) attributes.Key {
	return attributes.Key{SSID: srv.ssid, Object: path.Object(), Instance: path.Instance(), Resource: path.Resource()}
}

func (d *MockDevice) observe(srv *mockServerConn, req *packet.Packet, path lwm2m.Path) *packet.Packet {
	if !path.IsResource() {
		return packet.NewResponse(req, codes.MethodNotAllowed)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	v, code := d.readValueLocked(srv.ssid, path)
	if code != codes.Content {
		return packet.NewResponse(req, code)
	}
	d.registry.Observe(observationKey(srv, path), req.Token(), v, time.Now())
	d.observeSeq++
	return packet.NewResponse(req, codes.Content,
		packet.WithObserve(d.observeSeq),
		packet.WithContentFormat(packet.FormatPlainText),
		packet.WithPayload(v))
}

func (d *MockDevice) cancelObserve(srv *mockServerConn, req *packet.Packet, path lwm2m.Path) *packet.Packet {
	if !path.IsResource() {
		return packet.NewResponse(req, codes.MethodNotAllowed)
	}
	d.registry.Cancel(observationKey(srv, path))
	return d.read(srv, req, path)
}

func (d *MockDevice) writeAttributes(srv *mockServerConn, req *packet.Packet, path lwm2m.Path) *packet.Packet {
	if !path.IsResource() {
		return packet.NewResponse(req, codes.MethodNotAllowed)
	}
	update, err := attributes.ParseQuery(req.Queries())
	if err != nil {
		return packet.NewResponse(req, codes.BadRequest)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.instanceLocked(path.Object(), path.Instance(), false) == nil {
		return packet.NewResponse(req, codes.NotFound)
	}
	merged := d.registry.WriteAttributes(observationKey(srv, path), update)
	d.logger.Debugf("Attributes of %s for server %d: %s", path, srv.ssid, merged)
	return packet.NewResponse(req, codes.Changed)
}

func (d *MockDevice) notifyLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.NotifyTick)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case now := <-ticker.C:
			for _, srv := range d.activeServers() {
				d.evaluate(srv, now)
			}
		}
	}
}

// evaluate sends whatever notifications are due on srv at now: changed
// values once pmin allows, and the current value whenever pmax elapses.
func (d *MockDevice) evaluate(srv *mockServerConn, now time.Time) {
	for _, obs := range d.registry.Active(srv.ssid) {
		path := lwm2m.ResourcePath(obs.Key.Object, obs.Key.Instance, obs.Key.Resource)

		d.mu.Lock()
		value, code := d.readValueLocked(srv.ssid, path)
		d.mu.Unlock()
		if code != codes.Content {
			continue
		}

		due := d.model.ShouldNotify(obs, value, now).Verdict == attributes.NotifyNow
		if !due {
			if _, pmax := d.model.Periods(obs.Attributes); pmax > 0 && !now.Before(obs.LastNotified.Add(pmax)) {
				due = true
			}
		}
		if due {
			d.notify(srv, obs, value, now)
		}
	}
}

func (d *MockDevice) notify(srv *mockServerConn, obs attributes.Observation, value []byte, now time.Time) {
	d.mu.Lock()
	d.observeSeq++
	seq := d.observeSeq
	d.mu.Unlock()

	n := packet.NewNotification(obs.Token, seq, packet.FormatPlainText, value, false)
	srv.mu.Lock()
	srv.notifyMIDs[n.MessageID()] = obs.Key
	srv.mu.Unlock()

	if err := srv.send(n); err != nil {
		d.logger.Debugf("Failed to notify server %d: %v", srv.ssid, err)
		return
	}
	d.registry.Notified(obs.Key, value, now)
}
