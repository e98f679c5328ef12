package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xutingl/skyplane/pkg/control"
	"github.com/xutingl/skyplane/pkg/gateway"
	"github.com/xutingl/skyplane/pkg/obstore"
	"github.com/xutingl/skyplane/pkg/planner"
)

// GatewayHandle identifies one realized gateway instance.
type GatewayHandle struct {
	ID     string
	Region string
}

// Provisioner realizes a plan's gateway fleet. Instance lifecycle mechanics
// (VM launch, image, teardown) live behind this boundary.
type Provisioner interface {
	Provision(ctx context.Context, plan *planner.Plan, src, dst obstore.Store) ([]GatewayHandle, error)
}

// ProvisioningError wraps a provisioner failure; it surfaces synchronously
// and aborts the job before any chunk moves.
type ProvisioningError struct {
	Err error
}

func (e *ProvisioningError) Error() string { return fmt.Sprintf("provisioning failed: %v", e.Err) }
func (e *ProvisioningError) Unwrap() error { return e.Err }

// LocalProvisioner realizes gateways as in-process instances wired through a
// loopback control bus and in-memory relays. Used for tests and single-node
// runs; a cloud provisioner implements the same interface over real VMs.
type LocalProvisioner struct {
	Bus               *control.Loopback
	RetryBudget       int
	BackoffBase       time.Duration
	RelayWindow       int
	HeartbeatInterval time.Duration
}

func (p *LocalProvisioner) Provision(ctx context.Context, plan *planner.Plan, src, dst obstore.Store) ([]GatewayHandle, error) {
	if p.Bus == nil {
		return nil, &ProvisioningError{Err: fmt.Errorf("no control bus configured")}
	}
	heartbeat := p.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = time.Second
	}

	// One relay per (path, hop) carries chunk bytes between consecutive
	// gateways.
	relays := make(map[string]*gateway.Relay)
	relayFor := func(path string, hop int) *gateway.Relay {
		key := fmt.Sprintf("%s#%d", path, hop)
		r, ok := relays[key]
		if !ok {
			r = gateway.NewRelay(p.RelayWindow)
			relays[key] = r
		}
		return r
	}
	// Pre-create every relay so both sides resolve the same stream.
	for _, pa := range plan.Paths {
		for hop := 0; hop < pa.Path.Hops()-1; hop++ {
			relayFor(pa.Path.String(), hop)
		}
	}

	router := gateway.RouterFunc(func(seg control.Segment) (gateway.SegmentIO, error) {
		hops := strings.Count(seg.Path, "->")
		if seg.Index < 0 || seg.Index >= hops {
			return gateway.SegmentIO{}, fmt.Errorf("segment index %d out of range for %s", seg.Index, seg.Path)
		}
		var io gateway.SegmentIO
		if seg.Index == 0 {
			io.Upstream = &gateway.StoreUpstream{Store: src}
		} else {
			io.Upstream = &gateway.RelayUpstream{Relay: relayFor(seg.Path, seg.Index-1)}
		}
		if seg.Index == hops-1 {
			io.Downstream = &gateway.StoreDownstream{Store: dst}
		} else {
			io.Downstream = &gateway.RelayDownstream{Relay: relayFor(seg.Path, seg.Index)}
		}
		return io, nil
	})

	// Connection counts per region decide worker pool sizes.
	regionConns := make(map[string]int)
	for _, pa := range plan.Paths {
		for _, r := range pa.Path.Regions {
			regionConns[r] += pa.Connections
		}
	}

	var handles []GatewayHandle
	for _, region := range sortedRegions(plan.Instances) {
		count := plan.Instances[region]
		workers := (regionConns[region] + count - 1) / count
		for i := 0; i < count; i++ {
			id := fmt.Sprintf("%s-%s-%d", plan.JobID, region, i)
			inst := gateway.NewInstance(gateway.Config{
				GatewayID:   id,
				Region:      region,
				Workers:     workers,
				RetryBudget: p.RetryBudget,
				BackoffBase: p.BackoffBase,
			}, router, p.Bus.Emit)

			cmdCh := p.Bus.Register(id)
			go inst.Run(ctx)
			go p.pump(ctx, inst, cmdCh)
			go p.heartbeatLoop(ctx, id, heartbeat)

			handles = append(handles, GatewayHandle{ID: id, Region: region})
		}
	}

	// Tear relays down when the job context ends so no reader blocks forever.
	go func() {
		<-ctx.Done()
		for _, r := range relays {
			r.Close()
		}
	}()

	return handles, nil
}

// pump feeds control commands into a gateway instance.
func (p *LocalProvisioner) pump(ctx context.Context, inst *gateway.Instance, cmdCh <-chan control.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-cmdCh:
			if !ok {
				return
			}
			switch msg.Type {
			case control.MsgAssignChunk:
				if msg.Assign != nil {
					inst.Assign(msg.Assign.Chunk, msg.Assign.Segment)
				}
			case control.MsgCancel:
				// The job context is cancelled by the service; nothing more
				// to do per gateway here.
			}
		}
	}
}

func (p *LocalProvisioner) heartbeatLoop(ctx context.Context, gatewayID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Bus.Emit(control.NewHeartbeat(gatewayID))
		}
	}
}

func sortedRegions(instances map[string]int) []string {
	regions := make([]string, 0, len(instances))
	for r := range instances {
		regions = append(regions, r)
	}
	sort.Strings(regions)
	return regions
}
