package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/commcore/bus/internal/bus"
	"github.com/commcore/bus/internal/errs"
	"github.com/commcore/bus/internal/loadbalancer"
	"github.com/commcore/bus/internal/pool"
	"github.com/commcore/bus/internal/protocol"
	"github.com/commcore/bus/internal/protocol/transport"
	"github.com/commcore/bus/internal/protocol/transport/datagram/udp"
	"github.com/commcore/bus/internal/protocol/transport/grpcstream"
	"github.com/commcore/bus/internal/protocol/transport/local"
	"github.com/commcore/bus/internal/protocol/transport/wsframed"
	"github.com/commcore/bus/internal/router"
)

// destinationRegistry holds the candidate routes and load-balancer targets
// a Dispatch can pick among. Destination resolution itself is out of scope
// (router's own doc comment: "callers hand the router a pre-resolved
// slice"); this is that caller.
type destinationRegistry struct {
	mu         sync.RWMutex
	candidates map[string][]router.Candidate
	targets    map[string][]loadbalancer.LoadBalanceTarget
}

func newDestinationRegistry() *destinationRegistry {
	return &destinationRegistry{
		candidates: make(map[string][]router.Candidate),
		targets:    make(map[string][]loadbalancer.LoadBalanceTarget),
	}
}

// Register associates a destination with one reachable route and that
// route's equivalent endpoint set.
func (d *destinationRegistry) Register(destination string, candidate router.Candidate, targets []loadbalancer.LoadBalanceTarget) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.candidates[destination] = append(d.candidates[destination], candidate)
	d.targets[candidate.RouteID] = targets
}

func (d *destinationRegistry) candidatesFor(destination string) []router.Candidate {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]router.Candidate(nil), d.candidates[destination]...)
}

func (d *destinationRegistry) targetsFor(routeID string) []loadbalancer.LoadBalanceTarget {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]loadbalancer.LoadBalanceTarget(nil), d.targets[routeID]...)
}

// busDispatcher implements bus.Dispatcher by driving one message through
// router -> protocol selector -> load balancer -> connection pool ->
// transport, in that order, per the component pipeline the core names.
type busDispatcher struct {
	router   *router.Router
	selector *protocol.Selector
	lb       *loadbalancer.LoadBalancer
	pool     *pool.Manager
	reg      *destinationRegistry
	leaseTTL time.Duration
}

func (d *busDispatcher) Dispatch(ctx context.Context, msg bus.Message) error {
	candidates := d.reg.candidatesFor(msg.Destination)
	if len(candidates) == 0 {
		return errs.ErrNoRoute
	}

	scored := router.ScoredMessage{
		ID:           msg.ID,
		Type:         msg.Type,
		PayloadBytes: len(msg.Payload.Bytes),
		MaxAttempts:  msg.RetryPolicy.MaxAttempts,
	}

	decision, err := d.router.Pick(ctx, scored, msg.Source, msg.Destination, candidates, "")
	if err != nil {
		return err
	}

	routes := append([]router.Route{decision.SelectedRoute}, decision.Alternatives...)
	var lastErr error
	for _, route := range routes {
		lastErr = d.tryRoute(ctx, msg, route)
		if lastErr == nil {
			d.router.RecordOutcome(scored, route.RouteID, route.CostScore, true)
			d.router.Forget(msg.ID)
			return nil
		}
		d.router.RecordOutcome(scored, route.RouteID, route.CostScore, false)
	}
	d.router.Forget(msg.ID)
	return lastErr
}

func (d *busDispatcher) tryRoute(ctx context.Context, msg bus.Message, route router.Route) error {
	profileID, _, _, err := d.selector.Pick(ctx, msg.ID, protocol.MessageCharacteristics{
		Type:         msg.Type,
		PayloadBytes: len(msg.Payload.Bytes),
	}, protocol.NetworkConditions{Quality: 1 - route.LoadFactor, Stability: route.Reliability})
	if err != nil {
		return err
	}

	targets := d.reg.targetsFor(route.RouteID)
	if len(targets) == 0 {
		return errs.ErrNoRoute
	}
	d.lb.RegisterTargets(route.RouteID, targets)

	selection, err := d.lb.Select(ctx, route.RouteID, loadbalancer.SelectRequest{
		RequestID: msg.ID,
		Priority:  string(msg.Priority),
	})
	if err != nil {
		return err
	}

	started := time.Now()
	sendErr := d.send(ctx, profileID, selection.Primary.Endpoint, msg)

	d.lb.ReportCompletion(ctx, loadbalancer.CompletionReport{
		RequestID: msg.ID,
		TargetID:  selection.Primary.ID,
		Algorithm: selection.Algorithm,
		Success:   sendErr == nil,
		LatencyMs: float64(time.Since(started).Milliseconds()),
		Err:       sendErr,
	})
	d.selector.ReportOutcome(profileID, msg.Type, sendErr == nil, float64(time.Since(started).Milliseconds()), route.EstLatencyMs)

	return sendErr
}

func (d *busDispatcher) send(ctx context.Context, profileID, endpoint string, msg bus.Message) error {
	lease, err := d.pool.Acquire(ctx, pool.AcquireRequest{
		Protocol:    profileID,
		Endpoint:    endpoint,
		RequesterID: msg.Source,
		Priority:    pool.Priority(msg.Priority),
		LeaseTTL:    d.leaseTTL,
	}, factoryFor(profileID))
	if err != nil {
		return err
	}

	handle, ok := d.pool.Handle(profileID, endpoint, lease)
	if !ok {
		return fmt.Errorf("%w: lease %s has no live handle", errs.ErrTransport, lease.LeaseID)
	}
	t, ok := handle.(transport.Transport)
	if !ok {
		return fmt.Errorf("%w: handle for %s is not a transport.Transport", errs.ErrTransport, profileID)
	}

	sendErr := t.Send(ctx, transport.Frame{MessageID: msg.ID, Destination: msg.Destination, Bytes: msg.Payload.Bytes})

	_ = d.pool.Release(ctx, profileID, endpoint, lease.LeaseID, &pool.UsageReport{Success: sendErr == nil})
	if sendErr != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransport, sendErr)
	}
	return nil
}

// factoryFor returns the pool.Factory that dials a fresh connection for the
// given profile ID, wrapping each transport's Dial so the pool only ever
// sees an io.Closer.
func factoryFor(profileID string) pool.Factory {
	switch profileID {
	case "grpcstream":
		return func(ctx context.Context, endpoint string) (io.Closer, pool.Descriptor, error) {
			t, err := grpcstream.Dial(ctx, endpoint)
			if err != nil {
				return nil, pool.Descriptor{}, err
			}
			return t, pool.Descriptor{Encryption: false, BandwidthBps: 1_000_000}, nil
		}
	case "wsframed":
		return func(ctx context.Context, endpoint string) (io.Closer, pool.Descriptor, error) {
			t, err := wsframed.Dial(ctx, endpoint)
			if err != nil {
				return nil, pool.Descriptor{}, err
			}
			return t, pool.Descriptor{Encryption: false, BandwidthBps: 500_000}, nil
		}
	case "udp":
		return func(ctx context.Context, endpoint string) (io.Closer, pool.Descriptor, error) {
			t, err := udp.Dial(endpoint)
			if err != nil {
				return nil, pool.Descriptor{}, err
			}
			return t, pool.Descriptor{BandwidthBps: 2_000_000}, nil
		}
	default:
		return func(ctx context.Context, endpoint string) (io.Closer, pool.Descriptor, error) {
			return local.New(64), pool.Descriptor{BandwidthBps: 10_000_000}, nil
		}
	}
}

// registerTransportProfiles adds every concrete transport's capability
// descriptor to the Protocol Selector's registry, mirroring how the teacher
// registers exactly one transport (gRPC) up front at server construction.
func registerTransportProfiles(sel *protocol.Selector) {
	sel.RegisterProfile(grpcstream.Profile())
	sel.RegisterProfile(wsframed.Profile())
	sel.RegisterProfile(udp.Profile())
	sel.RegisterProfile(local.Profile())
}
