/*
Package reconciler runs the federation registry's periodic peer health-check
loop (§4.9).

# Architecture

The reconciler ticks on a configurable interval (default 10s), checking every
peer store currently registered in the federation's peer table:

	┌────────────────────────────────────────────────────┐
	│              Health-Check Loop (ticker)             │
	└───────────────────────┬─────────────────────────────┘
	                        │
	           for each peer in PeerTable.Snapshot()
	                        │
	                        ▼
	              HealthChecker(ctx, id, addr)
	                        │
	            ┌───────────┴────────────┐
	            ▼                        ▼
	         success                   error
	            │                        │
	            ▼                        ▼
	   promotion ladder           3 consecutive
	  untrusted→probation          failures → untrusted
	     →trusted

A peer's trust tier gates whether the federation query fan-out (FanOut in
pkg/registry) will read from it at all: only trusted peers are queried.
Demoting a flaky peer out of the trusted tier keeps a federated read from
blocking on a store that is failing health checks, without removing it from
the registry outright — the promotion ladder lets it earn trust back.

# Health checks

The HealthChecker a Reconciler is constructed with is caller-supplied: in
practice it dials the peer's registered address and measures round-trip
latency for a cheap liveness request. The reconciler itself has no opinion
on transport; it only records the outcome against the peer table and the
federation health-check metrics.
*/
package reconciler
