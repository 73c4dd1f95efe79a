// Package gateway is the burrow hub.
//
// # Overview
//
// The hub accepts long-lived WebSocket tunnels from agents and exposes a
// small HTTP API for callers that want data from one of them. Agents sit
// behind NAT or firewalls; the hub never dials them. Instead it pushes a
// command down the agent's tunnel and waits for the agent to POST the answer
// back to the callback endpoint.
//
// # Components
//
// A Gateway owns:
//
//   - a registry.Registry of live connections, keyed by a process-unique id
//   - a correlator.Correlator matching callbacks to waiting proxy calls
//   - a relay.Relay that fans chat text from one connection to all others
//   - an http.Server (plain TCP or a tsnet listener when Tailscale is enabled)
//   - optional Prometheus metrics and a per-client rate limiter
//
// # HTTP API
//
// Every route except /ws and /health is served both bare and under /api:
//
//   - GET /ws - agent tunnel upgrade
//   - GET /proxy/{id}?action=history|snapshot - ask agent {id} for data
//   - POST /proxy/response/{rid} - agent callback carrying a JSON answer
//   - GET /clients - connected agents
//   - GET /health, GET /health/ready - liveness and readiness
//
// Errors use one JSON shape:
//
//	{"code": 504, "error": "upstream_timeout", "message": "..."}
//
// # Proxy Flow
//
//  1. Caller hits GET /proxy/7
//  2. Hub registers a correlation id and sends {"type":"command","request_id":...}
//     to connection 7
//  3. Agent POSTs its answer to /proxy/response/{request_id}
//  4. Hub completes the waiting call and returns the answer body verbatim
//
// A caller that gives up, or an answer that never comes, always releases the
// correlation entry. A late answer gets request_id_not_found.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is cancelled, then shuts down
package gateway
