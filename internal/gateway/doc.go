// Package gateway wires the voice-gateway server together.
//
// # Overview
//
// The Gateway owns every long-lived component: the session store and
// registry, the agent catalog, the webhook ingress with its dedupe cache,
// the event correlator, and the realtime bridge. New builds them from a
// config.Config and restores persisted sessions; Run opens the listener and
// the inactivity sweeper; Shutdown tears everything down in dependency order.
//
// # HTTP Surface
//
//	GET  /health                              plain liveness probe
//	GET  /api/health                          status and session counts
//	GET  /api/config                          websocket_url for clients
//	GET  /api/agents                          agent catalog
//	GET  /api/sessions[?status=]              session snapshots
//	POST /api/sessions                        create a session for an agent
//	GET  /api/sessions/{id}                   one snapshot
//	GET  /api/sessions/{id}/transcript        ordered transcript
//	GET  /api/sessions/{id}/staged-transcript stage-tagged transcript
//	GET  /api/sessions/{id}/call-summary      enrichment summary (404 until ready)
//	GET  /api/sessions/{id}/report[?format=html]
//	POST /webhook                             signed engine callbacks
//	GET  /ws                                  realtime channel
//	GET  /metrics                             Prometheus, when enabled
//
// Every request passes through RequestID, Recover, AccessLog, and CORS.
//
// # Listeners
//
// Without Tailscale the server listens on server.http_addr. With Tailscale
// enabled it joins the tailnet through tsnet and serves either on :80 inside
// the tailnet or, with funnel, on public :443 so the engine can reach
// /webhook. The node's DNS name becomes the public URL unless one is
// configured.
//
// # Shutdown Order
//
//  1. HTTP server stops accepting requests
//  2. Correlator drains queued events and waits for enrichment
//  3. Realtime connections close
//  4. Tailscale node, dedupe cleanup, and the store are released
package gateway
