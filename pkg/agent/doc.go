// Package agent runs the remote-command control loop.
//
// Invariants:
// - At most one cycle is in flight; ticks that fire while a cycle runs are dropped.
// - A cycle without a session token performs no further network calls.
// - Exactly one result is submitted per dispatched command, even when shutdown
//   arrives mid-dispatch.
// - Commands are delivered at most once; nothing is redelivered after a crash.
//
// Usage:
//
//	httpClient := agent.NewHTTPClient(agent.ClientConfig{Timeout: 10 * time.Second})
//	tokens := agent.NewTokenProvider(httpClient, credentials, agent.DefaultUserAgent)
//	server := agent.NewServerClient(httpClient, agent.DefaultUserAgent)
//	dispatcher := agent.NewDispatcher(selector, channel, 30*time.Second, logger)
//	loop := agent.NewLoop(agent.LoopConfig{Interval: 5 * time.Second}, source, tokens, server, dispatcher, logger)
//	_ = loop.Run(ctx)
package agent
