// Package bridge exposes the execution context to executors that live outside
// the agent process. Executors connect over WebSocket, receive REMOTE_COMMAND
// requests tagged with a correlation id, and answer with {id, status, message}.
// A disconnect fails every request still waiting on that executor.
package bridge
