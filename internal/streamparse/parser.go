// Package streamparse translates raw vendor output formats into normalized
// agent messages. Parsers never fail: malformed input is skipped or passed
// through as text, and parsing continues.
package streamparse

import "relaystack.local/relay-gateway/internal/agent"

// Parser is the common contract for all vendor stream shapes. HandleChunk is
// called repeatedly as bytes arrive and may emit zero or more messages per
// call. Finalize must be called exactly once at stream end to flush any
// buffered partial line or block and emit any deferred final message.
type Parser interface {
	HandleChunk(chunk []byte)
	Finalize()
}

// EmitFunc receives normalized messages as the parser produces them.
type EmitFunc func(agent.AgentMessage)
