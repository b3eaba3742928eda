// Package chatapi implements a bidirectional, session-oriented chat
// protocol over any transport that carries ordered text and binary frames.
//
// A session begins with the client's Config and runs as a sequence of
// requests: the server announces each with ServerReady, the client streams
// its input (audio chunks or a single text), and the server answers with a
// tree of stages and contents streamed as events until OutputEnd. Either
// side closes the session with SessionEnd.
//
// The package provides the event types and their frame codec, the Client
// and Server drivers that enforce the legal event sequence on both
// directions, and two Transport implementations: an in-memory pipe and a
// WebSocket adapter.
package chatapi
