// Package streamnet provides a binary packet protocol over persistent byte streams.
//
// Two peers exchange self-describing packets. Every packet carries its type identity
// (numeric id, name and allowed direction) and a payload encoded with the big-endian
// primitives in internal/codec. Both ends resolve identities against a shared
// protocol.Registry.
//
// # Architecture
//
// A connection hosts exactly one Handler at a time. The handler is the protocol-stage state
// machine: the server side starts with the handshake handler, which validates the client's
// protocol version and credentials and then swaps itself for the default handler. The
// default handler runs the keepalive exchange and answers informational requests.
//
// Outbound packets go through a FIFO queue drained by a single writer. Force sends jump the
// queue and block until written, which is how disconnect notices reach the peer before the
// socket closes.
//
// Servers accept with a bounded timeout per tick, driven by a fixed-rate updater, so a
// shutdown is observed within one accept timeout.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/streamnet/stream"
//	)
//
//	reg := stream.DefaultRegistry()
//	srv, err := stream.Listen(stream.DefaultServerConfig(":25565"), live, updaters, logger)
//	if err != nil {
//	    return err
//	}
//	srv.OnConnect(func(host string, port int, c net.Conn) {
//	    hs := stream.NewServerHandshake(stream.HandshakeConfig{...})
//	    stream.NewConn(c, reg, live, updaters, hs, stream.DefaultConnConfig(), logger).Start(ctx)
//	})
//	srv.Start(ctx)
//
// # Frame Format
//
//	[2 bytes: packet id][2 bytes: name length][name][1 byte: direction]
//	[1 byte: flags][4 bytes: payload length][payload]
//
// All integers are big-endian. Flag bit 0 marks a zlib-compressed payload.
// Maximum payload: 10MB.
//
// # Permissions
//
// Privileged operations call permission.Require with the context they run in. The acting
// identity is whatever the context carries: the main thread marker, the identity attached to
// the updater running the code, or the user bound by the connection that received the packet.
//
// # Important
//
//   - Handlers run on the connection's read loop; blocking in OnPacket stalls that connection
//   - Exit is idempotent and may be called from any goroutine
//   - LatestPacket keeps only the most recent packets; older unread ones are dropped
package streamnet
