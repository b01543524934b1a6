// Package drowsynet is a substrate for building custom TCP protocol servers.
//
// It accepts inbound connections on one or more endpoints, runs each
// connection's read loop, and gives the application an ordered, lock-free
// way to queue outbound messages. The application supplies the wire protocol
// on top of raw bytes (or the built-in length-prefixed framing), a registry of
// live connections and the process around it.
//
// Architecture:
//   - Listener binds endpoints and runs one self-re-arming accept loop per endpoint
//   - Conn owns one transport, one read in flight, one write in flight and a FIFO queue
//   - Every Conn mutation runs inside the Conn's strand, a single-lane task
//     runner multiplexed on a shared Executor worker pool
//   - I/O completions hold only a weak pointer to their Conn and are dropped
//     when the Conn has been collected
//   - Packets are shared and reference counted so one message can be
//     broadcast to many connections without copying
//
// Typical usage:
//
//	ln := drowsynet.NewListener(drowsynet.AcceptFunc(func(t net.Conn) {
//	    c := drowsynet.NewConn(t, handler, cfg)
//	    registry.Add(c)
//	    c.Setup()
//	}))
//	if !ln.Bind(ctx, "127.0.0.1", "8080") {
//	    return errors.New("bind failed")
//	}
//	ln.StartListening()
//	defer ln.Close()
package drowsynet
