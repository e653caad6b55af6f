// Package port implements bound-port discovery and reachability
// verification for supervised proxy processes.
//
// Two cooperating pieces:
//
//   - Scanner consumes the proxy's line-oriented stdout and resolves the
//     port from the first line matching the announcement pattern
//     "starting to serve on <address>" (case-insensitive), where the
//     address ends in ":<port>".
//   - Waiter polls the discovered port with short TCP dials until it
//     accepts a connection or a bounded timeout elapses.
//
// Discovery tells us which port the proxy *chose*; reachability tells us
// the listener actually *serves*. The supervisor requires both before
// declaring a session ready.
package port
