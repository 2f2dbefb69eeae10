// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package proxy relays a single live byte stream, such as an MJPEG HTTP
// response, from one upstream TCP endpoint to any number of TCP clients. The
// upstream preamble (everything up to the first blank line) is captured once
// per upstream connection and replayed to each client as it attaches; the
// payload after it is passed through untouched. The upstream is only held
// open while at least one client is attached.
package proxy
