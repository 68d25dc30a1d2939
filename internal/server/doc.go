// Package server hosts the Fiber HTTP applications of the node: the public
// image surface and the loopback diagnostics surface. It owns the middleware
// chain (panic recovery, request id, response timing), the error boundary, the
// hot-swappable TLS identity and the listener lifecycle. Handlers are injected
// so that proxy and routes stay independent of listener details.
package server
