// Package http implements the HTTP handlers of the verification and update
// gating service. Handlers stay thin: request parsing, validation and the
// mapping from internal results to the external status vocabulary; the
// protocol decisions live in the service packages.
//
// A typical request flows through these layers:
//
//	HTTP Request → Chi Router → Middleware → Handler → Service → Store
//	                                              ↓
//	HTTP Response ← Handler ← Service Response ←─┘
//
// Protocol verdicts, positive or negative, are HTTP 200 responses; only
// structurally invalid input (400), authentication failures (401) and store
// outages (503) use error status codes. Structured errors follow RFC 7807.
package http
