// Package vizor is the Go client SDK for the Vizor media recognition
// platform. A Session is the entry point: it authenticates against the
// platform API, pins the working tenant, and exposes typed operations for
// applications, subjects, media, gateways, and the other platform
// resources. All operations take a context and transparently retry
// transient server failures with exponential backoff.
//
// Credentials and connection settings may be passed as options to Connect
// or read from the VIZOR_* environment variables. See Config for the full
// precedence rules.
package vizor
