// Package security is the single authority consulted before a connection is
// admitted and before each inbound message is processed. It composes the IP
// filter, rate limiter, message validator, and token service behind two
// checkpoints (connection admission and message admission) plus the
// authenticated-session table.
//
// Each sub-service is built explicitly and passed to the Gate constructor;
// there is no hidden wiring step. The Gate is the only writer of session
// state and rate-limiter buckets.
package security
