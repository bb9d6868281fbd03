// Package protocol defines the wire format spoken between the bridge and its
// peers: a JSON-RPC-inspired envelope carried as one JSON object per text
// frame, plus the closed enumerations for peer roles and client status.
//
// The envelope deliberately diverges from JSON-RPC 2.0 in two ways: the
// message kind is explicit in a "type" field rather than inferred from field
// presence, and ERROR is a distinct kind rather than a response variant.
package protocol
