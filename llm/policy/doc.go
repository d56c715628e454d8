// Package policy maps (task type, complexity) to a preferred model plus
// an optional fallback, advisory to the Router: the Router remains
// authoritative about which deployment actually serves a request.
package policy
