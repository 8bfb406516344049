// Package actions implements the domain actions that change realm state
// and announce the change to connected clients.
//
// Every action follows the same sequence: validate the request, compare it
// with current state and return early when nothing would change, commit
// the change, resolve recipients from the committed state, read any
// derived state once, build the events and publish them. An action that
// committed but could not publish returns an error wrapping
// ErrEventNotDelivered, so callers can tell a failed change apart from a
// change whose event is not guaranteed.
//
// Linkifier actions publish realm_linkifiers followed by realm_filters,
// both built from one read of the linkifier list.
package actions
