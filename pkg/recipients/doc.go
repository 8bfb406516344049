// Package recipients maps a logical audience ("all active users of realm R",
// "these users", "admins of R") to the concrete set of user IDs that should
// receive an event.
//
// Resolution always reads live membership state and never caches, so domain
// actions call Resolve only after their mutation has committed. A realm with
// no matching users resolves to an empty Set; a storage failure resolves to
// an error wrapping ErrResolve and no set at all.
package recipients
