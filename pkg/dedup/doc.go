// Package dedup provides idempotency guards for domain actions that may be
// invoked more than once for one logical change, such as a retried HTTP
// request. RedisGuard shares keys across server instances with SETNX;
// MemoryGuard serves single-node deployments.
package dedup
