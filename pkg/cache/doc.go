// Package cache keeps metadata GET responses of the marketing API in Redis.
//
// Only slowly changing resources go through it: list settings, merge-field
// definitions and segment descriptions. Batch status and batch results are
// never cached since polling must observe the remote state. A write through
// the client drops the cached responses of the endpoint it wrote to.
//
// Keys are scoped by account so that invocations against different data
// centers sharing one Redis never see each other's entries:
//
//	mc:us6:lists/8adfbf295d/segments/42?fields=id%2Cname
//
// # Metrics
//
//   - mc_cache_hits_total
//   - mc_cache_misses_total
//   - mc_cache_errors_total{operation}
//   - mc_cache_invalidated_total
package cache
