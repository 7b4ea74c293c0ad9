// Package scheduler runs the periodic check-and-announce loop over all tenants.
//
// A tick visits tenants sequentially. For each ready tenant it reads persisted
// state, asks the content source for the latest item and announces it when its
// URL differs from the stored one. The first observation for a tenant stores
// the URL and optionally announces it as a "first run". Persisted state is
// written whether or not the announcement was delivered.
//
// Run waits for the warm-up delay, ticks once and then ticks on the configured
// schedule. Ticks never overlap and missed ticks are not caught up.
package scheduler
