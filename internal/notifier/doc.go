// Package notifier formats and delivers tenant announcements.
//
// An announcement is plain text:
//
//	🛰️ [LABEL] SOURCE: clipped title
//	https://item.url
//	> optional excerpt
//
// The bracketed tag is what the status check searches channel history for, so
// every message this package sends for a tenant starts with it.
//
// # Delivery
//
// The Dispatcher resolves the tenant's own connection and alert channel for
// every send. Delivery errors are returned to the caller, which logs them; the
// scheduler advances persisted state regardless. A shared rate limiter bounds
// outbound sends across all tenants.
//
// # History
//
// For operator visibility the Dispatcher keeps a small in-memory history of
// recent deliveries.
package notifier
