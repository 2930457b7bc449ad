// Package bridge keeps a local content platform and an external auth
// provider in agreement about who a user is and whether they are logged in.
//
// Identity mapping:
//   - IdentityMapper links one local user to one provider user. Links are
//     inserted atomically, never updated, and only removed by Unsync, which
//     also drops every bridge_ meta key and the cached session.
//   - LinkOrCreateLocalUser resolves provider identities that arrive without
//     a link, matching by email before creating a local account.
//
// Sessions:
//   - SessionManager creates local sessions for linked users, validates
//     inbound provider bearer tokens against live provider sessions and
//     mints the local session cookie. Mapping lookups retry through a
//     RetryPolicy and fall back to the meta store when the mapping table is
//     unreachable.
//
// Sync:
//   - SyncOrchestrator pushes local profile changes to the provider inside a
//     provider store transaction and runs bulk reconciliation and imports.
//   - PolicyEngine decides which users are synced from their roles. Locked
//     roles are never synced automatically.
//
// Inbound traffic:
//   - WebhookHandler applies provider events. HTTPController exposes every
//     operation over go-router and guards machine routes with the shared
//     secret signature middleware.
//
// Events are delivered best effort to an EventSink.
package bridge
