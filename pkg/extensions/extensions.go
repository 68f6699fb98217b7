// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the seams where deployments customize the
// gateway without forking it.
//
// The open source build ships working defaults for every extension point:
// token validation backed by the local user table and audit events routed
// to the structured log. Commercial or site-specific builds swap in their
// own implementations through ServiceOptions at startup; nothing else in
// the codebase changes.
//
// Extension points:
//
//   - AuthProvider: turns a bearer credential into an identity.
//   - AuditLogger: receives security-relevant events.
//
// All implementations must be safe for concurrent use.
package extensions

// ServiceOptions carries the pluggable implementations a service is
// constructed with. Fields left nil get the open source default.
//
// Example:
//
//	opts := extensions.DefaultOptions()
//	opts.AuthProvider = myProvider
//	routes.SetupRoutes(router, routes.Dependencies{Options: opts /* ... */})
type ServiceOptions struct {
	// AuthProvider validates tokens on every request. Default: a
	// StaticAuthProvider that treats every caller as "local-user";
	// the gateway replaces this with its JWT-backed provider.
	AuthProvider AuthProvider

	// AuditLogger receives audit events. Default: SlogAuditLogger.
	AuditLogger AuditLogger
}

// DefaultOptions returns ServiceOptions populated with the open source
// default for every extension point. Never returns nil fields.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider: &StaticAuthProvider{},
		AuditLogger:  &SlogAuditLogger{},
	}
}

// WithDefaults fills any nil field with the open source default and
// returns the result. The receiver is not modified.
func (o ServiceOptions) WithDefaults() ServiceOptions {
	defaults := DefaultOptions()
	if o.AuthProvider == nil {
		o.AuthProvider = defaults.AuthProvider
	}
	if o.AuditLogger == nil {
		o.AuditLogger = defaults.AuditLogger
	}
	return o
}
