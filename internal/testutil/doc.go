// Package testutil provides test fixtures and helpers: a controllable clock,
// a registry mirroring the sample identity provider configuration, PKCE pairs
// and small assertion helpers.
package testutil
