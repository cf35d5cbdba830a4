// Package auth carries the authenticated identity through request handling.
//
// Credential validation (sessions, SAML, JWT) lives outside this service; a
// Verifier implementation supplied at startup resolves each request to an
// Identity, and the middleware makes it available on the request context.
package auth
