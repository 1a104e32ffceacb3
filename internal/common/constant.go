// Package common contains shared constants and sentinel errors used across
// gatekeeper components.
package common

// AuthorizationHeaderName is the HTTP header used to carry the access token
// on authenticated requests, as "Bearer <token>".
const AuthorizationHeaderName = "Authorization"

// BearerPrefix prefixes the access token inside AuthorizationHeaderName.
const BearerPrefix = "Bearer "
