// Package auth composes realm resolution, token validation, identity
// resolution, permission checks and guest sessions into the two operations
// every caller needs: Authenticate and Authorize.
package auth
