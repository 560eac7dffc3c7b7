// Package jwt implements the signed-token codec used by the session engine:
// asymmetric signing (EdDSA or RS256), a fixed claim schema with an explicit
// type discriminator, and decode-time classification of failures into
// malformed, signature-invalid, and expired.
package jwt
