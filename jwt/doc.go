// Package jwt signs and verifies the subject tokens used as session artifacts.
package jwt
