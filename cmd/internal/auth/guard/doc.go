// Package guard enforces session requirements on HTTP requests.
//
// A Guard resolves the caller's session from the session cookie or a bearer
// header, validates it through the session Manager, records the access with
// the Monitor, and checks role and multi-factor requirements. It stores
// nothing itself.
package guard
