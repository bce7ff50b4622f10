// Package cluster holds the types shared by the membership engines: member
// identity, membership records and their freshness ordering, membership
// events, protocol configuration, timing math and correlation ids.
package cluster
