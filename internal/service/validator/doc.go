// Package validator guards in-place fabric upgrades: a declarative rule table
// classifies settings as Static or Dynamic, and one routine rejects any
// upgrade that changes a Static value.
package validator
