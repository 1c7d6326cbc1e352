// Package contracts defines the message envelope and the error taxonomy
// shared by publishers, subscribers, and transport drivers.
//
// The types here are transport-neutral: a driver translates its native
// delivery unit into an Envelope and stashes its position information in
// the opaque Cursor field, which nothing outside that driver inspects.
package contracts
