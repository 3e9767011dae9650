// Package notify implements the out-of-band notification adapter
// boundary spec.md §4.9 calls for ("notify the user out-of-band —
// adapter boundary"): email/SMS/push delivery for CIBA requests and
// email-OTP codes (spec §4.8).
package notify

import "context"

// Message is an out-of-band notification to deliver to a user.
type Message struct {
	Recipient string // email address, phone number, or opaque push target
	Subject   string
	Body      string
}

// Adapter delivers a Message over one out-of-band channel. Failure to
// deliver is logged by the caller and never rolls back the operation that
// triggered the notification (spec §9: "failure is logged but does not
// roll back the approval").
type Adapter interface {
	Send(ctx context.Context, msg Message) error
}
