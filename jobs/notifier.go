package jobs

import (
	"context"
	"fmt"
)

// EnrollmentNotifier tells a user by email that two-factor
// authentication was switched on for their account. It satisfies the
// twofactor notifier contract while keeping delivery on the queue.
type EnrollmentNotifier struct {
	client *Client
	issuer string
}

// NewEnrollmentNotifier builds a notifier backed by the jobs client.
func NewEnrollmentNotifier(client *Client, issuer string) *EnrollmentNotifier {
	return &EnrollmentNotifier{client: client, issuer: issuer}
}

// NotifyEnrolled enqueues the enrollment email for a user.
func (n *EnrollmentNotifier) NotifyEnrolled(ctx context.Context, userID int64, email string) error {
	_, err := n.client.EnqueueSendEmail(ctx, SendEmailPayload{
		To:      email,
		Subject: fmt.Sprintf("%s: two-factor authentication enabled", n.issuer),
		Body: "Two-factor authentication is now required for your account. " +
			"Open your authenticator app settings to finish setup before your next sign-in.",
	})
	if err != nil {
		return fmt.Errorf("jobs: enqueue enrollment email for user %d: %w", userID, err)
	}
	return nil
}
