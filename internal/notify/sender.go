package notify

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
)

// ErrUnregistered is returned when the gateway reports the device token as
// no longer valid.
var ErrUnregistered = errors.New("push token unregistered")

// Notification is one push message to one device.
type Notification struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
}

type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// FCMSender delivers through Firebase Cloud Messaging.
type FCMSender struct {
	client *messaging.Client
}

// NewFCMSender initialises a Firebase app from a service account file.
func NewFCMSender(ctx context.Context, credentialsFile string) (*FCMSender, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase messaging: %w", err)
	}
	return &FCMSender{client: client}, nil
}

func (s *FCMSender) Send(ctx context.Context, n Notification) error {
	_, err := s.client.Send(ctx, &messaging.Message{
		Token: n.Token,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Data: n.Data,
	})
	if err != nil {
		if messaging.IsUnregistered(err) {
			return fmt.Errorf("%w: %v", ErrUnregistered, err)
		}
		return fmt.Errorf("fcm send: %w", err)
	}
	return nil
}

// LogSender only logs. It stands in for the gateway when no credentials are
// configured.
type LogSender struct {
	Log zerolog.Logger
}

func (s LogSender) Send(_ context.Context, n Notification) error {
	ev := s.Log.Info().Str("title", n.Title).Str("body", n.Body)
	for k, v := range n.Data {
		ev = ev.Str(k, v)
	}
	ev.Msg("push notification (not delivered)")
	return nil
}

// RateLimitedSender caps the send rate towards the gateway. Send blocks until
// a token is available or ctx is done.
type RateLimitedSender struct {
	next    Sender
	limiter *rate.Limiter
}

// NewRateLimitedSender wraps next; a non-positive perSecond disables limiting
// and returns next unchanged.
func NewRateLimitedSender(next Sender, perSecond float64, burst int) Sender {
	if perSecond <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedSender{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (s *RateLimitedSender) Send(ctx context.Context, n Notification) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return s.next.Send(ctx, n)
}
