package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Brahmajyot/story-time/internal/domain"
	svix "github.com/svix/svix-webhooks/go"
)

// Identity provider lifecycle event types
const (
	EventUserCreated = "user.created"
	EventUserUpdated = "user.updated"
)

// ProfileEvent is a verified identity provider lifecycle event.
type ProfileEvent struct {
	Type    string
	Profile domain.Profile
}

// Upserts reports whether the event carries profile attributes to store.
func (e *ProfileEvent) Upserts() bool {
	return e.Type == EventUserCreated || e.Type == EventUserUpdated
}

// ProfileEventVerifier authenticates svix-signed identity webhooks.
type ProfileEventVerifier struct {
	wh *svix.Webhook
}

// NewProfileEventVerifier takes the endpoint's signing secret (whsec_...).
func NewProfileEventVerifier(secret string) (*ProfileEventVerifier, error) {
	wh, err := svix.NewWebhook(secret)
	if err != nil {
		return nil, fmt.Errorf("identity webhook secret: %w", err)
	}
	return &ProfileEventVerifier{wh: wh}, nil
}

type identityPayload struct {
	Type string `json:"type"`
	Data struct {
		ID             string `json:"id"`
		FirstName      string `json:"first_name"`
		LastName       string `json:"last_name"`
		EmailAddresses []struct {
			EmailAddress string `json:"email_address"`
		} `json:"email_addresses"`
	} `json:"data"`
}

// Verify checks the svix-id, svix-timestamp and svix-signature headers and
// decodes the event.
func (v *ProfileEventVerifier) Verify(payload []byte, headers http.Header) (*ProfileEvent, error) {
	const op = "identity.verify"

	if err := v.wh.Verify(payload, headers); err != nil {
		return nil, domain.InvalidSignature(err, op)
	}

	var p identityPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, domain.Wrap(err, domain.EINVALID, op, "malformed identity event")
	}

	ev := &ProfileEvent{Type: p.Type}
	if !ev.Upserts() {
		return ev, nil
	}
	if strings.TrimSpace(p.Data.ID) == "" {
		return nil, domain.Wrap(errors.New("missing user id"), domain.EINVALID, op, "malformed identity event")
	}

	ev.Profile = domain.Profile{
		ID:        p.Data.ID,
		FirstName: p.Data.FirstName,
		LastName:  p.Data.LastName,
	}
	if len(p.Data.EmailAddresses) > 0 {
		ev.Profile.Email = p.Data.EmailAddresses[0].EmailAddress
	}
	return ev, nil
}
