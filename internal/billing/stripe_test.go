package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/Brahmajyot/story-time/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

const testSecret = "whsec_test_secret"

func signed(t *testing.T, payload string, secret string, ts time.Time) (body []byte, header string) {
	t.Helper()
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: ts,
		Scheme:    "v1",
	})
	return sp.Payload, sp.Header
}

func eventJSON(id, typ, object string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":1700000000,"api_version":"2024-06-20","data":{"object":%s}}`, id, typ, object)
}

// =============================================================================
// Verify
// =============================================================================

func TestVerify_CheckoutPayPerUse(t *testing.T) {
	payload := eventJSON("evt_1", "checkout.session.completed",
		`{"id":"cs_1","object":"checkout.session","customer":"cus_1","client_reference_id":"user_1","metadata":{"subscription_type":"payperuse","credits":"3"}}`)
	body, header := signed(t, payload, testSecret, time.Now())

	ev, err := NewStripeVerifier(testSecret, 0).Verify(body, header)
	require.NoError(t, err)

	co, ok := ev.(domain.CheckoutCompleted)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "evt_1", co.ID)
	assert.Equal(t, "cus_1", co.CustomerRef)
	assert.Equal(t, "user_1", co.PrincipalID)
	assert.Equal(t, domain.TierPayPerUse, co.Kind)
	assert.Equal(t, 3, co.CreditAmount)
	assert.NotEmpty(t, co.Payload)
}

func TestVerify_CheckoutDefaultsToUnlimited(t *testing.T) {
	payload := eventJSON("evt_2", "checkout.session.completed",
		`{"id":"cs_2","object":"checkout.session","customer":"cus_1","subscription":"sub_1"}`)
	body, header := signed(t, payload, testSecret, time.Now())

	ev, err := NewStripeVerifier(testSecret, 0).Verify(body, header)
	require.NoError(t, err)

	co := ev.(domain.CheckoutCompleted)
	assert.Equal(t, domain.TierUnlimited, co.Kind)
	assert.Equal(t, "sub_1", co.SubscriptionRef)
	assert.Empty(t, co.PrincipalID)
}

func TestVerify_SubscriptionEvents(t *testing.T) {
	tests := []struct {
		name       string
		typ        string
		status     string
		wantActive bool
	}{
		{"updated active", "customer.subscription.updated", "active", true},
		{"updated past due", "customer.subscription.updated", "past_due", false},
		{"deleted", "customer.subscription.deleted", "active", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := eventJSON("evt_s", tt.typ,
				fmt.Sprintf(`{"id":"sub_1","object":"subscription","customer":"cus_1","status":%q}`, tt.status))
			body, header := signed(t, payload, testSecret, time.Now())

			ev, err := NewStripeVerifier(testSecret, 0).Verify(body, header)
			require.NoError(t, err)

			sc, ok := ev.(domain.SubscriptionChanged)
			require.True(t, ok, "got %T", ev)
			assert.Equal(t, "cus_1", sc.CustomerRef)
			assert.Equal(t, "sub_1", sc.SubscriptionRef)
			assert.Equal(t, tt.wantActive, sc.Active())
		})
	}
}

func TestVerify_PaymentFailed(t *testing.T) {
	payload := eventJSON("evt_3", "invoice.payment_failed",
		`{"id":"in_1","object":"invoice","customer":"cus_1","subscription":"sub_1"}`)
	body, header := signed(t, payload, testSecret, time.Now())

	ev, err := NewStripeVerifier(testSecret, 0).Verify(body, header)
	require.NoError(t, err)

	pf, ok := ev.(domain.PaymentFailed)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "cus_1", pf.CustomerRef)
	assert.Equal(t, "sub_1", pf.SubscriptionRef)
}

func TestVerify_UnhandledType(t *testing.T) {
	payload := eventJSON("evt_4", "customer.created", `{"id":"cus_1","object":"customer"}`)
	body, header := signed(t, payload, testSecret, time.Now())

	ev, err := NewStripeVerifier(testSecret, 0).Verify(body, header)
	require.NoError(t, err)
	assert.IsType(t, domain.UnhandledEvent{}, ev)
}

func TestVerify_RejectsInauthentic(t *testing.T) {
	payload := eventJSON("evt_1", "checkout.session.completed",
		`{"id":"cs_1","object":"checkout.session","customer":"cus_1","metadata":{"subscription_type":"payperuse","credits":"3"}}`)

	tests := []struct {
		name   string
		body   func() ([]byte, string)
		secret string
	}{
		{"wrong secret", func() ([]byte, string) { return signed(t, payload, "whsec_other", time.Now()) }, testSecret},
		{"stale timestamp", func() ([]byte, string) { return signed(t, payload, testSecret, time.Now().Add(-time.Hour)) }, testSecret},
		{"tampered body", func() ([]byte, string) {
			_, header := signed(t, payload, testSecret, time.Now())
			return []byte(payload[:len(payload)-2] + ` }`), header
		}, testSecret},
		{"missing header", func() ([]byte, string) { return []byte(payload), "" }, testSecret},
		{"unconfigured secret", func() ([]byte, string) { return signed(t, payload, testSecret, time.Now()) }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, header := tt.body()
			ev, err := NewStripeVerifier(tt.secret, 5*time.Minute).Verify(body, header)
			require.Error(t, err)
			assert.Nil(t, ev)
			assert.ErrorIs(t, err, domain.ErrInvalidSignature)
			assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
		})
	}
}

func TestVerify_MalformedAuthenticPayload(t *testing.T) {
	tests := []struct {
		name   string
		object string
	}{
		{"no customer", `{"id":"cs_1","object":"checkout.session"}`},
		{"customer of the wrong type", `{"id":"cs_1","object":"checkout.session","customer":42}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, header := signed(t, eventJSON("evt_m", "checkout.session.completed", tt.object), testSecret, time.Now())

			_, err := NewStripeVerifier(testSecret, 0).Verify(body, header)
			require.Error(t, err)
			assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
			assert.NotErrorIs(t, err, domain.ErrInvalidSignature)
		})
	}
}

func TestVerify_CheckoutKindFallbacks(t *testing.T) {
	tests := []struct {
		name        string
		metadata    string
		wantKind    domain.Tier
		wantCredits int
	}{
		{"unknown kind buys unlimited", `{"subscription_type":"premium"}`, domain.TierUnlimited, 0},
		{"free kind buys unlimited", `{"subscription_type":"free"}`, domain.TierUnlimited, 0},
		{"missing kind buys unlimited", `{}`, domain.TierUnlimited, 0},
		{"payperuse with amount", `{"subscription_type":"payperuse","credits":"4"}`, domain.TierPayPerUse, 4},
		{"unreadable amount", `{"subscription_type":"payperuse","credits":"three"}`, domain.TierPayPerUse, 0},
		{"negative amount", `{"subscription_type":"payperuse","credits":"-2"}`, domain.TierPayPerUse, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			object := `{"id":"cs_1","object":"checkout.session","customer":"cus_1","metadata":` + tt.metadata + `}`
			body, header := signed(t, eventJSON("evt_k", "checkout.session.completed", object), testSecret, time.Now())

			ev, err := NewStripeVerifier(testSecret, 0).Verify(body, header)
			require.NoError(t, err)

			cc, ok := ev.(domain.CheckoutCompleted)
			require.True(t, ok, "got %T", ev)
			assert.Equal(t, tt.wantKind, cc.Kind)
			assert.Equal(t, tt.wantCredits, cc.CreditAmount)
		})
	}
}

// =============================================================================
// Checkout
// =============================================================================

func newTestService(t *testing.T, handler http.HandlerFunc) Service {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return NewStripeService("sk_test_123", PriceConfig{
		UnlimitedPriceID: "price_unlimited",
		CreditPriceID:    "price_credit",
	}, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
}

func TestCreateCheckoutSession_PayPerUse(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		require.NoError(t, r.ParseForm())
		form := r.PostForm

		assert.Equal(t, "cus_1", form.Get("customer"))
		assert.Equal(t, "user_1", form.Get("client_reference_id"))
		assert.Equal(t, "payment", form.Get("mode"))
		assert.Equal(t, "price_credit", form.Get("line_items[0][price]"))
		assert.Equal(t, "3", form.Get("line_items[0][quantity]"))
		assert.Equal(t, "payperuse", form.Get("metadata[subscription_type]"))
		assert.Equal(t, "3", form.Get("metadata[credits]"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "cs_1",
			"object": "checkout.session",
			"url":    "https://checkout.stripe.com/c/pay/cs_1",
		})
	})

	u, err := svc.CreateCheckoutSession(context.Background(), CheckoutParams{
		PrincipalID: "user_1",
		CustomerRef: "cus_1",
		Kind:        domain.TierPayPerUse,
		Credits:     3,
		SuccessURL:  "http://localhost/success",
		CancelURL:   "http://localhost/cancel",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_1", u)
}

func TestCreateCheckoutSession_InvalidKind(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no API call expected")
	})

	_, err := svc.CreateCheckoutSession(context.Background(), CheckoutParams{Kind: domain.TierFree})
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	_, err = svc.CreateCheckoutSession(context.Background(), CheckoutParams{Kind: domain.TierPayPerUse})
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestCreateCustomer(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/customers", r.URL.Path)
		body, err := url.ParseQuery(readBody(t, r))
		require.NoError(t, err)
		assert.Equal(t, "parent@example.com", body.Get("email"))
		assert.Equal(t, "user_1", body.Get("metadata[principal_id]"))

		_ = json.NewEncoder(w).Encode(map[string]any{"id": "cus_new", "object": "customer"})
	})

	id, err := svc.CreateCustomer(context.Background(), "user_1", "parent@example.com", "")
	require.NoError(t, err)
	assert.Equal(t, "cus_new", id)
}

func readBody(t *testing.T, r *http.Request) string {
	t.Helper()
	require.NoError(t, r.ParseForm())
	return r.PostForm.Encode()
}
