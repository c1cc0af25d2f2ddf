package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idot-digital/usersync/internal/models"
	"github.com/idot-digital/usersync/internal/replay"
	"github.com/idot-digital/usersync/internal/signature"
	"github.com/idot-digital/usersync/internal/store"
)

// ============================================================================
// Test Setup
// ============================================================================

var (
	testSecret = "whsec_" + base64.StdEncoding.EncodeToString([]byte("dispatch-test-secret"))
	testNow    = time.Unix(1_760_000_000, 0)
)

// countingStore wraps the memory store and counts calls.
type countingStore struct {
	*store.MemoryStore
	creates, updates, deletes int
	createErr                 error
	updateErr                 error
	deleteErr                 error
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: store.NewMemoryStore()}
}

func (s *countingStore) CreateUser(ctx context.Context, f models.UserFields) (*models.User, error) {
	s.creates++
	if s.createErr != nil {
		return nil, s.createErr
	}
	return s.MemoryStore.CreateUser(ctx, f)
}

func (s *countingStore) UpdateUser(ctx context.Context, id string, f models.UserFields) (*models.User, error) {
	s.updates++
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	return s.MemoryStore.UpdateUser(ctx, id, f)
}

func (s *countingStore) DeleteUser(ctx context.Context, id string) (*models.User, error) {
	s.deletes++
	if s.deleteErr != nil {
		return nil, s.deleteErr
	}
	return s.MemoryStore.DeleteUser(ctx, id)
}

func (s *countingStore) calls() int {
	return s.creates + s.updates + s.deletes
}

type countingVerifier struct {
	inner Verifier
	calls int
}

func (v *countingVerifier) Verify(payload []byte, h signature.Headers, now time.Time) error {
	v.calls++
	return v.inner.Verify(payload, h, now)
}

type recordingMetadata struct {
	calls    int
	subject  string
	metadata map[string]any
	err      error
}

func (m *recordingMetadata) UpdatePublicMetadata(_ context.Context, subject string, md map[string]any) error {
	m.calls++
	m.subject = subject
	m.metadata = md
	return m.err
}

type recordingPublisher struct {
	types []models.EventType
	err   error
}

func (p *recordingPublisher) PublishUserEvent(_ context.Context, t models.EventType, _ string, _ *models.User) error {
	p.types = append(p.types, t)
	return p.err
}

type fixture struct {
	d         *Dispatcher
	store     *countingStore
	verifier  *countingVerifier
	metadata  *recordingMetadata
	publisher *recordingPublisher
	signer    *signature.Signer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	v, err := signature.NewVerifier(testSecret, 5*time.Minute)
	require.NoError(t, err)
	signer, err := signature.NewSigner(testSecret)
	require.NoError(t, err)

	f := &fixture{
		store:     newCountingStore(),
		verifier:  &countingVerifier{inner: v},
		metadata:  &recordingMetadata{},
		publisher: &recordingPublisher{},
		signer:    signer,
	}
	base := []Option{
		WithVerifier(f.verifier),
		WithMetadataWriter(f.metadata),
		WithPublisher(f.publisher),
		WithClock(func() time.Time { return testNow }),
	}
	f.d, err = New(Config{Secret: testSecret}, f.store, append(base, opts...)...)
	require.NoError(t, err)
	return f
}

func (f *fixture) envelope(id string, payload any) models.Envelope {
	body, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return f.rawEnvelope(id, body)
}

func (f *fixture) rawEnvelope(id string, body []byte) models.Envelope {
	h := f.signer.Headers(id, testNow, body)
	return models.Envelope{ID: h.ID, Timestamp: h.Timestamp, Signature: h.Signature, Payload: body}
}

func createdEvent(id, email string) map[string]any {
	return map[string]any{
		"type": "user.created",
		"data": map[string]any{
			"id":              id,
			"email_addresses": []map[string]any{{"email_address": email}},
		},
	}
}

// ============================================================================
// Header validation
// ============================================================================

func TestHandle_MissingHeaders(t *testing.T) {
	f := newFixture(t)
	valid := f.envelope("msg_1", createdEvent("u1", "a@example.com"))

	cases := map[string]func(e *models.Envelope){
		"id":        func(e *models.Envelope) { e.ID = "" },
		"timestamp": func(e *models.Envelope) { e.Timestamp = "" },
		"signature": func(e *models.Envelope) { e.Signature = "" },
		"all":       func(e *models.Envelope) { *e = models.Envelope{Payload: e.Payload} },
		"blank id":  func(e *models.Envelope) { e.ID = "   " },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			env := valid
			mutate(&env)

			result := f.d.Handle(context.Background(), env)
			assert.Equal(t, KindBadRequest, result.Kind)
			assert.Equal(t, http.StatusBadRequest, result.Status)
			assert.Equal(t, models.WebhookResponse{Error: MsgMissingHeaders}, result.Body())
		})
	}
	assert.Zero(t, f.verifier.calls, "verification must not run without headers")
	assert.Zero(t, f.store.calls(), "store must not be touched without headers")
}

// ============================================================================
// Signature verification
// ============================================================================

func TestHandle_VerificationFailure(t *testing.T) {
	f := newFixture(t)
	env := f.envelope("msg_2", createdEvent("u1", "a@example.com"))
	env.Payload = append([]byte(nil), env.Payload...)
	env.Payload[len(env.Payload)-2] ^= 0x01

	result := f.d.Handle(context.Background(), env)
	assert.Equal(t, KindVerificationFailed, result.Kind)
	assert.Equal(t, http.StatusBadRequest, result.Status)
	assert.Equal(t, 1, f.verifier.calls)
	assert.Zero(t, f.store.calls())

	kind, ok := KindOf(result.Err)
	require.True(t, ok)
	assert.Equal(t, KindVerificationFailed, kind)
}

func TestHandle_StaleTimestamp(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"type":"user.deleted","data":{"id":"u1"}}`)
	h := f.signer.Headers("msg_old", testNow.Add(-10*time.Minute), body)

	result := f.d.Handle(context.Background(), models.Envelope{
		ID: h.ID, Timestamp: h.Timestamp, Signature: h.Signature, Payload: body,
	})
	assert.Equal(t, KindVerificationFailed, result.Kind)
	assert.Zero(t, f.store.calls())
}

// ============================================================================
// user.created
// ============================================================================

func TestHandle_UserCreated_NormalizesOptionalFields(t *testing.T) {
	f := newFixture(t)

	result := f.d.Handle(context.Background(), f.envelope("msg_3", createdEvent("u1", "a@example.com")))
	require.True(t, result.OK(), "unexpected failure: %v", result.Err)
	assert.Equal(t, http.StatusOK, result.Status)

	require.NotNil(t, result.User)
	assert.Equal(t, "u1", result.User.ClerkID)
	assert.Equal(t, "a@example.com", result.User.Email)
	assert.Equal(t, "", result.User.FirstName)
	assert.Equal(t, "", result.User.LastName)
	assert.Equal(t, "", result.User.Username)
	assert.Equal(t, "", result.User.Photo)

	body, err := json.Marshal(result.Body())
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "OK", decoded["message"])
	user := decoded["user"].(map[string]any)
	for _, key := range []string{"firstName", "lastName", "username", "photo"} {
		assert.Equal(t, "", user[key], key)
	}

	assert.Equal(t, 1, f.metadata.calls)
	assert.Equal(t, "u1", f.metadata.subject)
	assert.Equal(t, result.User.ID, f.metadata.metadata["userId"])
	assert.Equal(t, []models.EventType{models.EventUserCreated}, f.publisher.types)
}

func TestHandle_UserCreated_AllFields(t *testing.T) {
	f := newFixture(t)
	env := f.envelope("msg_4", map[string]any{
		"type": "user.created",
		"data": map[string]any{
			"id":              "u2",
			"email_addresses": []map[string]any{{"email_address": "first@example.com"}, {"email_address": "second@example.com"}},
			"username":        "ada",
			"first_name":      "Ada",
			"last_name":       "Lovelace",
			"image_url":       "https://img.example.com/ada.png",
		},
	})

	result := f.d.Handle(context.Background(), env)
	require.True(t, result.OK())
	assert.Equal(t, "first@example.com", result.User.Email)
	assert.Equal(t, "ada", result.User.Username)
	assert.Equal(t, "Ada", result.User.FirstName)
	assert.Equal(t, "Lovelace", result.User.LastName)
	assert.Equal(t, "https://img.example.com/ada.png", result.User.Photo)
}

func TestHandle_UserCreated_MissingSubject(t *testing.T) {
	f := newFixture(t)
	env := f.envelope("msg_5", map[string]any{
		"type": "user.created",
		"data": map[string]any{"email_addresses": []map[string]any{{"email_address": "a@example.com"}}},
	})

	result := f.d.Handle(context.Background(), env)
	assert.Equal(t, KindBadEvent, result.Kind)
	assert.Equal(t, http.StatusBadRequest, result.Status)
	assert.Equal(t, models.WebhookResponse{Error: MsgMissingSubject}, result.Body())
	assert.Zero(t, f.store.calls())
}

func TestHandle_UserCreated_MissingEmail(t *testing.T) {
	f := newFixture(t)
	env := f.envelope("msg_6", map[string]any{
		"type": "user.created",
		"data": map[string]any{"id": "u1", "email_addresses": []any{}},
	})

	result := f.d.Handle(context.Background(), env)
	assert.Equal(t, KindBadEvent, result.Kind)
	assert.Zero(t, f.store.calls())
}

func TestHandle_UserCreated_StoreFailureSkipsMetadata(t *testing.T) {
	f := newFixture(t)
	f.store.createErr = errors.New("connection refused")

	result := f.d.Handle(context.Background(), f.envelope("msg_7", createdEvent("u1", "a@example.com")))
	assert.Equal(t, KindDownstreamFailure, result.Kind)
	assert.Equal(t, http.StatusInternalServerError, result.Status)
	assert.Equal(t, models.WebhookResponse{Error: MsgProcessing}, result.Body())
	assert.Zero(t, f.metadata.calls, "metadata write-back must not run after a failed create")
	assert.Empty(t, f.publisher.types)
}

func TestHandle_UserCreated_MetadataFailureIsBestEffort(t *testing.T) {
	f := newFixture(t)
	f.metadata.err = errors.New("identity provider returned status 503")

	result := f.d.Handle(context.Background(), f.envelope("msg_8", createdEvent("u1", "a@example.com")))
	assert.True(t, result.OK())
	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, 1, f.metadata.calls)
}

func TestHandle_UserCreated_Redelivery(t *testing.T) {
	f := newFixture(t)
	first := f.d.Handle(context.Background(), f.envelope("msg_9", createdEvent("u1", "a@example.com")))
	require.True(t, first.OK())

	second := f.d.Handle(context.Background(), f.envelope("msg_10", createdEvent("u1", "a@example.com")))
	require.True(t, second.OK())
	assert.Equal(t, first.User.ID, second.User.ID)
	assert.Equal(t, 2, f.metadata.calls)
}

// ============================================================================
// user.updated
// ============================================================================

func TestHandle_UserUpdated(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.d.Handle(context.Background(), f.envelope("msg_11", createdEvent("u1", "a@example.com"))).OK())

	result := f.d.Handle(context.Background(), f.envelope("msg_12", map[string]any{
		"type": "user.updated",
		"data": map[string]any{
			"id":              "u1",
			"email_addresses": []map[string]any{{"email_address": "changed@example.com"}},
			"first_name":      "Grace",
			"last_name":       nil,
		},
	}))
	require.True(t, result.OK())
	assert.Equal(t, "Grace", result.User.FirstName)
	assert.Equal(t, "", result.User.LastName)
	assert.Equal(t, "a@example.com", result.User.Email, "update must not touch email")
	assert.Equal(t, 1, f.store.updates)
}

func TestHandle_UserUpdated_UnknownSubject(t *testing.T) {
	f := newFixture(t)
	result := f.d.Handle(context.Background(), f.envelope("msg_13", map[string]any{
		"type": "user.updated",
		"data": map[string]any{"id": "ghost"},
	}))
	assert.Equal(t, KindDownstreamFailure, result.Kind)
	assert.Equal(t, http.StatusInternalServerError, result.Status)
}

func TestHandle_UserUpdated_MissingSubject(t *testing.T) {
	f := newFixture(t)
	result := f.d.Handle(context.Background(), f.envelope("msg_14", map[string]any{
		"type": "user.updated",
		"data": map[string]any{"first_name": "x"},
	}))
	assert.Equal(t, KindBadEvent, result.Kind)
	assert.Zero(t, f.store.calls())
}

// ============================================================================
// user.deleted
// ============================================================================

func TestHandle_UserDeleted(t *testing.T) {
	f := newFixture(t)
	created := f.d.Handle(context.Background(), f.envelope("msg_15", createdEvent("u1", "a@example.com")))
	require.True(t, created.OK())

	result := f.d.Handle(context.Background(), f.envelope("msg_16", map[string]any{
		"type": "user.deleted",
		"data": map[string]any{"id": "u1", "deleted": true},
	}))
	require.True(t, result.OK())
	assert.Equal(t, created.User.ID, result.User.ID)

	_, err := f.store.GetUserByClerkID(context.Background(), "u1")
	assert.ErrorIs(t, err, store.ErrUserNotFound)
}

func TestHandle_UserDeleted_Idempotent(t *testing.T) {
	f := newFixture(t)
	result := f.d.Handle(context.Background(), f.envelope("msg_17", map[string]any{
		"type": "user.deleted",
		"data": map[string]any{"id": "never-existed", "deleted": true},
	}))
	assert.True(t, result.OK())
	assert.Equal(t, http.StatusOK, result.Status)
	assert.Nil(t, result.User)
	assert.Equal(t, models.SuccessResponse{Message: MsgOK}, result.Body())
	assert.Equal(t, 1, f.store.deletes)
}

func TestHandle_UserDeleted_StoreFailure(t *testing.T) {
	f := newFixture(t)
	f.store.deleteErr = errors.New("deadlock")
	result := f.d.Handle(context.Background(), f.envelope("msg_18", map[string]any{
		"type": "user.deleted",
		"data": map[string]any{"id": "u1"},
	}))
	assert.Equal(t, KindDownstreamFailure, result.Kind)
}

// ============================================================================
// Unhandled and malformed events
// ============================================================================

func TestHandle_UnhandledEventType(t *testing.T) {
	f := newFixture(t)
	for _, eventType := range []string{"session.created", "organization.updated", ""} {
		result := f.d.Handle(context.Background(), f.envelope("msg_"+eventType, map[string]any{
			"type": eventType,
			"data": map[string]any{"id": "u1"},
		}))
		assert.Equal(t, KindUnhandled, result.Kind, eventType)
		assert.Equal(t, http.StatusBadRequest, result.Status)
		assert.Equal(t, models.WebhookResponse{Message: "Unhandled event type"}, result.Body())
	}
	assert.Zero(t, f.store.calls())
	assert.Zero(t, f.metadata.calls)
}

func TestHandle_MalformedPayload(t *testing.T) {
	f := newFixture(t)
	for i, body := range []string{`{"type":`, `[]`, `{"type":42}`} {
		result := f.d.Handle(context.Background(), f.rawEnvelope(fmt.Sprintf("msg_19_%d", i), []byte(body)))
		assert.Equal(t, KindVerificationFailed, result.Kind, body)
		assert.Equal(t, http.StatusBadRequest, result.Status, body)
		assert.Equal(t, models.WebhookResponse{Error: MsgVerification}, result.Body(), body)
	}
	assert.Zero(t, f.store.calls())
}

func TestHandle_UnhandledTypeWithForeignData(t *testing.T) {
	f := newFixture(t)
	bodies := []string{
		`{"type":"organization.created","data":{"id":"org_1","username":{"x":1}}}`,
		`{"type":"email.created","data":{"id":123}}`,
		`{"type":"future.event","data":["a","b"]}`,
		`{"type":"future.event","data":"opaque"}`,
	}
	for i, body := range bodies {
		result := f.d.Handle(context.Background(), f.rawEnvelope(fmt.Sprintf("msg_foreign_%d", i), []byte(body)))
		assert.Equal(t, KindUnhandled, result.Kind, body)
		assert.Equal(t, http.StatusBadRequest, result.Status, body)
		assert.Equal(t, models.WebhookResponse{Message: MsgUnhandled}, result.Body(), body)
	}
	assert.Zero(t, f.store.calls())
}

func TestHandle_HandledTypeWithMalformedData(t *testing.T) {
	f := newFixture(t)
	result := f.d.Handle(context.Background(), f.rawEnvelope("msg_bad_data", []byte(`{"type":"user.created","data":{"id":123}}`)))
	assert.Equal(t, KindBadEvent, result.Kind)
	assert.Equal(t, MsgInvalidPayload, result.Message)
	assert.Zero(t, f.store.calls())
}

// ============================================================================
// Side effects and replay
// ============================================================================

func TestHandle_PublishFailureIsBestEffort(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("nats: no servers available")

	result := f.d.Handle(context.Background(), f.envelope("msg_20", createdEvent("u1", "a@example.com")))
	assert.True(t, result.OK())
}

func TestHandle_ReplayGuard(t *testing.T) {
	guard := replay.NewMemoryGuard(5 * time.Minute)
	f := newFixture(t, WithReplayGuard(guard))
	env := f.envelope("msg_21", createdEvent("u1", "a@example.com"))

	first := f.d.Handle(context.Background(), env)
	require.True(t, first.OK())

	second := f.d.Handle(context.Background(), env)
	assert.True(t, second.OK())
	assert.Equal(t, MsgDuplicate, second.Message)
	assert.Equal(t, models.WebhookResponse{Message: MsgDuplicate}, second.Body())
	assert.Equal(t, 1, f.store.creates)
}

func TestHandle_ReplayGuardReleasedOnFailure(t *testing.T) {
	guard := replay.NewMemoryGuard(5 * time.Minute)
	f := newFixture(t, WithReplayGuard(guard))
	f.store.createErr = errors.New("timeout")
	env := f.envelope("msg_22", createdEvent("u1", "a@example.com"))

	failed := f.d.Handle(context.Background(), env)
	require.Equal(t, KindDownstreamFailure, failed.Kind)

	f.store.createErr = nil
	retried := f.d.Handle(context.Background(), env)
	assert.True(t, retried.OK())
	assert.Equal(t, MsgOK, retried.Message)
	assert.Equal(t, 2, f.store.creates)
}

// ============================================================================
// Construction and taxonomy
// ============================================================================

func TestNew_MissingSecretIsMisconfigured(t *testing.T) {
	_, err := New(Config{}, store.NewMemoryStore())
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindMisconfigured, kind)

	_, err = New(Config{Secret: testSecret}, nil)
	kind, _ = KindOf(err)
	assert.Equal(t, KindMisconfigured, kind)
}

func TestKindStatusCodes(t *testing.T) {
	want := map[Kind]int{
		KindBadRequest:         http.StatusBadRequest,
		KindVerificationFailed: http.StatusBadRequest,
		KindBadEvent:           http.StatusBadRequest,
		KindUnhandled:          http.StatusBadRequest,
		KindDownstreamFailure:  http.StatusInternalServerError,
		KindMisconfigured:      http.StatusInternalServerError,
	}
	for kind, code := range want {
		assert.Equal(t, code, kind.StatusCode(), string(kind))
	}
}

func TestNewError_CarriesCode(t *testing.T) {
	err := newError(KindDownstreamFailure, MsgProcessing, errors.New("boom"), map[string]any{"subject_id": "u1"})
	assert.Equal(t, http.StatusInternalServerError, err.Code)
	assert.Equal(t, string(KindDownstreamFailure), err.TextCode)
}

type blockingMetadata struct {
	err error
}

func (m *blockingMetadata) UpdatePublicMetadata(ctx context.Context, _ string, _ map[string]any) error {
	<-ctx.Done()
	m.err = ctx.Err()
	return m.err
}

func TestHandle_SideEffectsAreTimeBounded(t *testing.T) {
	signer, err := signature.NewSigner(testSecret)
	require.NoError(t, err)
	slow := &blockingMetadata{}
	d, err := New(Config{Secret: testSecret, SideEffectTimeout: 20 * time.Millisecond}, store.NewMemoryStore(),
		WithMetadataWriter(slow),
		WithClock(func() time.Time { return testNow }),
	)
	require.NoError(t, err)

	body, err := json.Marshal(createdEvent("u_slow", "slow@example.com"))
	require.NoError(t, err)
	h := signer.Headers("msg_slow", testNow, body)

	start := time.Now()
	result := d.Handle(context.Background(), models.Envelope{ID: h.ID, Timestamp: h.Timestamp, Signature: h.Signature, Payload: body})
	elapsed := time.Since(start)

	assert.True(t, result.OK())
	assert.ErrorIs(t, slow.err, context.DeadlineExceeded)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestNew_DefaultSideEffectTimeout(t *testing.T) {
	d, err := New(Config{Secret: testSecret}, store.NewMemoryStore())
	require.NoError(t, err)
	assert.Equal(t, DefaultSideEffectTimeout, d.sideEffectTimeout)
}
