package tokens

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhub/loomhub/db"
	"github.com/loomhub/loomhub/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return New(store.NewTokenStore(conn), store.NewRegistrationStore(conn), 100, 100)
}

func TestService_CreateAndValidate(t *testing.T) {
	svc := newTestService(t)

	rec, plain, err := svc.Create(CreateInput{Name: "ci-runner", Scope: store.ScopeInstance})
	require.NoError(t, err)
	assert.NotEmpty(t, plain)
	assert.NotEqual(t, plain, rec.TokenHash, "plaintext must never equal the stored hash")

	validated, err := svc.Validate(plain)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, validated.ID)
}

func TestService_ValidateRejectsUnknownToken(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Validate("wt_not-a-real-token")
	assert.Error(t, err)
}

func TestService_RevokeIsIdempotentAndBlocksValidation(t *testing.T) {
	svc := newTestService(t)

	_, plain, err := svc.Create(CreateInput{Name: "disposable"})
	require.NoError(t, err)

	rec, err := svc.findByPlaintext(plain)
	require.NoError(t, err)
	require.NotNil(t, rec)

	require.NoError(t, svc.Revoke(rec.ID))
	require.NoError(t, svc.Revoke(rec.ID), "revoking twice must not error")

	_, err = svc.Validate(plain)
	assert.Error(t, err)
}

func TestAuthorizeAssignment_ScopeSemantics(t *testing.T) {
	instance := &store.WorkerToken{Scope: store.ScopeInstance}
	assert.True(t, AuthorizeAssignment(instance, "any-hub", "any-project"))

	group := &store.WorkerToken{Scope: store.ScopeGroup, HubID: "hub-1"}
	assert.True(t, AuthorizeAssignment(group, "hub-1", ""))
	assert.False(t, AuthorizeAssignment(group, "hub-2", ""))

	project := &store.WorkerToken{Scope: store.ScopeProject, ProjectFilter: "acme"}
	assert.True(t, AuthorizeAssignment(project, "", "acme"))
	assert.False(t, AuthorizeAssignment(project, "", "other"))
}

func TestService_RegisterWorker_IntersectsCapabilities(t *testing.T) {
	svc := newTestService(t)

	rec, _, err := svc.Create(CreateInput{
		Name:         "scoped",
		Capabilities: []string{"observation:sdk", "summarize:mistral"},
	})
	require.NoError(t, err)

	_, effective, err := svc.RegisterWorker(rec, "host-1:1234",
		[]string{"observation:sdk", "embedding:local"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"observation:sdk"}, effective)
}
