package bridge

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveUserIdentifier(t *testing.T) {
	id := uuid.NewString()

	opts := resolveUserIdentifier(id)
	require.Len(t, opts, 2)
	assert.Equal(t, "id", opts[0].column)
	assert.Equal(t, "username", opts[1].column)

	opts = resolveUserIdentifier(" Jane@Example.com ")
	require.Len(t, opts, 2)
	assert.Equal(t, identifierOption{column: "email", value: "jane@example.com"}, opts[0])

	assert.Nil(t, resolveUserIdentifier("  "))
}

func TestLocalUsers_Lookups(t *testing.T) {
	env := newTestEnv(t)
	users := env.repo.Users()
	user := env.createUser(t, "lookup@example.com", RoleEditor, RoleAuthor)
	env.createUser(t, "other@example.com", RoleSubscriber)

	byEmail, err := users.GetByIdentifier(env.ctx, "LOOKUP@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byEmail.ID)
	assert.Equal(t, []string{RoleEditor, RoleAuthor}, byEmail.Roles)

	byName, err := users.GetByIdentifier(env.ctx, "lookup")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byName.ID)

	taken, err := users.UsernameExists(env.ctx, "lookup")
	require.NoError(t, err)
	assert.True(t, taken)

	editors, err := users.ListWithAnyRole(env.ctx, []string{RoleAuthor})
	require.NoError(t, err)
	require.Len(t, editors, 1)
	assert.Equal(t, user.ID, editors[0].ID)

	all, err := users.ListAll(env.ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUserMeta(t *testing.T) {
	env := newTestEnv(t)
	meta := env.repo.Meta()
	user := env.createUser(t, "meta@example.com")

	require.NoError(t, meta.SetMany(env.ctx, user.ID, map[string]string{
		MetaProviderUserID: "p-1",
		MetaSyncStatus:     string(SyncStatusSynced),
		"unrelated":        "x",
	}))
	require.NoError(t, meta.Set(env.ctx, user.ID, MetaSyncStatus, string(SyncStatusSyncFailed)))

	v, ok, err := meta.Get(env.ctx, user.ID, MetaSyncStatus)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, string(SyncStatusSyncFailed), v)

	found, err := meta.FindUserID(env.ctx, MetaProviderUserID, "p-1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, found)

	require.NoError(t, meta.DeletePrefix(env.ctx, user.ID, MetaPrefix))
	all, err := meta.All(env.ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"unrelated": "x"}, all)

	_, err = meta.FindUserID(env.ctx, MetaProviderUserID, "p-1")
	assert.Error(t, err)
}
