package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-sh/drover/pkg/database"
	"github.com/drover-sh/drover/pkg/masking"
)

// newTestDB opens a migrated throwaway database and returns it with its
// on-disk config so tests can reopen the same file.
func newTestDB(t *testing.T) (*database.Client, database.Config) {
	t.Helper()

	cfg := database.DefaultConfig(t.TempDir())
	client, err := database.NewClient(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, client.Close())
	})
	return client, cfg
}

// newConversationStoreForTest wires a store with the real redactor.
func newConversationStoreForTest(t *testing.T) (*ConversationStore, database.Config) {
	t.Helper()

	client, cfg := newTestDB(t)
	return NewConversationStore(client, masking.NewRedactor()), cfg
}
