package audit

import (
	"context"
	"fmt"
	"io/fs"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMemoryRecordAssignsIDs(t *testing.T) {
	m := NewMemory(0)
	e, err := m.Record(context.Background(), Entry{UserID: 1, Action: ActionEdit, Target: "AB-1"})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, e.ID)
	require.False(t, e.At.IsZero())
}

func TestMemoryRecentNewestFirstAndCapped(t *testing.T) {
	m := NewMemory(3)
	ctx := context.Background()
	for i := range 5 {
		_, err := m.Record(ctx, Entry{Action: ActionPayment, Target: fmt.Sprintf("P-%d", i)})
		require.NoError(t, err)
	}
	got, err := m.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "P-4", got[0].Target)
	require.Equal(t, "P-2", got[2].Target)

	got, err = m.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestMigrationsEmbedded(t *testing.T) {
	up, err := fs.Glob(Migrations(), "*.up.sql")
	require.NoError(t, err)
	require.Equal(t, []string{"0001_audit_log.up.sql"}, up)

	body, err := fs.ReadFile(Migrations(), "0001_audit_log.up.sql")
	require.NoError(t, err)
	require.Contains(t, string(body), "audit_log")
}
