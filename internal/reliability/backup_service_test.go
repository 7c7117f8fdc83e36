package reliability

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epvlab/epv/internal/database"
)

// fakeStore records uploads and deletes in memory.
type fakeStore struct {
	objects map[string][]byte
	deleted []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (f *fakeStore) Upload(_ context.Context, key string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeStore) List(_ context.Context, prefix string) ([]types.Object, error) {
	var out []types.Object
	for key, data := range f.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, types.Object{
				Key:  aws.String(key),
				Size: aws.Int64(int64(len(data))),
			})
		}
	}
	return out, nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func testDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "cache.db"),
		Name: "cache",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Conn().Exec("CREATE TABLE sample (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)
	_, err = db.Conn().Exec("INSERT INTO sample (v) VALUES ('x')")
	require.NoError(t, err)
	return db
}

func TestBackup_UploadsTimestampedSnapshot(t *testing.T) {
	store := newFakeStore()
	svc := NewBackupService(store, testDB(t), t.TempDir(), 30, zerolog.Nop())

	require.NoError(t, svc.Backup())

	require.Len(t, store.objects, 1)
	for key, data := range store.objects {
		assert.True(t, strings.HasPrefix(key, backupPrefix))
		assert.True(t, strings.HasSuffix(key, ".db"))
		assert.NotEmpty(t, data)
	}
}

func TestListBackups_NewestFirst(t *testing.T) {
	store := newFakeStore()
	svc := NewBackupService(store, testDB(t), t.TempDir(), 30, zerolog.Nop())

	for _, stamp := range []string{"2026-08-01-000000", "2026-08-03-000000", "2026-08-02-000000"} {
		store.objects[backupPrefix+stamp+".db"] = []byte("snapshot")
	}
	store.objects["unrelated.txt"] = []byte("ignored")

	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Equal(t, backupPrefix+"2026-08-03-000000.db", backups[0].Key)
	assert.Equal(t, backupPrefix+"2026-08-01-000000.db", backups[2].Key)
}

func TestRotateOldBackups_KeepsMinimumRegardlessOfAge(t *testing.T) {
	store := newFakeStore()
	svc := NewBackupService(store, testDB(t), t.TempDir(), 1, zerolog.Nop())

	// All three far past retention, but the minimum keeps them.
	for _, stamp := range []string{"2020-01-01-000000", "2020-01-02-000000", "2020-01-03-000000"} {
		store.objects[backupPrefix+stamp+".db"] = []byte("snapshot")
	}

	require.NoError(t, svc.RotateOldBackups(context.Background()))
	assert.Empty(t, store.deleted)
}

func TestRotateOldBackups_DeletesExpiredBeyondMinimum(t *testing.T) {
	store := newFakeStore()
	svc := NewBackupService(store, testDB(t), t.TempDir(), 7, zerolog.Nop())

	recent := time.Now().UTC()
	for i := 0; i < 3; i++ {
		key := backupPrefix + recent.Add(-time.Duration(i)*time.Hour).Format(backupTimeLayout) + ".db"
		store.objects[key] = []byte("snapshot")
	}
	oldKey := backupPrefix + "2020-01-01-000000.db"
	store.objects[oldKey] = []byte("snapshot")

	require.NoError(t, svc.RotateOldBackups(context.Background()))
	require.Len(t, store.deleted, 1)
	assert.Equal(t, oldKey, store.deleted[0])
}
