package toml

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/hbci-go/internal/domain"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	config := viper.New()
	config.Set(ProfilesPathKey, filepath.Join(t.TempDir(), "profiles.toml"))
	repo, err := NewRepository(config)
	require.NoError(t, err)
	return repo
}

func TestRepositoryRoundTrip(t *testing.T) {
	t.Parallel()

	repo := newTestRepository(t)
	giro := domain.Profile{Name: "giro", Variant: domain.VariantPinTan, PassportPath: "/tmp/giro.pt", Version: "300", Description: "Main account"}
	anon := domain.Profile{Name: "anon", Variant: domain.VariantAnonymous}

	require.NoError(t, repo.Save(context.Background(), giro))
	require.NoError(t, repo.Save(context.Background(), anon))

	got, err := repo.GetByName(context.Background(), "giro")
	require.NoError(t, err)
	assert.Equal(t, giro, got)

	profiles, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.Profile{anon, giro}, profiles)

	info, err := os.Stat(repo.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(profilesFileMode), info.Mode().Perm())
}

func TestRepositorySaveReplacesByName(t *testing.T) {
	t.Parallel()

	repo := newTestRepository(t)
	require.NoError(t, repo.Save(context.Background(), domain.Profile{Name: "giro", Variant: domain.VariantPinTan, PassportPath: "a.pt"}))
	require.NoError(t, repo.Save(context.Background(), domain.Profile{Name: "giro", Variant: domain.VariantRDH, PassportPath: "b.pt"}))

	profiles, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, domain.VariantRDH, profiles[0].Variant)
}

func TestRepositoryRejectsInvalidProfile(t *testing.T) {
	t.Parallel()

	repo := newTestRepository(t)
	err := repo.Save(context.Background(), domain.Profile{Name: "giro", Variant: domain.VariantPinTan})
	require.ErrorContains(t, err, "passport path is required")

	err = repo.Save(context.Background(), domain.Profile{Name: "x", Variant: "smartcard"})
	require.Error(t, err)
}

func TestRepositoryNotFound(t *testing.T) {
	t.Parallel()

	repo := newTestRepository(t)
	_, err := repo.GetByName(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrProfileNotFound)
	require.ErrorIs(t, repo.Delete(context.Background(), "missing"), domain.ErrProfileNotFound)

	profiles, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, profiles)
}

func TestRepositoryDelete(t *testing.T) {
	t.Parallel()

	repo := newTestRepository(t)
	require.NoError(t, repo.Save(context.Background(), domain.Profile{Name: "anon", Variant: domain.VariantAnonymous}))
	require.NoError(t, repo.Delete(context.Background(), "anon"))

	_, err := repo.GetByName(context.Background(), "anon")
	require.ErrorIs(t, err, domain.ErrProfileNotFound)
}

func TestRepositoryRejectsNewerSchema(t *testing.T) {
	t.Parallel()

	repo := newTestRepository(t)
	require.NoError(t, os.WriteFile(repo.Path(), []byte("version = 9\n"), 0o600))

	_, err := repo.List(context.Background())
	require.ErrorContains(t, err, "unsupported profiles schema version")
}

func TestRepositoryConcurrentSaves(t *testing.T) {
	t.Parallel()

	repo := newTestRepository(t)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "p" + strconv.Itoa(i)
			assert.NoError(t, repo.Save(context.Background(), domain.Profile{Name: name, Variant: domain.VariantAnonymous}))
		}(i)
	}
	wg.Wait()

	profiles, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, profiles, 10)
}
