package passphrase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bnema/hbci-go/internal/domain"
	"github.com/bnema/hbci-go/internal/ports"
	portmocks "github.com/bnema/hbci-go/internal/ports/mocks"
)

var loadReq = domain.CallbackRequest{Reason: domain.ReasonNeedPassphraseLoad, Kind: domain.AnswerSecret}

func inner(answer string, calls *int) ports.Callback {
	return ports.CallbackFunc(func(context.Context, domain.CallbackRequest) (string, error) {
		*calls++
		return answer, nil
	})
}

func TestLoadUsesStoredPassphrase(t *testing.T) {
	t.Parallel()

	store := portmocks.NewMockSecretStore(t)
	store.EXPECT().Get(mock.Anything, Key("giro")).Return("stored", nil).Once()

	calls := 0
	cb := New(inner("typed", &calls), store, Key("giro"), nil)

	got, err := cb.Ask(context.Background(), loadReq)
	require.NoError(t, err)
	assert.Equal(t, "stored", got)
	assert.Zero(t, calls)
}

func TestLoadAsksAndRemembersWhenMissing(t *testing.T) {
	t.Parallel()

	store := portmocks.NewMockSecretStore(t)
	store.EXPECT().Get(mock.Anything, Key("giro")).Return("", domain.ErrSecretNotFound).Once()
	store.EXPECT().Put(mock.Anything, Key("giro"), "typed").Return(nil).Once()

	calls := 0
	cb := New(inner("typed", &calls), store, Key("giro"), nil)

	got, err := cb.Ask(context.Background(), loadReq)
	require.NoError(t, err)
	assert.Equal(t, "typed", got)
	assert.Equal(t, 1, calls)
}

func TestRejectedPassphraseIsDropped(t *testing.T) {
	t.Parallel()

	store := portmocks.NewMockSecretStore(t)
	store.EXPECT().Get(mock.Anything, Key("giro")).Return("stale", nil).Once()
	store.EXPECT().Delete(mock.Anything, Key("giro")).Return(nil).Once()
	store.EXPECT().Put(mock.Anything, Key("giro"), "typed").Return(nil).Once()

	calls := 0
	cb := New(inner("typed", &calls), store, Key("giro"), nil)

	first, err := cb.Ask(context.Background(), loadReq)
	require.NoError(t, err)
	assert.Equal(t, "stale", first)

	second, err := cb.Ask(context.Background(), loadReq)
	require.NoError(t, err)
	assert.Equal(t, "typed", second)
	assert.Equal(t, 1, calls)
}

func TestSaveRemembersAndStoreErrorsAreNotFatal(t *testing.T) {
	t.Parallel()

	store := portmocks.NewMockSecretStore(t)
	store.EXPECT().Put(mock.Anything, Key("giro"), "new").Return(errors.New("disk full")).Once()

	calls := 0
	cb := New(inner("new", &calls), store, Key("giro"), nil)

	got, err := cb.Ask(context.Background(), domain.CallbackRequest{Reason: domain.ReasonNeedPassphraseSave})
	require.NoError(t, err)
	assert.Equal(t, "new", got)
}

func TestOtherReasonsPassThrough(t *testing.T) {
	t.Parallel()

	store := portmocks.NewMockSecretStore(t)
	calls := 0
	cb := New(inner("1234", &calls), store, Key("giro"), nil)

	got, err := cb.Ask(context.Background(), domain.CallbackRequest{Reason: domain.ReasonNeedPIN})
	require.NoError(t, err)
	assert.Equal(t, "1234", got)

	_, err = New(nil, store, Key("giro"), nil).Ask(context.Background(), domain.CallbackRequest{Reason: domain.ReasonNeedPIN})
	require.ErrorIs(t, err, domain.ErrMissingCallback)
}
