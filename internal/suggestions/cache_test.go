package suggestions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"thirdcoast.systems/sceneindex/internal/db"
)

type failingTerms struct{}

func (failingTerms) ListSuggestionTerms(ctx context.Context) (*db.SuggestionTerms, error) {
	return nil, errors.New("catalog unavailable")
}

func TestRefresh_SourceErrorLeavesCacheUntouched(t *testing.T) {
	c := NewCache(nil, failingTerms{})
	err := c.Refresh(context.Background())
	require.ErrorContains(t, err, "catalog unavailable")
}

func TestKeys(t *testing.T) {
	require.Equal(t, "suggestions:faces", liveKey("faces"))
	require.Equal(t, "suggestions:faces:staging", stagingKey("faces"))
}
