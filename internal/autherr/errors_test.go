package autherr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	require.Equal(t, "", KindOf(nil))
	require.Equal(t, "NotFound", KindOf(ErrNotFound))
	require.Equal(t, "Expired", KindOf(fmt.Errorf("state abc: %w", ErrExpired)))
	require.Equal(t, "SendFailed", KindOf(fmt.Errorf("dispatch: %w", fmt.Errorf("sms: %w", ErrSendFailed))))
	require.Equal(t, KindInternal, KindOf(errors.New("redis: connection refused")))
}
