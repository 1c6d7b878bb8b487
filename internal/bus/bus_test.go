package bus

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopBus struct {
	address *url.URL
}

func (b *nopBus) WriteLine(ctx context.Context, line string) error { return nil }
func (b *nopBus) ReadLine(ctx context.Context) (string, error) { return "", nil }
func (b *nopBus) ReadStatusByte(ctx context.Context) (byte, error) { return 0, nil }
func (b *nopBus) Subscribe(handler ServiceRequestHandler) error { return nil }
func (b *nopBus) Unsubscribe() error { return nil }
func (b *nopBus) Close() error { return nil }

func TestOpenDispatchesOnScheme(t *testing.T) {
	Register("nop-test", func(ctx context.Context, address *url.URL) (Bus, error) {
		return &nopBus{address: address}, nil
	})

	b, err := Open(context.Background(), "nop-test://bench?x=1")
	require.NoError(t, err)

	nb, ok := b.(*nopBus)
	require.True(t, ok)
	assert.Equal(t, "bench", nb.address.Host)
	assert.Equal(t, "1", nb.address.Query().Get("x"))
	assert.Contains(t, Drivers(), "nop-test")
}

func TestOpenUnknownScheme(t *testing.T) {
	_, err := Open(context.Background(), "gpib-missing://22")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownDriver))
}

func TestOpenDriverError(t *testing.T) {
	boom := errors.New("boom")
	Register("fail-test", func(ctx context.Context, address *url.URL) (Bus, error) {
		return nil, boom
	})

	_, err := Open(context.Background(), "fail-test://x")
	assert.ErrorIs(t, err, boom)
}

func TestRegisterTwicePanics(t *testing.T) {
	driver := func(ctx context.Context, address *url.URL) (Bus, error) { return nil, nil }
	Register("dup-test", driver)
	assert.Panics(t, func() { Register("dup-test", driver) })
}
