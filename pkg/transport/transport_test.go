package transport_test

import (
	"context"
	"testing"

	"github.com/illmade-knight/go-intersection/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSender struct{ address string }

func (s *stubSender) Send(context.Context, []byte) error { return nil }
func (s *stubSender) Address() string                     { return s.address }
func (s *stubSender) Close() error                        { return nil }

func recordingDialer(name string, calls *[]string) transport.Dialer {
	return transport.DialerFunc(func(_ context.Context, address string) (transport.Sender, error) {
		*calls = append(*calls, name+":"+address)
		return &stubSender{address: address}, nil
	})
}

func TestSchemeDialer(t *testing.T) {
	var calls []string
	d := transport.NewSchemeDialer(recordingDialer("fallback", &calls))
	d.Register("PUBSUB", recordingDialer("pubsub", &calls))

	_, err := d.Dial(context.Background(), "pubsub://counts")
	require.NoError(t, err)
	_, err = d.Dial(context.Background(), "tcp://10.0.0.1:5555")
	require.NoError(t, err)

	assert.Equal(t, []string{"pubsub:pubsub://counts", "fallback:tcp://10.0.0.1:5555"}, calls)
}

func TestSchemeDialer_Errors(t *testing.T) {
	d := transport.NewSchemeDialer(nil)

	_, err := d.Dial(context.Background(), "no-scheme")
	require.Error(t, err)

	_, err = d.Dial(context.Background(), "ipc:///tmp/sock")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no dialer registered")
}
