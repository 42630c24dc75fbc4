package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/illmade-knight/go-intersection/pkg/config"
	"github.com/illmade-knight/go-intersection/pkg/messagepipeline"
	"github.com/illmade-knight/go-intersection/pkg/topology"
	"github.com/illmade-knight/go-intersection/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	cfg := config.NewNodeConfigDefaults()
	cfg.LogLevel = "warn"

	var buf bytes.Buffer
	logger, err := newLogger(cfg, &buf)
	require.NoError(t, err)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"service":"intersection"`)
	assert.Contains(t, buf.String(), `"message":"shown"`)

	cfg.LogFormat = config.LogFormatConsole
	buf.Reset()
	logger, err = newLogger(cfg, &buf)
	require.NoError(t, err)
	logger.Warn().Msg("console line")
	assert.Contains(t, buf.String(), "console line")
	assert.NotContains(t, buf.String(), `"message"`)

	cfg.LogLevel = "loud"
	_, err = newLogger(cfg, &buf)
	require.Error(t, err)
}

func TestStaticSnapshot(t *testing.T) {
	cfg := config.NewNodeConfigDefaults()
	cfg.Output.Destinations = []config.DestinationConfig{
		{ProcessUUID: "c-1", ProcessName: "counter-1", Address: "tcp://counter-1:5555"},
		{Address: "tcp://anonymous:5555"},
	}

	u := staticSnapshot(cfg)
	assert.Equal(t, topology.KindSnapshot, u.Kind)
	require.Len(t, u.Destinations, 2)
	assert.Equal(t, "c-1", u.Destinations[0].ID())
	assert.Equal(t, "tcp://anonymous:5555", u.Destinations[1].ID())
	assert.Equal(t, map[string]string{"c-1": "counter-1"}, u.Names)
}

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("processing:\n  mode: batch\n  batch_limit: 10\n"), 0o600))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", "--config", path})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "configuration is valid")

	require.NoError(t, os.WriteFile(path, []byte("processing:\n  mode: sometimes\n"), 0o600))
	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"validate", "--config", path})
	require.ErrorIs(t, cmd.Execute(), config.ErrInvalid)
}

func TestNewNode_AnnouncesRoutableAddress(t *testing.T) {
	registry, err := topology.NewRegistry(topology.NewInMemoryPresenceStore[string, topology.Registration](), nil, time.Minute, zerolog.Nop())
	require.NoError(t, err)
	disc := &discovery{source: topology.NewChannelSource(1), registry: registry}

	receiver, err := transport.ListenNanomsg("tcp://*:0", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = receiver.Close() })

	cfg := config.NewNodeConfigDefaults()
	cfg.Input.Stream = "words"
	cfg.Processing.PollTimeout = 20 * time.Millisecond
	cfg.Processing.SendControlMessages = false
	dialer := newDialer(nil, zerolog.Nop())

	_, err = newNode(cfg, receiver, dialer, disc, nil, zerolog.Nop())
	require.ErrorIs(t, err, transport.ErrUnroutable, "0.0.0.0 is not announced")

	cfg.Input.AdvertiseHost = "127.0.0.1"
	node, err := newNode(cfg, receiver, dialer, disc, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))

	var announced []topology.Destination
	require.Eventually(t, func() bool {
		announced, err = registry.Snapshot(context.Background(), "words")
		return err == nil && len(announced) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, node.Address(), announced[0].Address)
	assert.Regexp(t, `^tcp://127\.0\.0\.1:[1-9][0-9]*$`, announced[0].Address)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, node.Stop(ctx))
	announced, err = registry.Snapshot(context.Background(), "words")
	require.NoError(t, err)
	assert.Empty(t, announced, "stopping withdraws the announcement")
}

func TestRun_RelaysBetweenNanomsgPeers(t *testing.T) {
	suffix := time.Now().UnixNano()
	inAddr := fmt.Sprintf("inproc://relay-in-%d", suffix)
	outAddr := fmt.Sprintf("inproc://relay-out-%d", suffix)

	sink, err := transport.ListenNanomsg(outAddr, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	cfg := config.NewNodeConfigDefaults()
	cfg.HTTPPort = "127.0.0.1:0"
	cfg.ProcessName = "relay-test"
	cfg.Input.Address = inAddr
	cfg.Output.GroupingField = "word"
	cfg.Output.Destinations = []config.DestinationConfig{{ProcessUUID: "sink", Address: outAddr}}
	cfg.Processing.PollTimeout = 20 * time.Millisecond
	cfg.Processing.SendControlMessages = false
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- run(ctx, cfg, zerolog.Nop()) }()

	upstream, err := transport.DialNanomsg(transport.NewNanomsgDefaults(), inAddr, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = upstream.Close() })

	data, err := json.Marshal(messagepipeline.MessageData{
		ID:      "m1",
		Payload: map[string]interface{}{"word": "hello", "count": 1},
	})
	require.NoError(t, err)

	// The node may pick up the first record before its destination is
	// connected, in which case that result is discarded; keep sending.
	var got messagepipeline.MessageData
	require.Eventually(t, func() bool {
		if err := upstream.Send(ctx, data); err != nil {
			return false
		}
		raw, err := sink.Receive(ctx, 200*time.Millisecond)
		if err != nil {
			return false
		}
		return json.Unmarshal(raw, &got) == nil
	}, 15*time.Second, 10*time.Millisecond)

	assert.Equal(t, "m1", got.ParentID)
	assert.Equal(t, "hello", got.GroupingValue)
	assert.NotEmpty(t, got.Producer)
	assert.Equal(t, map[string]interface{}{"word": "hello", "count": 1.0}, got.Payload)

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}
