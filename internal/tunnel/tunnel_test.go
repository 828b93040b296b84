package tunnel

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDialer(fn execFunc) *Dialer {
	d := NewDialer("proj-1", zerolog.Nop())
	d.exec = fn
	return d
}

func TestSSHArgs(t *testing.T) {
	args := sshArgs("proj-1", "builder-a", "us-central1-b", "cat /var/lib/quarry/status.json")
	assert.Equal(t, []string{
		"compute", "ssh", "builder-a",
		"--zone=us-central1-b",
		"--project=proj-1",
		"--tunnel-through-iap",
		"--quiet",
		"--command=cat /var/lib/quarry/status.json",
	}, args)
}

func TestChannelRun(t *testing.T) {
	var gotName string
	var gotArgs []string
	d := newTestDialer(func(ctx context.Context, name string, args ...string) ([]byte, int, error) {
		gotName = name
		gotArgs = args
		return []byte("ok\n"), 0, nil
	})

	ch, err := d.Dial("builder-a", "us-central1-b")
	require.NoError(t, err)

	code, out, err := ch.Run(context.Background(), ":")
	require.NoError(t, err)
	assert.Zero(t, code)
	assert.Equal(t, "ok\n", string(out))
	assert.Equal(t, "gcloud", gotName)
	assert.Contains(t, gotArgs, "--tunnel-through-iap")
	assert.Contains(t, gotArgs, "--command=:")
}

func TestChannelRunRemoteExit(t *testing.T) {
	d := newTestDialer(func(ctx context.Context, name string, args ...string) ([]byte, int, error) {
		return []byte("cat: /var/lib/quarry/status.json: No such file or directory\n"), 1, nil
	})

	ch, err := d.Dial("builder-a", "us-central1-b")
	require.NoError(t, err)

	code, _, err := ch.Run(context.Background(), "cat /var/lib/quarry/status.json")
	require.NoError(t, err)
	assert.Equal(t, 1, code)
}

func TestChannelRunConnectivity(t *testing.T) {
	d := newTestDialer(func(ctx context.Context, name string, args ...string) ([]byte, int, error) {
		return []byte("ERROR: (gcloud.compute.ssh) Connection refused\n"), 255, nil
	})

	ch, err := d.Dial("builder-a", "us-central1-b")
	require.NoError(t, err)

	_, _, err = ch.Run(context.Background(), ":")
	require.Error(t, err)

	ce := &ConnectivityError{}
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "builder-a", ce.Node)
	assert.Contains(t, ce.Output, "Connection refused")
}

func TestDialValidation(t *testing.T) {
	d := newTestDialer(nil)

	_, err := d.Dial("", "us-central1-b")
	assert.Error(t, err)

	_, err = d.Dial("builder-a", "")
	assert.Error(t, err)
}

func TestCommandString(t *testing.T) {
	assert.Equal(t,
		"gcloud compute ssh builder-a --zone=us-central1-b --project=proj-1 --tunnel-through-iap",
		CommandString("proj-1", "builder-a", "us-central1-b"))
}
