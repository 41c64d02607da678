package relay

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/udprelayd/internal/configfile"
)

func TestNewBuildsRelayFromConfig(t *testing.T) {
	src := `
listen 127.0.0.1:0
forward 127.0.0.1:0
relay local 127.0.0.1:0 remote 127.0.0.1:0
relay local 127.0.0.1:0 remote 127.0.0.1:0
track 4
`
	cfg, err := configfile.Parse(strings.NewReader(src))
	require.NoError(t, err)

	r, err := New(cfg, nil)
	require.NoError(t, err)
	defer r.Shutdown()

	require.Equal(t, 2, r.RelayCount())
}

func TestNewRejectsNilConfig(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)
}

func TestNewCleansUpOnRelayFailure(t *testing.T) {
	src := `
listen 127.0.0.1:0
relay local bogus-host-that-does-not-resolve:0 remote 127.0.0.1:0
`
	cfg, err := configfile.Parse(strings.NewReader(src))
	require.NoError(t, err)

	_, err = New(cfg, nil)
	require.Error(t, err)
}
