package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsLoopback(t *testing.T) {
	require.True(t, IsLoopback("127.0.0.1"))
	require.True(t, IsLoopback("127.0.0.1:8080"))
	require.True(t, IsLoopback("localhost"))
	require.True(t, IsLoopback("::1"))
	require.False(t, IsLoopback("203.0.113.5"))
	require.False(t, IsLoopback("203.0.113.5:8080"))
}

func TestSessionTTLDefaultsAndClamps(t *testing.T) {
	require.Equal(t, 60*60*1e9, float64(SessionTTL(0)))
	require.Equal(t, 30*60*1e9, float64(SessionTTL(30)))

	max := 7 * 24 * 60 * 60 * 1e9
	require.Equal(t, max, float64(SessionTTL(999999)))
}

func TestSplitCSV(t *testing.T) {
	require.Nil(t, splitCSV(""))
	require.Equal(t, []string{"a", "b", "c"}, splitCSV("a,b,c"))
	require.Equal(t, []string{"a", "b"}, splitCSV(" a , b ,"))
}
