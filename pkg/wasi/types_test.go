package wasi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRights_Has(t *testing.T) {
	r := RightFdRead | RightFdWrite
	require.True(t, r.Has(RightFdRead))
	require.True(t, r.Has(RightFdRead|RightFdWrite))
	require.False(t, r.Has(RightFdSeek))
	require.True(t, RightsAll.Has(r))
}

func TestWhence_String(t *testing.T) {
	require.Equal(t, "SEEK_SET", WhenceSet.String())
	require.Equal(t, "SEEK_CUR", WhenceCur.String())
	require.Equal(t, "SEEK_END", WhenceEnd.String())
}

func TestTimestamp_RoundTrip(t *testing.T) {
	now := time.Date(2026, 7, 1, 9, 30, 0, 123456789, time.UTC)
	ts := Timestamp(now.UnixNano())
	require.Equal(t, now, ts.Time().UTC())
}

func TestSockAddr_String(t *testing.T) {
	a := SockAddr{Family: AddressFamilyInet4, Addr: []byte{10, 0, 0, 1}, Port: 8080}
	require.Contains(t, a.String(), "8080")

	u := SockAddr{Family: AddressFamilyUnix, Addr: []byte("/tmp/sock")}
	require.Equal(t, "unix:/tmp/sock", u.String())

	require.Equal(t, "unspec", SockAddr{}.String())
}
