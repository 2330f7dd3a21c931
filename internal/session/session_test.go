package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateAndValidate(t *testing.T) {
	st := NewStore(2, time.Hour)

	sess, err := st.Create("conn1", "client1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.NotEmpty(t, sess.Token)

	got := st.Validate(sess.Token)
	require.NotNil(t, got)
	require.Equal(t, sess.Token, got.Token)
}

func TestCreateRejectsOverMaxSessions(t *testing.T) {
	st := NewStore(1, time.Hour)

	first, err := st.Create("conn1", "")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := st.Create("conn2", "")
	require.NoError(t, err)
	require.Nil(t, second)
}

func TestValidateExpiredRemovesSession(t *testing.T) {
	st := NewStore(2, -time.Second) // already expired on creation

	sess, err := st.Create("conn1", "")
	require.NoError(t, err)

	got := st.Validate(sess.Token)
	require.Nil(t, got)
	require.Equal(t, 0, st.Count())
}

func TestValidateUnknownTokenReturnsNil(t *testing.T) {
	st := NewStore(2, time.Hour)
	require.Nil(t, st.Validate("does-not-exist"))
}

func TestRemoveByConnectionClearsBothIndexes(t *testing.T) {
	st := NewStore(2, time.Hour)
	sess, err := st.Create("conn1", "")
	require.NoError(t, err)

	st.RemoveByConnection("conn1")

	require.Nil(t, st.Validate(sess.Token))
	require.Nil(t, st.ByConnection("conn1"))
	require.Equal(t, 0, st.Count())
}

func TestByConnectionFindsSession(t *testing.T) {
	st := NewStore(2, time.Hour)
	sess, err := st.Create("conn1", "")
	require.NoError(t, err)

	got := st.ByConnection("conn1")
	require.NotNil(t, got)
	require.Equal(t, sess.Token, got.Token)
}

func TestRenewExtendsExpiry(t *testing.T) {
	st := NewStore(2, time.Hour)
	sess, err := st.Create("conn1", "")
	require.NoError(t, err)

	before := sess.ExpiresAt
	time.Sleep(time.Millisecond)
	renewed := st.Renew(sess.Token)
	require.NotNil(t, renewed)
	require.True(t, renewed.ExpiresAt.After(before))
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	st := NewStore(2, time.Hour)
	fresh, err := st.Create("conn1", "")
	require.NoError(t, err)

	expired, err := st.Create("conn2", "")
	require.NoError(t, err)
	expired.ExpiresAt = time.Now().Add(-time.Minute)

	removed := st.Sweep()
	require.Equal(t, 1, removed)
	require.NotNil(t, st.Validate(fresh.Token))
	require.Equal(t, 1, st.Count())
}

func TestSessionBeginEndScanIsExclusive(t *testing.T) {
	sess := &Session{}

	require.True(t, sess.BeginScan("req1"))
	require.False(t, sess.BeginScan("req2"))
	require.True(t, sess.IsScanning())

	id, scanning := sess.ActiveRequestID()
	require.True(t, scanning)
	require.Equal(t, "req1", id)

	// A mismatched requestId must not clear a newer job.
	sess.EndScan("stale-req")
	require.True(t, sess.IsScanning())

	sess.EndScan("req1")
	require.False(t, sess.IsScanning())
	require.True(t, sess.BeginScan("req3"))
}

func TestSessionSelectedScanner(t *testing.T) {
	sess := &Session{}
	_, ok := sess.SelectedScanner()
	require.False(t, ok)

	sess.SetSelectedScanner("a:dev1")
	id, ok := sess.SelectedScanner()
	require.True(t, ok)
	require.Equal(t, "a:dev1", id)
}
