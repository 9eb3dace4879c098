package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/mediacore/retry"
	"github.com/ceyewan/mediacore/testkit"
)

func TestAuthenticate(t *testing.T) {
	f := NewFake(WithUser("alice", "s3cret"))
	ctx := context.Background()

	grant, err := f.Authenticate(ctx, Credentials{Username: "alice", Password: "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, f.UserID("alice"), grant.UserID)
	assert.NotEmpty(t, grant.Credential.AccessToken)
	assert.NotEmpty(t, grant.Credential.RefreshToken)

	_, wrongPassword := f.Authenticate(ctx, Credentials{Username: "alice", Password: "nope"})
	_, unknownUser := f.Authenticate(ctx, Credentials{Username: "mallory", Password: "s3cret"})
	for _, err := range []error{wrongPassword, unknownUser} {
		assert.ErrorIs(t, err, ErrInvalidCredentials)
		assert.Equal(t, retry.Permanent, retry.Classify(err))
	}
	assert.Equal(t, wrongPassword.Error(), unknownUser.Error())
	assert.Equal(t, 3, f.Calls("authenticate"))
}

func TestUserIDIsStable(t *testing.T) {
	assert.Equal(t, NewFake(WithUser("alice", "x")).UserID("alice"), NewFake(WithUser("alice", "y")).UserID("alice"))
}

func TestRefreshRotatesToken(t *testing.T) {
	clock := testkit.NewClock()
	f := NewFake(WithUser("alice", "pw"), WithClock(clock.Now), WithTokenTTL(time.Minute))
	ctx := context.Background()

	grant, err := f.Authenticate(ctx, Credentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	cred, err := f.Refresh(ctx, grant.Credential.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, grant.Credential.AccessToken, cred.AccessToken)
	assert.Equal(t, clock.Now().Add(time.Minute), cred.ExpiresAt)

	_, err = f.Refresh(ctx, grant.Credential.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshRejected)
	assert.Equal(t, retry.Permanent, retry.Classify(err))
}

func TestResolveStream(t *testing.T) {
	clock := testkit.NewClock()
	f := NewFake(WithUser("alice", "pw"), WithClock(clock.Now), WithTokenTTL(time.Minute), WithBaseURL("https://cdn.test"))
	ctx := context.Background()

	grant, err := f.Authenticate(ctx, Credentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)

	s, err := f.ResolveStream(ctx, grant.Credential.AccessToken, "ep 7")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s.URL, "https://cdn.test/ep%207.m3u8?sig="))
	assert.Equal(t, clock.Now().Add(5*time.Minute), s.ExpiresAt)

	_, err = f.ResolveStream(ctx, grant.Credential.AccessToken, "")
	assert.ErrorIs(t, err, ErrContentNotFound)

	clock.Advance(time.Minute)
	_, err = f.ResolveStream(ctx, grant.Credential.AccessToken, "ep-7")
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestExpireAccess(t *testing.T) {
	f := NewFake(WithUser("alice", "pw"))
	ctx := context.Background()
	grant, err := f.Authenticate(ctx, Credentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)

	f.ExpireAccess(grant.UserID)
	_, err = f.ResolveStream(ctx, grant.Credential.AccessToken, "ep-1")
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestInjectedFaults(t *testing.T) {
	f := NewFake(WithUser("alice", "pw"))
	ctx := context.Background()
	f.Fail(Unavailable("503 from upstream"), retry.MarkTimeout(context.DeadlineExceeded))

	_, err := f.Authenticate(ctx, Credentials{Username: "alice", Password: "pw"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, retry.Transient, retry.Classify(err))

	_, err = f.Authenticate(ctx, Credentials{Username: "alice", Password: "pw"})
	assert.Equal(t, retry.Timeout, retry.Classify(err))

	_, err = f.Authenticate(ctx, Credentials{Username: "alice", Password: "pw"})
	assert.NoError(t, err)
}

func TestLatencyHonoursContext(t *testing.T) {
	f := NewFake(WithUser("alice", "pw"), WithLatency(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := f.Authenticate(ctx, Credentials{Username: "alice", Password: "pw"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSecretsNeverFormatted(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("login", "creds", Credentials{Username: "alice", Password: "hunter2"},
		"cred", Credential{AccessToken: "at-123", RefreshToken: "rt-456"})

	out := buf.String()
	assert.Contains(t, out, "alice")
	for _, secret := range []string{"hunter2", "at-123", "rt-456"} {
		assert.NotContains(t, out, secret, fmt.Sprintf("%s leaked", secret))
	}
}
