// ABOUTME: Tests for agent registration and token issuance
// ABOUTME: Covers duplicates, secret store outages, and compensation cleanup

package plane

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/trydirect/stacker-sub002/internal/secrets"
	"github.com/trydirect/stacker-sub002/internal/store"
)

func TestRegister_Success(t *testing.T) {
	svc, st, mem := setupServiceTest(t)
	ctx := context.Background()

	result, err := svc.Register(ctx, RegisterRequest{
		DeploymentHash: "dep-1",
		Capabilities:   []string{"docker", "compose"},
		Version:        "1.0.0",
	}, RequestMeta{IP: "10.0.0.1", UserAgent: "stacker-agent/1.0"})
	require.NoError(t, err)

	assert.Len(t, result.Token, 86)
	assert.False(t, result.SecretStoreWarning)
	assert.Equal(t, store.AgentOnline, result.Agent.Status)
	assert.NotEmpty(t, result.Agent.ID)

	// Plaintext token lands in the secret store, not the database.
	stored, err := mem.FetchAgentToken(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, result.Token, stored)

	agent, err := st.GetAgentByDeployment(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"docker", "compose"}, agent.Capabilities)

	entries, err := st.ListAudit(ctx, store.AuditFilter{
		DeploymentHash: "dep-1",
		Action:         store.AuditAgentRegistered,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "10.0.0.1", entries[0].IPAddress)
	// The audit detail must never contain the token.
	assert.NotContains(t, entries[0].Detail, "token")
}

func TestRegister_PublicKeyFingerprint(t *testing.T) {
	svc, _, _ := setupServiceTest(t)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	result, err := svc.Register(context.Background(), RegisterRequest{
		DeploymentHash: "dep-1",
		PublicKey:      string(ssh.MarshalAuthorizedKey(sshPub)),
	}, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, ssh.FingerprintSHA256(sshPub), result.Agent.PublicKeyFingerprint)

	_, err = svc.Register(context.Background(), RegisterRequest{
		DeploymentHash: "dep-2",
		PublicKey:      "not a key",
	}, RequestMeta{})
	assert.Error(t, err)
}

func TestRegister_DuplicateRejected(t *testing.T) {
	svc, st, mem := setupServiceTest(t)
	ctx := context.Background()

	first, err := svc.Register(ctx, RegisterRequest{DeploymentHash: "dep-1"}, RequestMeta{})
	require.NoError(t, err)

	_, err = svc.Register(ctx, RegisterRequest{DeploymentHash: "dep-1"}, RequestMeta{})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	// The original token survives; the orphaned one is cleaned up.
	assert.Eventually(t, func() bool {
		stored, err := mem.FetchAgentToken(ctx, "dep-1")
		return err == nil && stored == first.Token && mem.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	agent, err := st.GetAgentByDeployment(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, first.Agent.ID, agent.ID)
}

func TestRegister_SecretStoreDown(t *testing.T) {
	svc, st, mem := setupServiceTest(t)
	ctx := context.Background()

	mem.FailWith(secrets.ErrUnavailable)

	result, err := svc.Register(ctx, RegisterRequest{DeploymentHash: "dep-1"}, RequestMeta{})
	require.NoError(t, err)

	// Registration succeeds with a warning and an inline token.
	assert.True(t, result.SecretStoreWarning)
	assert.Len(t, result.Token, 86)

	_, err = st.GetAgentByDeployment(ctx, "dep-1")
	assert.NoError(t, err)
}

func TestRegister_SecretStoreHardFailure(t *testing.T) {
	svc, st, mem := setupServiceTest(t)
	ctx := context.Background()

	// A non-availability error aborts registration entirely.
	mem.FailWith(errors.New("permission denied"))

	_, err := svc.Register(ctx, RegisterRequest{DeploymentHash: "dep-1"}, RequestMeta{})
	require.Error(t, err)

	_, err = st.GetAgentByDeployment(ctx, "dep-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRegister_MissingHash(t *testing.T) {
	svc, _, _ := setupServiceTest(t)

	_, err := svc.Register(context.Background(), RegisterRequest{}, RequestMeta{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRegister_ConcurrentDuplicate(t *testing.T) {
	svc, _, mem := setupServiceTest(t)
	ctx := context.Background()

	// All racers target the same deployment hash. Exactly one must win, and
	// the token left in the secret store must be the winner's, never a
	// loser's overwrite.
	const racers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []*RegisterResult
		losers  int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := svc.Register(ctx, RegisterRequest{DeploymentHash: "dep-1"}, RequestMeta{})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, ErrAlreadyRegistered) {
					losers++
				}
				return
			}
			winners = append(winners, result)
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, racers-1, losers)

	stored, err := mem.FetchAgentToken(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, winners[0].Token, stored)
	assert.Equal(t, 1, mem.Len())
}
