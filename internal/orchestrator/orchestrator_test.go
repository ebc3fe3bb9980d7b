package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/collateral_vault/internal/chain"
	"github.com/R3E-Network/collateral_vault/internal/derive"
	apperrors "github.com/R3E-Network/collateral_vault/internal/errors"
	"github.com/R3E-Network/collateral_vault/internal/events"
	"github.com/R3E-Network/collateral_vault/internal/ledger"
	"github.com/R3E-Network/collateral_vault/internal/logging"
	"github.com/R3E-Network/collateral_vault/internal/signer"
	"github.com/R3E-Network/collateral_vault/internal/storage"
	"github.com/R3E-Network/collateral_vault/internal/vault"
	"github.com/R3E-Network/collateral_vault/pkg/testutil"
)

var usdt = derive.FormatAssetID(hash.Hash160([]byte("USDT")))

type env struct {
	t       *testing.T
	node    *ledger.Node
	flaky   *testutil.FlakyTransport
	client  *Client
	emitter *events.Emitter
	inval   *testutil.Invalidations
}

func newEnv(t *testing.T, mutate ...func(*Config)) *env {
	t.Helper()
	node, err := ledger.NewNode(ledger.Config{Store: storage.NewMemory(), Logger: logging.NewDiscard()})
	require.NoError(t, err)
	require.NoError(t, node.RegisterAsset(context.Background(), vault.Asset{ID: usdt, Symbol: "USDT", Decimals: 6}))

	e := &env{
		t:       t,
		node:    node,
		flaky:   testutil.NewFlakyTransport(node),
		emitter: events.NewEmitter(100, logging.NewDiscard()),
		inval:   &testutil.Invalidations{},
	}
	cfg := Config{
		Transport:    e.flaky,
		Accounts:     node,
		Assets:       node,
		Publisher:    e.emitter,
		Cache:        e.inval,
		Logger:       logging.NewDiscard(),
		BaseBackoff:  time.Millisecond,
		MaxBackoff:   2 * time.Millisecond,
		PollInterval: time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	e.client, err = New(cfg)
	require.NoError(t, err)
	return e
}

// user creates an identity with funds in its personal holding.
func (e *env) user(funds uint64) (*Session, string) {
	e.t.Helper()
	k, err := keys.NewPrivateKey()
	require.NoError(e.t, err)
	owner := k.PublicKey().Address()
	if funds > 0 {
		_, err = e.node.Mint(context.Background(), owner, usdt, funds)
		require.NoError(e.t, err)
	}
	s, err := e.client.Session(signer.NewKeySigner(k))
	require.NoError(e.t, err)
	return s, owner
}

func (e *env) vault(owner string) vault.Vault {
	e.t.Helper()
	d, err := derive.New().Vault(owner)
	require.NoError(e.t, err)
	v, err := e.node.Vault(context.Background(), d.Address)
	require.NoError(e.t, err)
	require.NoError(e.t, vault.CheckInvariants(v))
	return v
}

func (e *env) holding(owner string) uint64 {
	e.t.Helper()
	addr, err := derive.New().Holding(owner, usdt)
	require.NoError(e.t, err)
	h, err := e.node.Holding(context.Background(), addr)
	require.NoError(e.t, err)
	return h.Balance
}

func TestEndToEndScenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s, owner := e.user(5_000_000)

	r, err := s.Deposit(ctx, owner, usdt, "2.5")
	require.NoError(t, err)
	require.NotNil(t, r.Setup, "deposit must initialise the missing vault")
	assert.Equal(t, OpInitialize, r.Setup.Operation)
	assert.Equal(t, uint64(DefaultPriorityFee), r.MicroFee)
	v := e.vault(owner)
	assert.Equal(t, uint64(2_500_000), v.TotalBalance)
	assert.Equal(t, uint64(2_500_000), v.AvailableBalance)

	_, err = s.Lock(ctx, owner, 1_000_000)
	require.NoError(t, err)
	v = e.vault(owner)
	assert.Equal(t, uint64(1_500_000), v.AvailableBalance)
	assert.Equal(t, uint64(1_000_000), v.LockedBalance)

	_, err = s.Withdraw(ctx, owner, usdt, "1.0")
	require.NoError(t, err)
	v = e.vault(owner)
	assert.Equal(t, uint64(500_000), v.AvailableBalance)
	assert.Equal(t, uint64(1_500_000), v.TotalBalance)
	assert.Equal(t, uint64(1_000_000), v.TotalWithdrawn)
	assert.Equal(t, uint64(3_500_000), e.holding(owner))

	_, err = s.Unlock(ctx, owner, 1_000_000)
	require.NoError(t, err)
	v = e.vault(owner)
	assert.Equal(t, uint64(1_500_000), v.AvailableBalance)
	assert.Zero(t, v.LockedBalance)

	kinds := map[vault.EventKind]int{}
	for _, ev := range e.emitter.Recent(100) {
		kinds[ev.Kind]++
	}
	assert.Equal(t, map[vault.EventKind]int{
		vault.EventInitialized: 1,
		vault.EventDeposited:   1,
		vault.EventLocked:      1,
		vault.EventWithdrawn:   1,
		vault.EventUnlocked:    1,
	}, kinds)
	assert.Contains(t, e.inval.Owners(), owner)
}

func TestDepositWithdrawRoundTrip(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s, owner := e.user(3_000_000)
	_, err := s.Initialize(ctx, owner, usdt)
	require.NoError(t, err)
	_, err = s.Deposit(ctx, owner, usdt, "1")
	require.NoError(t, err)
	before := e.vault(owner)

	_, err = s.Deposit(ctx, owner, usdt, "0.75")
	require.NoError(t, err)
	_, err = s.Withdraw(ctx, owner, usdt, "0.75")
	require.NoError(t, err)

	after := e.vault(owner)
	assert.Equal(t, before.TotalBalance, after.TotalBalance)
	assert.Equal(t, before.AvailableBalance, after.AvailableBalance)
	assert.Equal(t, before.LockedBalance, after.LockedBalance)
	assert.Equal(t, uint64(2_000_000), e.holding(owner))
}

func TestLocalPreconditionsNeverReachTheNetwork(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s, owner := e.user(2_000_000)
	_, other := e.user(0)
	_, err := s.Deposit(ctx, owner, usdt, "1")
	require.NoError(t, err)
	_, err = s.Lock(ctx, owner, 600_000)
	require.NoError(t, err)
	sends := e.flaky.Sends()

	cases := []struct {
		name string
		call func() error
		want error
	}{
		{"withdraw locked funds", func() error { _, err := s.Withdraw(ctx, owner, usdt, "0.5"); return err }, apperrors.ErrInsufficientBalance},
		{"lock too much", func() error { _, err := s.Lock(ctx, owner, 400_001); return err }, apperrors.ErrInsufficientBalance},
		{"unlock too much", func() error { _, err := s.Unlock(ctx, owner, 600_001); return err }, apperrors.ErrInsufficientBalance},
		{"zero lock", func() error { _, err := s.Lock(ctx, owner, 0); return err }, apperrors.ErrInvalidAmount},
		{"negative amount", func() error { _, err := s.Deposit(ctx, owner, usdt, "-1"); return err }, apperrors.ErrInvalidAmount},
		{"exponent amount", func() error { _, err := s.Deposit(ctx, owner, usdt, "1e3"); return err }, apperrors.ErrInvalidAmount},
		{"truncates to zero", func() error { _, err := s.Withdraw(ctx, owner, usdt, "0.0000001"); return err }, apperrors.ErrInvalidAmount},
		{"deposit beyond holding", func() error { _, err := s.Deposit(ctx, owner, usdt, "5"); return err }, apperrors.ErrInsufficientBalance},
		{"foreign vault", func() error { _, err := s.Lock(ctx, other, 1); return err }, apperrors.ErrUnauthorized},
		{"double initialize", func() error { _, err := s.Initialize(ctx, owner, usdt); return err }, apperrors.ErrAlreadyInitialized},
		{"unknown asset", func() error {
			_, err := s.Deposit(ctx, owner, derive.FormatAssetID(hash.Hash160([]byte("XYZ"))), "1")
			return err
		}, apperrors.ErrAssetNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
	assert.Equal(t, sends, e.flaky.Sends())
}

func TestOperationsOnMissingVault(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s, owner := e.user(1_000_000)

	_, err := s.Withdraw(ctx, owner, usdt, "1")
	assert.True(t, errors.Is(err, apperrors.ErrVaultNotFound))
	_, err = s.Lock(ctx, owner, 1)
	assert.True(t, errors.Is(err, apperrors.ErrVaultNotFound))
	_, _, other := e.sessionAndOwner()
	_, err = s.Transfer(ctx, owner, other, 1)
	assert.True(t, errors.Is(err, apperrors.ErrVaultNotFound), "transfer must not create the source vault")
	assert.Zero(t, e.flaky.Sends())
}

func (e *env) sessionAndOwner() (*Session, *keys.PrivateKey, string) {
	k, err := keys.NewPrivateKey()
	require.NoError(e.t, err)
	s, err := e.client.Session(signer.NewKeySigner(k))
	require.NoError(e.t, err)
	return s, k, k.PublicKey().Address()
}

func TestTransferCreatesDestination(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	src, from := e.user(3_000_000)
	dst, to := e.user(0)
	_, err := src.Deposit(ctx, from, usdt, "3")
	require.NoError(t, err)

	r, err := src.Transfer(ctx, from, to, 1_250_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(DefaultTransferFee), r.MicroFee)

	a, b := e.vault(from), e.vault(to)
	assert.Equal(t, uint64(1_750_000), a.TotalBalance)
	assert.Equal(t, uint64(1_250_000), b.TotalBalance)
	assert.Equal(t, uint64(3_000_000), a.TotalBalance+b.TotalBalance)
	assert.Equal(t, usdt, b.AssetID)

	var kinds []vault.EventKind
	for _, ev := range r.Events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []vault.EventKind{vault.EventInitialized, vault.EventTransferred}, kinds)
	assert.Subset(t, e.inval.Owners(), []string{from, to})

	// The recipient can now use its vault like any other.
	_, err = dst.Withdraw(ctx, to, usdt, "0.25")
	require.NoError(t, err)
	assert.Equal(t, uint64(250_000), e.holding(to))

	_, err = src.Transfer(ctx, from, to, 750_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_750_000), e.vault(to).TotalBalance)
}

func TestTransferRejections(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	src, from := e.user(1_000_000)
	_, err := src.Deposit(ctx, from, usdt, "1")
	require.NoError(t, err)
	_, to := e.user(0)
	sends := e.flaky.Sends()

	_, err = src.Transfer(ctx, from, from, 1)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidRecipientVault))
	_, err = src.Transfer(ctx, from, "not-an-address", 1)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidRecipientVault))
	_, err = src.Transfer(ctx, from, to, 1_000_001)
	assert.True(t, errors.Is(err, apperrors.ErrInsufficientBalance))
	_, err = src.Transfer(ctx, to, from, 1)
	assert.True(t, errors.Is(err, apperrors.ErrUnauthorized))
	assert.Equal(t, sends, e.flaky.Sends())
}

func TestTransferPreconditionOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	src, from := e.user(1_000_000)
	_, err := src.Deposit(ctx, from, usdt, "1")
	require.NoError(t, err)
	_, to := e.user(0)
	sends := e.flaky.Sends()

	tests := []struct {
		name   string
		from   string
		to     string
		amount uint64
		want   error
	}{
		{"foreign source beats everything", to, "not-an-address", 999_000_000, apperrors.ErrUnauthorized},
		{"overdraw beats bad address", from, "not-an-address", 999_000_000, apperrors.ErrInsufficientBalance},
		{"overdraw beats self transfer", from, from, 1_000_001, apperrors.ErrInsufficientBalance},
		{"zero beats bad address", from, "not-an-address", 0, apperrors.ErrInvalidAmount},
		{"bad address", from, "not-an-address", 1, apperrors.ErrInvalidRecipientVault},
		{"overdraw to a valid recipient", from, to, 1_000_001, apperrors.ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := src.Transfer(ctx, tt.from, tt.to, tt.amount)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
	assert.Equal(t, sends, e.flaky.Sends())
}

func TestUnfundedDepositDoesNotInitialize(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s, owner := e.user(0)

	_, err := s.Deposit(ctx, owner, usdt, "1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInsufficientBalance), "got %v", err)
	assert.Zero(t, e.flaky.Sends())

	d, err := derive.New().Vault(owner)
	require.NoError(t, err)
	_, err = e.node.Vault(ctx, d.Address)
	assert.True(t, errors.Is(err, chain.ErrAccountNotFound), "vault must not exist, got %v", err)

	// A short holding fails the same way.
	short, shortOwner := e.user(500_000)
	_, err = short.Deposit(ctx, shortOwner, usdt, "1")
	assert.True(t, errors.Is(err, apperrors.ErrInsufficientBalance), "got %v", err)
	assert.Zero(t, e.flaky.Sends())
}

func TestRetriesTransportFailures(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s, owner := e.user(1_000_000)
	_, err := s.Initialize(ctx, owner, usdt)
	require.NoError(t, err)

	e.flaky.FailSends = 2
	e.flaky.BusySends = 1
	e.flaky.FailReferences = 1
	r, err := s.Deposit(ctx, owner, usdt, "1")
	require.NoError(t, err)
	assert.Equal(t, 5, r.Attempts)
	assert.Equal(t, uint64(1_000_000), e.vault(owner).TotalBalance)
}

func TestLostReceiptIsNotAppliedTwice(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s, owner := e.user(2_000_000)
	_, err := s.Initialize(ctx, owner, usdt)
	require.NoError(t, err)

	e.flaky.LoseReceipts = 1
	_, err = s.Deposit(ctx, owner, usdt, "1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), e.vault(owner).TotalBalance)
	assert.Equal(t, uint64(1_000_000), e.holding(owner))
}

func TestExpiredReferenceProbesEarlierSubmission(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s, owner := e.user(2_000_000)
	_, err := s.Initialize(ctx, owner, usdt)
	require.NoError(t, err)

	// First attempt commits but the receipt is lost; the resend is then
	// refused as expired. The probe must find the commit instead of
	// signing a second deposit.
	e.flaky.LoseReceipts = 1
	e.flaky.ExpireSends = 1
	r, err := s.Deposit(ctx, owner, usdt, "1")
	require.NoError(t, err)
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, uint64(1_000_000), e.vault(owner).TotalBalance)
	assert.Equal(t, 2, e.flaky.Sends()-1)
}

func TestExpiredReferenceResigns(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s, owner := e.user(0)

	e.flaky.ExpireSends = 2
	r, err := s.Initialize(ctx, owner, usdt)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Attempts)
	e.vault(owner)
}

func TestRetryBudgetExhausted(t *testing.T) {
	e := newEnv(t, func(c *Config) { c.Retries = 3 })
	ctx := context.Background()
	s, owner := e.user(0)

	e.flaky.FailSends = 10
	_, err := s.Initialize(ctx, owner, usdt)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrSubmissionFailed))
	assert.True(t, errors.Is(err, testutil.ErrTransport))
	assert.Equal(t, 3, e.flaky.Sends())

	se := apperrors.GetServiceError(err)
	require.NotNil(t, se)
	assert.Equal(t, 3, se.Details["attempts"])
}

func TestTransferHasLargerBudget(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	src, from := e.user(1_000_000)
	_, err := src.Deposit(ctx, from, usdt, "1")
	require.NoError(t, err)
	_, to := e.user(0)

	e.flaky.FailSends = 7
	r, err := src.Transfer(ctx, from, to, 100)
	require.NoError(t, err)
	assert.Equal(t, DefaultTransferRetries, r.Attempts)
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	e := newEnv(t, func(c *Config) {
		c.BaseBackoff = time.Hour
		c.MaxBackoff = time.Hour
	})
	s, owner := e.user(0)
	e.flaky.FailSends = 1

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Initialize(ctx, owner, usdt)
	assert.True(t, errors.Is(err, apperrors.ErrSubmissionFailed))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestPendingThenConfirmed(t *testing.T) {
	e := newEnv(t)
	s, owner := e.user(0)
	e.flaky.PendingPolls = 3
	_, err := s.Initialize(context.Background(), owner, usdt)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, e.flaky.StatusCalls(), 5, "polls then an explicit re-query")
}

func TestConfirmationTimeoutIsInconclusive(t *testing.T) {
	e := newEnv(t, func(c *Config) { c.ConfirmTimeout = 20 * time.Millisecond })
	s, owner := e.user(0)
	e.flaky.PendingPolls = 1_000_000

	_, err := s.Initialize(context.Background(), owner, usdt)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConfirmationTimeout))
	assert.False(t, errors.Is(err, apperrors.ErrInitializeFailed))
	assert.Zero(t, e.emitter.Count(), "no events for an unconfirmed outcome")

	// The submission did execute; the outcome was only unknown to the caller.
	e.vault(owner)
}

func TestSignerDeclines(t *testing.T) {
	e := newEnv(t)
	_, owner := e.user(0)
	s, err := e.client.Session(testutil.DecliningSigner{Addr: owner})
	require.NoError(t, err)

	_, err = s.Initialize(context.Background(), owner, usdt)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrSignatureRejected))
	assert.True(t, errors.Is(err, testutil.ErrDeclined))
	assert.Zero(t, e.flaky.Sends())
}

// staleReader serves a fixed snapshot of one vault.
type staleReader struct {
	AccountReader
	snapshot vault.Vault
}

func (r staleReader) Vault(ctx context.Context, addr string) (vault.Vault, error) {
	if addr == r.snapshot.Address {
		return r.snapshot, nil
	}
	return r.AccountReader.Vault(ctx, addr)
}

func TestStaleReadFailsAtExecution(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s, owner := e.user(1_000_000)
	_, err := s.Deposit(ctx, owner, usdt, "1")
	require.NoError(t, err)
	snapshot := e.vault(owner)
	_, err = s.Lock(ctx, owner, 800_000)
	require.NoError(t, err)

	stale, err := New(Config{
		Transport:    e.flaky,
		Accounts:     staleReader{AccountReader: e.node, snapshot: snapshot},
		Assets:       e.node,
		Logger:       logging.NewDiscard(),
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	ss, err := stale.Session(s.signer)
	require.NoError(t, err)

	_, err = ss.Withdraw(ctx, owner, usdt, "0.5")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrWithdrawFailed), "got %v", err)
	assert.True(t, errors.Is(err, apperrors.ErrInsufficientBalance))
	se := apperrors.GetServiceError(err)
	require.NotNil(t, se)
	assert.Equal(t, uint32(apperrors.LedgerInsufficientBalance), se.Details["ledger_code"])

	v := e.vault(owner)
	assert.Equal(t, uint64(200_000), v.AvailableBalance)
	assert.Equal(t, uint64(800_000), v.LockedBalance)
}

func TestConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s, owner := e.user(1_000_000)
	_, err := s.Deposit(ctx, owner, usdt, "1")
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Withdraw(ctx, owner, usdt, "0.3"); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	v := e.vault(owner)
	assert.LessOrEqual(t, success, 3)
	assert.Equal(t, uint64(1_000_000)-uint64(success)*300_000, v.TotalBalance)
	assert.Equal(t, uint64(success)*300_000, e.holding(owner))
}

func TestConcurrentOwnersAreIndependent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	owners := make([]string, 8)
	errs := make([]error, 8)
	for i := range owners {
		s, owner := e.user(1_000_000)
		owners[i] = owner
		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			_, errs[i] = s.Deposit(ctx, owners[i], usdt, "0.5")
		}(i, s)
	}
	wg.Wait()
	for i, owner := range owners {
		require.NoError(t, errs[i])
		assert.Equal(t, uint64(500_000), e.vault(owner).TotalBalance)
	}
}

func TestClosedSessionsAndClients(t *testing.T) {
	e := newEnv(t)
	s, owner := e.user(0)
	s.Close()
	_, err := s.Initialize(context.Background(), owner, usdt)
	assert.True(t, errors.Is(err, apperrors.ErrSessionClosed))

	s2, owner2 := e.user(0)
	require.NoError(t, e.client.Close())
	_, err = s2.Initialize(context.Background(), owner2, usdt)
	assert.True(t, errors.Is(err, apperrors.ErrSessionClosed))
	_, err = e.client.Session(testutil.DecliningSigner{Addr: owner})
	assert.True(t, errors.Is(err, apperrors.ErrSessionClosed))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	node, err := ledger.NewNode(ledger.Config{Store: storage.NewMemory(), Logger: logging.NewDiscard()})
	require.NoError(t, err)
	_, err = New(Config{Transport: node, Accounts: node})
	assert.Error(t, err)
	c, err := New(Config{Transport: node, Accounts: node, Assets: node})
	require.NoError(t, err)
	assert.Equal(t, DefaultRetries, c.cfg.Retries)
	assert.Equal(t, DefaultTransferRetries, c.cfg.TransferRetries)
	_, err = c.Session(nil)
	assert.Error(t, err)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	c, err := New(Config{Transport: nopTransport{}, Accounts: nopReader{}, Assets: nopAssets{}, BaseBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond})
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		d := c.jitter(4 * time.Millisecond)
		assert.GreaterOrEqual(t, d, 2*time.Millisecond)
		assert.LessOrEqual(t, d, 4*time.Millisecond)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.wait(ctx, 10), context.Canceled)
}

type nopTransport struct{}

func (nopTransport) LatestReference(context.Context) (chain.Reference, error) {
	return chain.Reference{}, nil
}
func (nopTransport) Send(context.Context, *chain.Submission) (chain.Receipt, error) {
	return chain.Receipt{}, nil
}
func (nopTransport) Status(context.Context, string) (chain.Status, error) { return chain.Status{}, nil }

type nopReader struct{}

func (nopReader) Vault(context.Context, string) (vault.Vault, error) {
	return vault.Vault{}, chain.ErrAccountNotFound
}
func (nopReader) Holding(context.Context, string) (vault.Holding, error) {
	return vault.Holding{}, chain.ErrAccountNotFound
}

type nopAssets struct{}

func (nopAssets) Decimals(context.Context, string) (uint8, error) { return 6, nil }
