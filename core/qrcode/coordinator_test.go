package qrcode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/getkayan/kayan-connect/core/cache"
	"github.com/getkayan/kayan-connect/core/domain"
	"github.com/getkayan/kayan-connect/core/flow"
	"github.com/getkayan/kayan-connect/core/identity"
	"github.com/getkayan/kayan-connect/core/oauth2"
	"github.com/getkayan/kayan-connect/core/session"
)

type stubTickets struct {
	calls int32
	err   error
}

func (s *stubTickets) CreateTicket(ctx context.Context, reg *oauth2.ClientRegistration, sceneStr string, ttlSeconds int) (*Ticket, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.err != nil {
		return nil, s.err
	}
	return &Ticket{Ticket: "t-" + sceneStr, ImageURL: "https://img/" + sceneStr, ExpireSeconds: ttlSeconds}, nil
}

type stubClients map[string]*oauth2.ClientRegistration

func (c stubClients) ResolveByClientID(ctx context.Context, clientID string) (*oauth2.ClientRegistration, error) {
	if reg, ok := c[clientID]; ok {
		return reg, nil
	}
	return nil, fmt.Errorf("client %q: %w", clientID, domain.ErrNotFound)
}

func (c stubClients) Resolve(ctx context.Context, id string) (*oauth2.ClientRegistration, error) {
	for _, reg := range c {
		if reg.RegistrationID == id {
			return reg, nil
		}
	}
	return nil, fmt.Errorf("registration %q: %w", id, domain.ErrNotFound)
}

// accountStore keeps accounts in memory; onCreate runs before every creation.
type accountStore struct {
	mu       sync.Mutex
	accounts map[string]*identity.Account
	creates  int
	onCreate func() error
}

func newAccountStore() *accountStore {
	return &accountStore{accounts: make(map[string]*identity.Account)}
}

func (s *accountStore) FindByProviderAndOpenID(ctx context.Context, provider, openID string) (*identity.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct, ok := s.accounts[provider+"|"+openID]; ok {
		return acct, nil
	}
	return nil, domain.ErrNotFound
}

func (s *accountStore) FindByProviderAndUnionID(ctx context.Context, family, unionID string) (*identity.Account, error) {
	return nil, domain.ErrNotFound
}

func (s *accountStore) CreateFromCanonicalInfo(ctx context.Context, info *identity.UserInfo) (*identity.Account, error) {
	if s.onCreate != nil {
		if err := s.onCreate(); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	acct := &identity.Account{ID: fmt.Sprintf("acct-%d", s.creates), DisplayName: info.DisplayName()}
	s.accounts[info.Provider+"|"+info.OpenID] = acct
	return acct, nil
}

func (s *accountStore) BindExisting(ctx context.Context, accountID string, info *identity.UserInfo) error {
	return nil
}

func (s *accountStore) GetAccount(ctx context.Context, id string) (*identity.Account, error) {
	return nil, domain.ErrNotFound
}

type harness struct {
	coord    *Coordinator
	tickets  *stubTickets
	accounts *accountStore
	issuer   *session.Issuer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	c := cache.NewMemory()
	t.Cleanup(func() { c.Close() })

	clients := stubClients{
		"wx-app": &oauth2.ClientRegistration{RegistrationID: "wechat-app", ProviderFamily: "wechat", ClientID: "wx-app"},
	}
	issuer, err := session.NewHS256Issuer("qr-secret", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	accounts := newAccountStore()
	tickets := &stubTickets{}

	coord := NewCoordinator(c, clients, tickets,
		flow.NewResolver(clients, flow.DefaultStrategies()...),
		flow.NewCompleter(flow.NewBinder(accounts), issuer),
		flow.NewHandoff(c),
	)
	return &harness{coord: coord, tickets: tickets, accounts: accounts, issuer: issuer}
}

func scan(scene string) ScanEvent {
	return ScanEvent{SceneStr: scene, ExternalUserID: "o-user", ClientAppID: "wx-app", EventType: EventScan}
}

func TestCreateAcceptsTTLBounds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i, ttl := range []int{MinTTLSeconds, 300, MaxTTLSeconds} {
		scene := fmt.Sprintf("scene-%d", i)
		ticket, err := h.coord.Create(ctx, "wx-app", scene, ttl)
		if err != nil {
			t.Fatalf("ttl %d: create failed: %v", ttl, err)
		}
		if ticket.Ticket != "t-"+scene {
			t.Errorf("unexpected ticket %+v", ticket)
		}

		res, err := h.coord.Poll(ctx, scene)
		if err != nil {
			t.Fatalf("ttl %d: poll failed: %v", ttl, err)
		}
		if res.State != StateWaited || res.Result != nil {
			t.Errorf("ttl %d: expected WAITED without result, got %+v", ttl, res)
		}
	}
}

func TestCreateRejectsTTLOutOfRange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, ttl := range []int{0, MinTTLSeconds - 1, MaxTTLSeconds + 1, -5} {
		_, err := h.coord.Create(ctx, "wx-app", "scene", ttl)
		if !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("ttl %d: expected ErrInvalidArgument, got %v", ttl, err)
		}
		if _, err := h.coord.Poll(ctx, "scene"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("ttl %d: expected no session, got %v", ttl, err)
		}
	}
	if h.tickets.calls != 0 {
		t.Errorf("expected no upstream calls, got %d", h.tickets.calls)
	}
}

func TestCreateUpstreamFailureLeavesNoSession(t *testing.T) {
	h := newHarness(t)
	h.tickets.err = errors.New("connection refused")
	ctx := context.Background()

	_, err := h.coord.Create(ctx, "wx-app", "scene", 300)
	if !errors.Is(err, domain.ErrUpstreamFailure) {
		t.Fatalf("expected ErrUpstreamFailure, got %v", err)
	}
	if _, err := h.coord.Poll(ctx, "scene"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected no session, got %v", err)
	}
}

func TestCreateUnknownApp(t *testing.T) {
	h := newHarness(t)
	if _, err := h.coord.Create(context.Background(), "wx-other", "scene", 300); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestScanOnUnknownSceneIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.coord.HandleScan(ctx, scan("ghost"))
	if !errors.Is(err, ErrEventDropped) {
		t.Errorf("expected ErrEventDropped, got %v", err)
	}
	if _, err := h.coord.Poll(ctx, "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected session to stay absent, got %v", err)
	}
	if h.accounts.creates != 0 {
		t.Errorf("expected no account binding, got %d creations", h.accounts.creates)
	}
}

func TestScanAuthorizesAndDeliversResultOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.coord.Create(ctx, "wx-app", "scene", 300); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := h.coord.HandleScan(ctx, scan("scene")); err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	first, err := h.coord.Poll(ctx, "scene")
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if first.State != StateAuthorized || first.Result == nil {
		t.Fatalf("expected AUTHORIZED with result, got %+v", first)
	}
	accountID, err := h.issuer.Verify(first.Result.AccessToken)
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if accountID != first.Result.AccountID {
		t.Errorf("token subject %s does not match account %s", accountID, first.Result.AccountID)
	}

	second, err := h.coord.Poll(ctx, "scene")
	if err != nil {
		t.Fatalf("second poll failed: %v", err)
	}
	if second.State != StateAuthorized || second.Result != nil {
		t.Errorf("expected AUTHORIZED without result, got %+v", second)
	}

	if _, err := h.accounts.FindByProviderAndOpenID(ctx, "wechat-app", "o-user"); err != nil {
		t.Errorf("expected binding under the registration id: %v", err)
	}
}

func TestConcurrentPollsDeliverOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.coord.Create(ctx, "wx-app", "scene", 300)
	if err := h.coord.HandleScan(ctx, scan("scene")); err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	var (
		wg      sync.WaitGroup
		results int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.coord.Poll(ctx, "scene")
			if err != nil {
				t.Errorf("poll failed: %v", err)
				return
			}
			if res.Result != nil {
				atomic.AddInt32(&results, 1)
			}
		}()
	}
	wg.Wait()

	if results != 1 {
		t.Errorf("expected exactly one poll to receive the result, got %d", results)
	}
}

func TestDuplicateScanAfterAuthorizationIsDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.coord.Create(ctx, "wx-app", "scene", 300)
	h.coord.HandleScan(ctx, scan("scene"))
	h.coord.Poll(ctx, "scene")

	if err := h.coord.HandleScan(ctx, scan("scene")); !errors.Is(err, ErrEventDropped) {
		t.Errorf("expected duplicate to be dropped, got %v", err)
	}
	res, err := h.coord.Poll(ctx, "scene")
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if res.Result != nil {
		t.Error("a duplicate scan must not produce a second login result")
	}
}

func TestSubscribeEventStripsScenePrefix(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.coord.Create(ctx, "wx-app", "scene", 300)

	evt := ScanEvent{SceneStr: "qrscene_scene", ExternalUserID: "o-new", ClientAppID: "wx-app", EventType: "subscribe"}
	if err := h.coord.HandleScan(ctx, evt); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	res, _ := h.coord.Poll(ctx, "scene")
	if res == nil || res.State != StateAuthorized {
		t.Errorf("expected AUTHORIZED, got %+v", res)
	}
}

func TestUnsupportedOrForeignEventsAreDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.coord.Create(ctx, "wx-app", "scene", 300)

	events := []ScanEvent{
		{SceneStr: "scene", ExternalUserID: "o-user", ClientAppID: "wx-app", EventType: "unsubscribe"},
		{SceneStr: "scene", ExternalUserID: "o-user", ClientAppID: "wx-other", EventType: EventScan},
		{SceneStr: "scene", ClientAppID: "wx-app", EventType: EventScan},
	}
	for _, evt := range events {
		if err := h.coord.HandleScan(ctx, evt); !errors.Is(err, ErrEventDropped) {
			t.Errorf("%+v: expected ErrEventDropped, got %v", evt, err)
		}
	}
	res, _ := h.coord.Poll(ctx, "scene")
	if res.State != StateWaited {
		t.Errorf("expected session to stay WAITED, got %s", res.State)
	}
}

func TestBindFailureCancelsSession(t *testing.T) {
	h := newHarness(t)
	h.accounts.onCreate = func() error { return errors.New("database is locked") }
	ctx := context.Background()
	h.coord.Create(ctx, "wx-app", "scene", 300)

	if err := h.coord.HandleScan(ctx, scan("scene")); err == nil || errors.Is(err, ErrEventDropped) {
		t.Fatalf("expected login failure, got %v", err)
	}
	res, err := h.coord.Poll(ctx, "scene")
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if res.State != StateCanceled || res.Result != nil {
		t.Errorf("expected CANCELED without result, got %+v", res)
	}
}

func TestCancelRemovesSessionInAnyState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.coord.Create(ctx, "wx-app", "waited", 300)
	h.coord.Create(ctx, "wx-app", "authorized", 300)
	h.coord.HandleScan(ctx, scan("authorized"))

	for _, scene := range []string{"waited", "authorized", "never-existed"} {
		if err := h.coord.Cancel(ctx, scene); err != nil {
			t.Fatalf("%s: cancel failed: %v", scene, err)
		}
		if _, err := h.coord.Poll(ctx, scene); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound after cancel, got %v", scene, err)
		}
	}
}

func TestCancelDuringLoginDiscardsResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.coord.Create(ctx, "wx-app", "scene", 300)

	h.accounts.onCreate = func() error {
		return h.coord.Cancel(ctx, "scene")
	}

	if err := h.coord.HandleScan(ctx, scan("scene")); !errors.Is(err, ErrEventDropped) {
		t.Fatalf("expected the event to be dropped, got %v", err)
	}
	if _, err := h.coord.Poll(ctx, "scene"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("canceled session must not come back, got %v", err)
	}
	if res, _ := h.coord.handoff.TakeOnce(ctx, "scene"); res != nil {
		t.Error("login result of a canceled session must be discarded")
	}
}

func TestSessionWritesKeepRemainingTTL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h.coord.now = func() time.Time { return created }
	h.coord.Create(ctx, "wx-app", "scene", 120)

	sess, err := h.coord.load(ctx, "scene")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got := sess.Remaining(created.Add(90 * time.Second)); got != 30*time.Second {
		t.Errorf("expected 30s remaining, got %s", got)
	}

	h.coord.now = func() time.Time { return created.Add(3 * time.Minute) }
	if err := h.coord.HandleScan(ctx, scan("scene")); err == nil {
		t.Error("expected a scan past the session lifetime to fail")
	}
}

func TestStateTerminal(t *testing.T) {
	for state, want := range map[State]bool{
		StateWaited: false, StateScanned: false,
		StateAuthorized: true, StateCanceled: true, StateExpired: true,
	} {
		if state.Terminal() != want {
			t.Errorf("%s: expected terminal=%v", state, want)
		}
	}
}

func TestInspectDoesNotConsumeResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.coord.Create(ctx, "wx-app", "peek", 300)
	if err := h.coord.HandleScan(ctx, scan("peek")); err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	sess, err := h.coord.Inspect(ctx, "peek")
	if err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
	if sess.State != StateAuthorized || sess.RegistrationID != "wechat-app" {
		t.Errorf("unexpected session %+v", sess)
	}

	res, err := h.coord.Poll(ctx, "peek")
	if err != nil || res.Result == nil {
		t.Fatalf("expected the login result to survive inspection, got %+v, %v", res, err)
	}

	if _, err := h.coord.Inspect(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// hookCache runs onGet once, right after the first Get it serves.
type hookCache struct {
	domain.Cache
	fired bool
	onGet func()
}

func (c *hookCache) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := c.Cache.Get(ctx, key)
	if !c.fired {
		c.fired = true
		c.onGet()
	}
	return raw, err
}

func TestCancelAfterSessionReadIsNotUndone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.coord.Create(ctx, "wx-app", "scene", 300)

	h.coord.cache = &hookCache{Cache: h.coord.cache, onGet: func() {
		if err := h.coord.Cancel(ctx, "scene"); err != nil {
			t.Errorf("cancel failed: %v", err)
		}
	}}

	if err := h.coord.HandleScan(ctx, scan("scene")); !errors.Is(err, ErrEventDropped) {
		t.Fatalf("expected the event to be dropped, got %v", err)
	}
	if _, err := h.coord.Poll(ctx, "scene"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("canceled session must stay absent, got %v", err)
	}
	if res, _ := h.coord.handoff.TakeOnce(ctx, "scene"); res != nil {
		t.Error("no login result may exist for a canceled session")
	}
	if h.accounts.creates != 0 {
		t.Errorf("login must not run for a canceled session, got %d account creations", h.accounts.creates)
	}
}

// putHookCache runs onPut once, before the first SetIfAbsent it serves.
type putHookCache struct {
	domain.Cache
	fired bool
	onPut func()
}

func (c *putHookCache) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if !c.fired {
		c.fired = true
		c.onPut()
	}
	return c.Cache.SetIfAbsent(ctx, key, value, ttl)
}

func TestLateDuplicateDoesNotLeaveSecondResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.coord.Create(ctx, "wx-app", "scene", 300)

	var first *PollResult
	h.coord.handoff = flow.NewHandoff(&putHookCache{Cache: h.coord.cache, onPut: func() {
		// The other delivery completes and its result is collected before
		// this one stores its own.
		if err := h.coord.HandleScan(ctx, scan("scene")); err != nil {
			t.Errorf("winning delivery failed: %v", err)
		}
		first, _ = h.coord.Poll(ctx, "scene")
	}})

	if err := h.coord.HandleScan(ctx, scan("scene")); !errors.Is(err, ErrEventDropped) {
		t.Fatalf("expected the late delivery to be dropped, got %v", err)
	}
	if first == nil || first.State != StateAuthorized || first.Result == nil {
		t.Fatalf("expected the winner's result on the first poll, got %+v", first)
	}

	res, err := h.coord.Poll(ctx, "scene")
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if res.State != StateAuthorized || res.Result != nil {
		t.Errorf("expected AUTHORIZED without a second result, got %+v", res)
	}
}

func TestConcurrentDeliveryWithWaitingResultIsDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.coord.Create(ctx, "wx-app", "scene", 300)

	h.coord.handoff = flow.NewHandoff(&putHookCache{Cache: h.coord.cache, onPut: func() {
		if err := h.coord.HandleScan(ctx, scan("scene")); err != nil {
			t.Errorf("winning delivery failed: %v", err)
		}
	}})

	if err := h.coord.HandleScan(ctx, scan("scene")); !errors.Is(err, ErrEventDropped) {
		t.Fatalf("expected the second delivery to be dropped, got %v", err)
	}
	res, err := h.coord.Poll(ctx, "scene")
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if res.State != StateAuthorized || res.Result == nil {
		t.Errorf("expected the winner's result to be delivered, got %+v", res)
	}
	if again, _ := h.coord.Poll(ctx, "scene"); again.Result != nil {
		t.Error("the result must be delivered only once")
	}
}
