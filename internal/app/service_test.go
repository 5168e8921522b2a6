package app

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"spacehub/api/internal/config"
	"spacehub/api/internal/invite"
	"spacehub/api/internal/secret"
	"spacehub/api/internal/store"
)

// fakeStore is an in-memory dataStore. The membership map plus mutex gives
// the same converge-to-one-row guarantee the unique constraint provides in
// Postgres, so concurrency tests exercise the real gate logic.
type fakeStore struct {
	mu          sync.Mutex
	spaces      map[string]store.Space
	memberships map[string]store.Membership // key: userID|spaceID

	getMembershipFn    func(context.Context, string, string) (store.Membership, error)
	ensureMembershipFn func(context.Context, store.Membership) (store.Membership, bool, error)
	pingFn             func(context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		spaces:      make(map[string]store.Space),
		memberships: make(map[string]store.Membership),
	}
}

func membershipKey(userID, spaceID string) string {
	return userID + "|" + spaceID
}

func (f *fakeStore) addSpace(space store.Space) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spaces[space.ID] = space
}

func (f *fakeStore) membershipCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.memberships)
}

func (f *fakeStore) GetSpaceByID(ctx context.Context, spaceID string) (store.Space, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	space, ok := f.spaces[spaceID]
	if !ok {
		return store.Space{}, sql.ErrNoRows
	}
	return space, nil
}

func (f *fakeStore) GetSpaceByName(ctx context.Context, name string) (store.Space, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, space := range f.spaces {
		if space.Name == name {
			return space, nil
		}
	}
	return store.Space{}, sql.ErrNoRows
}

func (f *fakeStore) ListSpaces(ctx context.Context) ([]store.SpaceSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.SpaceSummary
	for _, space := range f.spaces {
		count := 0
		for _, m := range f.memberships {
			if m.SpaceID == space.ID {
				count++
			}
		}
		items = append(items, store.SpaceSummary{
			ID: space.ID, Name: space.Name, Content: space.Content,
			ImageURL: space.ImageURL, OwnerID: space.OwnerID, MemberCount: count,
		})
	}
	return items, nil
}

func (f *fakeStore) CreateSpace(ctx context.Context, space store.Space, ownerMembership store.Membership) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spaces[space.ID] = space
	ownerMembership.CreatedAt = time.Now()
	f.memberships[membershipKey(ownerMembership.UserID, ownerMembership.SpaceID)] = ownerMembership
	return nil
}

func (f *fakeStore) DeleteSpace(ctx context.Context, spaceID, ownerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	space, ok := f.spaces[spaceID]
	if !ok || space.OwnerID != ownerID {
		return false, nil
	}
	delete(f.spaces, spaceID)
	for key, m := range f.memberships {
		if m.SpaceID == spaceID {
			delete(f.memberships, key)
		}
	}
	return true, nil
}

func (f *fakeStore) UpdateSpaceImage(ctx context.Context, spaceID, imageURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	space := f.spaces[spaceID]
	space.ImageURL = imageURL
	f.spaces[spaceID] = space
	return nil
}

func (f *fakeStore) ListMembers(ctx context.Context, spaceID string) ([]store.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var members []store.Membership
	for _, m := range f.memberships {
		if m.SpaceID == spaceID {
			members = append(members, m)
		}
	}
	return members, nil
}

func (f *fakeStore) GetMembership(ctx context.Context, userID, spaceID string) (store.Membership, error) {
	if f.getMembershipFn != nil {
		return f.getMembershipFn(ctx, userID, spaceID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memberships[membershipKey(userID, spaceID)]
	if !ok {
		return store.Membership{}, sql.ErrNoRows
	}
	return m, nil
}

func (f *fakeStore) EnsureMembership(ctx context.Context, membership store.Membership) (store.Membership, bool, error) {
	if f.ensureMembershipFn != nil {
		return f.ensureMembershipFn(ctx, membership)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := membershipKey(membership.UserID, membership.SpaceID)
	if existing, ok := f.memberships[key]; ok {
		return existing, false, nil
	}
	membership.CreatedAt = time.Now()
	f.memberships[key] = membership
	return membership, true, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

// fakeCodes is an in-memory codeStore; TTLs are ignored here because expiry
// behavior is covered by the invite package's miniredis tests.
type fakeCodes struct {
	mu    sync.Mutex
	codes map[string]string

	lookupFn func(context.Context, string) (string, error)
}

func newFakeCodes() *fakeCodes {
	return &fakeCodes{codes: make(map[string]string)}
}

func (f *fakeCodes) Save(ctx context.Context, code, spaceID string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes[code] = spaceID
	return nil
}

func (f *fakeCodes) Lookup(ctx context.Context, code string) (string, error) {
	if f.lookupFn != nil {
		return f.lookupFn(ctx, code)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	spaceID, ok := f.codes[code]
	if !ok {
		return "", invite.ErrCodeNotFound
	}
	return spaceID, nil
}

func newTestService(fs *fakeStore, fc *fakeCodes) *Service {
	return &Service{
		cfg: config.Config{
			TokenSecret: "test-secret",
			AccessTTL:   time.Hour,
			InviteTTL:   10 * time.Minute,
		},
		store: fs,
		codes: fc,
	}
}

func seedSpace(t *testing.T, fs *fakeStore, id, name, password, ownerID string) {
	t.Helper()
	hash, err := secret.Hash(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	fs.addSpace(store.Space{
		ID:           id,
		Name:         name,
		PasswordHash: hash,
		OwnerID:      ownerID,
	})
}

func TestIssueInviteCode(t *testing.T) {
	fs := newFakeStore()
	fc := newFakeCodes()
	svc := newTestService(fs, fc)
	seedSpace(t, fs, "spc_1", "daybreak", "abc123", "usr_owner")

	code, err := svc.IssueInviteCode(context.Background(), "spc_1")
	if err != nil {
		t.Fatalf("IssueInviteCode failed: %v", err)
	}
	if len(code) != invite.CodeLength {
		t.Errorf("expected %d-char code, got %q", invite.CodeLength, code)
	}
	if fc.codes[code] != "spc_1" {
		t.Errorf("expected code stored for spc_1, got %q", fc.codes[code])
	}
}

func TestIssueInviteCodeUnknownSpace(t *testing.T) {
	svc := newTestService(newFakeStore(), newFakeCodes())

	_, err := svc.IssueInviteCode(context.Background(), "spc_missing")
	assertDomainCode(t, err, "NOT_FOUND")
}

func TestRedeemCodeIdempotent(t *testing.T) {
	fs := newFakeStore()
	fc := newFakeCodes()
	svc := newTestService(fs, fc)
	seedSpace(t, fs, "spc_1", "daybreak", "abc123", "usr_owner")
	fc.codes["4K2B9T"] = "spc_1"

	first, err := svc.RedeemCode(context.Background(), "usr_42", "4K2B9T")
	if err != nil {
		t.Fatalf("first RedeemCode failed: %v", err)
	}
	second, err := svc.RedeemCode(context.Background(), "usr_42", "4K2B9T")
	if err != nil {
		t.Fatalf("second RedeemCode failed: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("expected identical membership ids, got %s and %s", first.ID, second.ID)
	}
	if got := fs.membershipCount(); got != 1 {
		t.Errorf("expected exactly 1 membership, got %d", got)
	}
}

func TestRedeemCodeNormalizesInput(t *testing.T) {
	fs := newFakeStore()
	fc := newFakeCodes()
	svc := newTestService(fs, fc)
	seedSpace(t, fs, "spc_1", "daybreak", "abc123", "usr_owner")
	fc.codes["4K2B9T"] = "spc_1"

	if _, err := svc.RedeemCode(context.Background(), "usr_42", " 4k2b9t "); err != nil {
		t.Fatalf("expected lowercased padded code to redeem, got %v", err)
	}
}

func TestRedeemCodeInvalid(t *testing.T) {
	svc := newTestService(newFakeStore(), newFakeCodes())

	_, err := svc.RedeemCode(context.Background(), "usr_42", "ZZ9ZZ9")
	assertDomainCode(t, err, "INVALID_CODE")
}

func TestRedeemCodeConcurrent(t *testing.T) {
	fs := newFakeStore()
	fc := newFakeCodes()
	svc := newTestService(fs, fc)
	seedSpace(t, fs, "spc_1", "daybreak", "abc123", "usr_owner")
	fc.codes["4K2B9T"] = "spc_1"

	const workers = 25
	results := make([]store.Membership, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.RedeemCode(context.Background(), "usr_42", "4K2B9T")
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d failed: %v", i, errs[i])
		}
		if results[i].ID != results[0].ID {
			t.Fatalf("worker %d got membership %s, want %s", i, results[i].ID, results[0].ID)
		}
	}
	if got := fs.membershipCount(); got != 1 {
		t.Errorf("expected exactly 1 membership after concurrent redemption, got %d", got)
	}
}

func TestRedeemCodeStoreOutage(t *testing.T) {
	fs := newFakeStore()
	fc := newFakeCodes()
	svc := newTestService(fs, fc)
	fc.lookupFn = func(context.Context, string) (string, error) {
		return "", context.DeadlineExceeded
	}

	_, err := svc.RedeemCode(context.Background(), "usr_42", "4K2B9T")
	assertDomainCode(t, err, "SERVICE_UNAVAILABLE")
}

func TestRedeemCodeRecoversInsertRace(t *testing.T) {
	fs := newFakeStore()
	fc := newFakeCodes()
	svc := newTestService(fs, fc)
	seedSpace(t, fs, "spc_1", "daybreak", "abc123", "usr_owner")
	fc.codes["4K2B9T"] = "spc_1"

	// Simulate another request winning the insert between the gate's
	// existence check and its create call.
	raced := store.Membership{ID: "mem_winner", UserID: "usr_42", SpaceID: "spc_1"}
	fs.getMembershipFn = func(ctx context.Context, userID, spaceID string) (store.Membership, error) {
		return store.Membership{}, sql.ErrNoRows
	}
	fs.ensureMembershipFn = func(ctx context.Context, m store.Membership) (store.Membership, bool, error) {
		return raced, false, nil
	}

	member, err := svc.RedeemCode(context.Background(), "usr_42", "4K2B9T")
	if err != nil {
		t.Fatalf("RedeemCode failed: %v", err)
	}
	if member.ID != "mem_winner" {
		t.Errorf("expected the raced membership to be returned, got %s", member.ID)
	}
}

func TestRedeemCodeSurfacesRegistryConflict(t *testing.T) {
	fs := newFakeStore()
	fc := newFakeCodes()
	svc := newTestService(fs, fc)
	seedSpace(t, fs, "spc_1", "daybreak", "abc123", "usr_owner")
	fc.codes["4K2B9T"] = "spc_1"

	fs.ensureMembershipFn = func(ctx context.Context, m store.Membership) (store.Membership, bool, error) {
		return store.Membership{}, false, store.ErrConflict
	}

	_, err := svc.RedeemCode(context.Background(), "usr_42", "4K2B9T")
	assertDomainCode(t, err, "CONFLICT")
}

func TestRedeemPasswordExistingMemberSkipsCheck(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, newFakeCodes())
	seedSpace(t, fs, "spc_1", "daybreak", "abc123", "usr_owner")
	fs.memberships[membershipKey("usr_42", "spc_1")] = store.Membership{
		ID: "mem_1", UserID: "usr_42", SpaceID: "spc_1",
	}

	grant, err := svc.RedeemPassword(context.Background(), "usr_42", "spc_1", "totally-wrong")
	if err != nil {
		t.Fatalf("expected member to be granted entry, got %v", err)
	}
	if grant.Membership == nil || grant.Membership.ID != "mem_1" {
		t.Errorf("expected existing membership mem_1, got %+v", grant.Membership)
	}
}

func TestRedeemPasswordMismatch(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, newFakeCodes())
	seedSpace(t, fs, "spc_1", "daybreak", "abc123", "usr_owner")

	_, err := svc.RedeemPassword(context.Background(), "usr_9", "spc_1", "wrong")
	assertDomainCode(t, err, "INVALID_PASSWORD")
	if got := fs.membershipCount(); got != 0 {
		t.Errorf("expected no membership created on mismatch, got %d", got)
	}
}

func TestRedeemPasswordCreatesMembership(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, newFakeCodes())
	seedSpace(t, fs, "spc_1", "daybreak", "abc123", "usr_owner")

	grant, err := svc.RedeemPassword(context.Background(), "usr_7", "spc_1", "abc123")
	if err != nil {
		t.Fatalf("RedeemPassword failed: %v", err)
	}
	if grant.Membership == nil {
		t.Fatal("expected a membership for the authenticated caller")
	}
	if grant.Membership.UserID != "usr_7" || grant.Membership.SpaceID != "spc_1" {
		t.Errorf("unexpected membership %+v", grant.Membership)
	}
	if got := fs.membershipCount(); got != 1 {
		t.Errorf("expected 1 membership, got %d", got)
	}
}

func TestRedeemPasswordAnonymous(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, newFakeCodes())
	seedSpace(t, fs, "spc_1", "daybreak", "abc123", "usr_owner")

	grant, err := svc.RedeemPassword(context.Background(), "", "spc_1", "abc123")
	if err != nil {
		t.Fatalf("RedeemPassword failed: %v", err)
	}
	if grant.Membership != nil {
		t.Errorf("anonymous viewers must not become members, got %+v", grant.Membership)
	}
	if got := fs.membershipCount(); got != 0 {
		t.Errorf("expected no membership rows for anonymous entry, got %d", got)
	}
}

func TestRedeemPasswordSpaceNotFound(t *testing.T) {
	svc := newTestService(newFakeStore(), newFakeCodes())

	_, err := svc.RedeemPassword(context.Background(), "usr_7", "spc_missing", "abc123")
	assertDomainCode(t, err, "NOT_FOUND")
}

func TestCreateSpaceOwnerAutoJoins(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, newFakeCodes())

	payload, err := svc.CreateSpace(context.Background(), "usr_owner", "daybreak", "welcome", "abc123", "")
	if err != nil {
		t.Fatalf("CreateSpace failed: %v", err)
	}
	spaceID, _ := payload["id"].(string)
	if spaceID == "" {
		t.Fatal("expected created space id in payload")
	}

	member, err := fs.GetMembership(context.Background(), "usr_owner", spaceID)
	if err != nil {
		t.Fatalf("expected owner membership, got %v", err)
	}
	if member.SpaceID != spaceID {
		t.Errorf("owner membership bound to %s, want %s", member.SpaceID, spaceID)
	}
}

func TestCreateSpaceDuplicateName(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, newFakeCodes())
	seedSpace(t, fs, "spc_1", "daybreak", "abc123", "usr_owner")

	_, err := svc.CreateSpace(context.Background(), "usr_other", "daybreak", "", "", "")
	assertDomainCode(t, err, "NAME_TAKEN")
}

func TestCreateSpaceStoresHashedPassword(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, newFakeCodes())

	payload, err := svc.CreateSpace(context.Background(), "usr_owner", "daybreak", "", "abc123", "")
	if err != nil {
		t.Fatalf("CreateSpace failed: %v", err)
	}
	spaceID, _ := payload["id"].(string)
	space, err := fs.GetSpaceByID(context.Background(), spaceID)
	if err != nil {
		t.Fatalf("GetSpaceByID failed: %v", err)
	}
	if space.PasswordHash == "abc123" || space.PasswordHash == "" {
		t.Errorf("expected stored password to be hashed, got %q", space.PasswordHash)
	}
}

func TestAccessGateEndToEnd(t *testing.T) {
	fs := newFakeStore()
	fc := newFakeCodes()
	svc := newTestService(fs, fc)
	seedSpace(t, fs, "spc_S", "daybreak", "abc123", "usr_owner")

	ctx := context.Background()

	code, err := svc.IssueInviteCode(ctx, "spc_S")
	if err != nil {
		t.Fatalf("IssueInviteCode failed: %v", err)
	}

	first, err := svc.RedeemCode(ctx, "usr_42", code)
	if err != nil {
		t.Fatalf("RedeemCode failed: %v", err)
	}
	again, err := svc.RedeemCode(ctx, "usr_42", code)
	if err != nil {
		t.Fatalf("second RedeemCode failed: %v", err)
	}
	if first.ID != again.ID {
		t.Errorf("repeat redemption returned %s, want %s", again.ID, first.ID)
	}

	grant, err := svc.RedeemPassword(ctx, "usr_7", "spc_S", "abc123")
	if err != nil {
		t.Fatalf("RedeemPassword failed: %v", err)
	}
	if grant.Membership == nil || grant.Membership.ID == first.ID {
		t.Errorf("expected a distinct membership for usr_7, got %+v", grant.Membership)
	}

	_, err = svc.RedeemPassword(ctx, "usr_9", "spc_S", "wrong")
	assertDomainCode(t, err, "INVALID_PASSWORD")

	if got := fs.membershipCount(); got != 2 {
		t.Errorf("expected 2 memberships (usr_42, usr_7), got %d", got)
	}
}

func TestLoginIsStableAcrossSessions(t *testing.T) {
	svc := newTestService(newFakeStore(), newFakeCodes())

	first, err := svc.Login(context.Background(), "Avery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	second, err := svc.Login(context.Background(), "avery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if first.UserID != second.UserID {
		t.Errorf("same name should map to same user id, got %s and %s", first.UserID, second.UserID)
	}

	parsed, err := svc.SessionFromToken(first.Token)
	if err != nil {
		t.Fatalf("SessionFromToken failed: %v", err)
	}
	if parsed.UserID != first.UserID {
		t.Errorf("token round-trip changed user id: %s vs %s", parsed.UserID, first.UserID)
	}
}

func assertDomainCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, domainErr.Code, domainErr.Message)
	}
}
