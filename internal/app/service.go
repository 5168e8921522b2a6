package app

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"spacehub/api/internal/auth"
	"spacehub/api/internal/config"
	"spacehub/api/internal/invite"
	"spacehub/api/internal/media"
	"spacehub/api/internal/search"
	"spacehub/api/internal/secret"
	"spacehub/api/internal/store"
	"spacehub/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	ExpiresAt time.Time
}

// EntryGrant is the result of a password entry attempt. Membership is nil
// for anonymous viewers, who are granted access without becoming members.
type EntryGrant struct {
	UserID     string
	Membership *store.Membership
}

type dataStore interface {
	GetSpaceByID(context.Context, string) (store.Space, error)
	GetSpaceByName(context.Context, string) (store.Space, error)
	ListSpaces(context.Context) ([]store.SpaceSummary, error)
	CreateSpace(context.Context, store.Space, store.Membership) error
	DeleteSpace(context.Context, string, string) (bool, error)
	UpdateSpaceImage(context.Context, string, string) error
	ListMembers(context.Context, string) ([]store.Membership, error)
	GetMembership(context.Context, string, string) (store.Membership, error)
	EnsureMembership(context.Context, store.Membership) (store.Membership, bool, error)
	Ping(ctx context.Context) error
}

type codeStore interface {
	Save(ctx context.Context, code, spaceID string, ttl time.Duration) error
	Lookup(ctx context.Context, code string) (string, error)
}

type Service struct {
	cfg    config.Config
	store  dataStore
	codes  codeStore
	search *search.Service
	media  *media.Store
}

func New(cfg config.Config, dataStore *store.PostgresStore, codes *invite.RedisStore, searchService *search.Service, mediaStore *media.Store) *Service {
	return &Service{
		cfg:    cfg,
		store:  dataStore,
		codes:  codes,
		search: searchService,
		media:  mediaStore,
	}
}

// Login issues a bearer token for the given display name. Identity is
// name-derived: the same name always maps to the same user id, so
// memberships survive re-login. Account management is out of scope.
func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}

	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	userID := userIDForName(userName)

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  userID,
		Name: userName,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    userID,
		UserName:  userName,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func userIDForName(name string) string {
	sum := sha1.Sum([]byte(strings.ToLower(name)))
	return "usr_" + hex.EncodeToString(sum[:])
}

// IssueInviteCode generates a fresh invite code for the space and stores it
// with the configured TTL. Prior codes stay live unless the single-active
// policy is on (handled by the code store).
func (s *Service) IssueInviteCode(ctx context.Context, spaceID string) (string, error) {
	if _, err := s.store.GetSpaceByID(ctx, spaceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domainError(http.StatusNotFound, "NOT_FOUND", "space not found", nil)
		}
		return "", storeError("lookup space", err)
	}

	code := invite.GenerateCode()
	if err := s.codes.Save(ctx, code, spaceID, s.cfg.InviteTTL); err != nil {
		return "", storeError("save invite code", err)
	}
	return code, nil
}

// RedeemCode turns a live invite code into a membership for userID.
// Redeeming an already-joined code returns the existing membership.
func (s *Service) RedeemCode(ctx context.Context, userID, code string) (store.Membership, error) {
	if userID == "" {
		return store.Membership{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "sign in to redeem an invite", nil)
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != invite.CodeLength {
		return store.Membership{}, domainError(http.StatusNotFound, "INVALID_CODE", "invalid or expired invite code", nil)
	}

	spaceID, err := s.codes.Lookup(ctx, code)
	if err != nil {
		if errors.Is(err, invite.ErrCodeNotFound) {
			return store.Membership{}, domainError(http.StatusNotFound, "INVALID_CODE", "invalid or expired invite code", nil)
		}
		return store.Membership{}, storeError("lookup invite code", err)
	}

	return s.ensureMembership(ctx, userID, spaceID)
}

// RedeemPassword grants entry to a space by shared password. Existing
// members get in without a password check; anonymous callers with the right
// password get access but no membership row.
func (s *Service) RedeemPassword(ctx context.Context, userID, spaceID, password string) (EntryGrant, error) {
	if userID != "" {
		member, err := s.store.GetMembership(ctx, userID, spaceID)
		if err == nil {
			// Membership implies prior authorization.
			return EntryGrant{UserID: userID, Membership: &member}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return EntryGrant{}, storeError("lookup membership", err)
		}
	}

	space, err := s.store.GetSpaceByID(ctx, spaceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EntryGrant{}, domainError(http.StatusNotFound, "NOT_FOUND", "space not found", nil)
		}
		return EntryGrant{}, storeError("lookup space", err)
	}

	if !secret.Verify(space.PasswordHash, password) {
		return EntryGrant{}, domainError(http.StatusUnauthorized, "INVALID_PASSWORD", "password does not match", nil)
	}

	if userID == "" {
		// Anonymous viewers are not members.
		return EntryGrant{}, nil
	}

	member, err := s.ensureMembership(ctx, userID, spaceID)
	if err != nil {
		return EntryGrant{}, err
	}
	return EntryGrant{UserID: userID, Membership: &member}, nil
}

// ensureMembership is the single idempotent-create primitive both redemption
// paths terminate in. The check-then-create race is resolved by the
// registry's conditional upsert, never surfaced to the caller.
func (s *Service) ensureMembership(ctx context.Context, userID, spaceID string) (store.Membership, error) {
	existing, err := s.store.GetMembership(ctx, userID, spaceID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.Membership{}, storeError("lookup membership", err)
	}

	member, _, err := s.store.EnsureMembership(ctx, store.Membership{
		ID:      util.NewID("mem"),
		UserID:  userID,
		SpaceID: spaceID,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.Membership{}, domainError(http.StatusInternalServerError, "CONFLICT", "membership registry returned conflicting state", nil)
		}
		return store.Membership{}, storeError("create membership", err)
	}
	return member, nil
}

func (s *Service) CreateSpace(ctx context.Context, ownerID, name, content, password, imageURL string) (map[string]any, error) {
	spaceName := strings.TrimSpace(name)
	if spaceName == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}

	if _, err := s.store.GetSpaceByName(ctx, spaceName); err == nil {
		return nil, domainError(http.StatusConflict, "NAME_TAKEN", "a space with that name already exists", nil)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, storeError("lookup space by name", err)
	}

	passwordHash, err := secret.Hash(password)
	if err != nil {
		return nil, err
	}

	space := store.Space{
		ID:           util.NewID("spc"),
		Name:         spaceName,
		Content:      strings.TrimSpace(content),
		PasswordHash: passwordHash,
		ImageURL:     strings.TrimSpace(imageURL),
		OwnerID:      ownerID,
	}
	ownerMembership := store.Membership{
		ID:      util.NewID("mem"),
		UserID:  ownerID,
		SpaceID: space.ID,
	}
	if err := s.store.CreateSpace(ctx, space, ownerMembership); err != nil {
		return nil, storeError("create space", err)
	}

	if s.search != nil {
		s.search.IndexSpace(search.SpaceRecord{
			ID:       space.ID,
			Name:     space.Name,
			Content:  space.Content,
			ImageURL: space.ImageURL,
		})
	}

	return map[string]any{
		"id":          space.ID,
		"name":        space.Name,
		"content":     space.Content,
		"imageUrl":    space.ImageURL,
		"ownerId":     space.OwnerID,
		"memberCount": 1,
	}, nil
}

func (s *Service) ListSpaces(ctx context.Context) ([]map[string]any, error) {
	spaces, err := s.store.ListSpaces(ctx)
	if err != nil {
		return nil, storeError("list spaces", err)
	}
	items := make([]map[string]any, 0, len(spaces))
	for _, space := range spaces {
		items = append(items, map[string]any{
			"id":          space.ID,
			"name":        space.Name,
			"content":     space.Content,
			"imageUrl":    space.ImageURL,
			"ownerId":     space.OwnerID,
			"memberCount": space.MemberCount,
		})
	}
	return items, nil
}

func (s *Service) GetSpace(ctx context.Context, spaceID string) (map[string]any, error) {
	space, err := s.store.GetSpaceByID(ctx, spaceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "space not found", nil)
		}
		return nil, storeError("lookup space", err)
	}
	members, err := s.store.ListMembers(ctx, spaceID)
	if err != nil {
		return nil, storeError("list members", err)
	}
	return map[string]any{
		"id":          space.ID,
		"name":        space.Name,
		"content":     space.Content,
		"imageUrl":    space.ImageURL,
		"ownerId":     space.OwnerID,
		"memberCount": len(members),
	}, nil
}

func (s *Service) ListMembers(ctx context.Context, spaceID string) ([]map[string]any, error) {
	if _, err := s.store.GetSpaceByID(ctx, spaceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "space not found", nil)
		}
		return nil, storeError("lookup space", err)
	}
	members, err := s.store.ListMembers(ctx, spaceID)
	if err != nil {
		return nil, storeError("list members", err)
	}
	items := make([]map[string]any, 0, len(members))
	for _, m := range members {
		items = append(items, map[string]any{
			"id":       m.ID,
			"userId":   m.UserID,
			"joinedAt": m.CreatedAt,
		})
	}
	return items, nil
}

func (s *Service) DeleteSpace(ctx context.Context, spaceID, ownerID string) error {
	deleted, err := s.store.DeleteSpace(ctx, spaceID, ownerID)
	if err != nil {
		return storeError("delete space", err)
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "space not found or not owned by caller", nil)
	}
	if s.search != nil {
		s.search.DeleteSpace(spaceID)
	}
	return nil
}

// SetSpaceImage uploads a cover image for the space and records its URL.
// Owner only.
func (s *Service) SetSpaceImage(ctx context.Context, spaceID, callerID, filename, contentType string, body io.Reader, size int64) (string, error) {
	if s.media == nil {
		return "", domainError(http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "image storage is not configured", nil)
	}

	space, err := s.store.GetSpaceByID(ctx, spaceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domainError(http.StatusNotFound, "NOT_FOUND", "space not found", nil)
		}
		return "", storeError("lookup space", err)
	}
	if space.OwnerID != callerID {
		return "", domainError(http.StatusForbidden, "FORBIDDEN", "only the owner can change the space image", nil)
	}

	imageURL, err := s.media.UploadSpaceImage(ctx, spaceID, filename, contentType, body, size)
	if err != nil {
		return "", storeError("upload image", err)
	}
	if err := s.store.UpdateSpaceImage(ctx, spaceID, imageURL); err != nil {
		return "", storeError("record image url", err)
	}

	if s.search != nil {
		s.search.IndexSpace(search.SpaceRecord{
			ID:       space.ID,
			Name:     space.Name,
			Content:  space.Content,
			ImageURL: imageURL,
		})
	}
	return imageURL, nil
}

func (s *Service) SearchSpaces(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// storeError maps store failures onto the wire contract: deadline expiry and
// connectivity problems are 503s, everything else bubbles as-is if it is
// already a DomainError.
func storeError(op string, err error) error {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domainError(http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", op+" timed out", nil)
	}
	return domainError(http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", op+" failed", nil)
}
