// Package sharelink mints opaque capability tokens that grant a project role
// on redemption. Only the token digest is ever stored.
package sharelink

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"inkwell/engine/internal/access"
	"inkwell/engine/internal/errdefs"
	"inkwell/engine/internal/logging"
	"inkwell/engine/internal/metrics"
	"inkwell/engine/internal/rbac"
	"inkwell/engine/internal/store"
	"inkwell/engine/internal/util"
	"inkwell/engine/internal/validation"
)

const tokenBytes = 32

// Issued carries the raw token. It is returned by Issue and never again.
type Issued struct {
	Token string          `json:"token"`
	Link  store.ShareLink `json:"link"`
}

type Issuer struct {
	repo   store.Repository
	access *access.Resolver
	clock  util.Clock
	logger *zap.Logger
}

func New(repo store.Repository, resolver *access.Resolver, clock util.Clock, logger *zap.Logger) *Issuer {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Issuer{
		repo:   repo,
		access: resolver,
		clock:  clock,
		logger: logging.OrNop(logger),
	}
}

func Digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (i *Issuer) Issue(ctx context.Context, ref store.ProjectRef, issuer string, defaultRole rbac.Role) (Issued, error) {
	if !rbac.Grantable(defaultRole) {
		return Issued{}, errdefs.InvalidArgument(fmt.Sprintf("role %s cannot be granted by link", defaultRole), map[string]any{"role": string(defaultRole)})
	}
	if err := i.access.Authorize(ctx, ref, issuer, rbac.CapIssueLinks); err != nil {
		return Issued{}, err
	}

	token, err := newToken()
	if err != nil {
		return Issued{}, err
	}
	link := store.ShareLink{
		ID:          uuid.NewString(),
		TokenDigest: Digest(token),
		Project:     ref,
		DefaultRole: defaultRole,
		Issuer:      issuer,
		CreatedAt:   util.Stamp(i.clock.Now()),
		Active:      true,
	}
	if err := i.repo.InsertShareLink(ctx, link); err != nil {
		return Issued{}, fmt.Errorf("insert share link: %w", err)
	}

	i.logger.Info("share link issued",
		zap.String("project", ref.Key()),
		zap.String("linkId", link.ID),
		zap.String("issuer", issuer),
		zap.String("role", string(defaultRole)),
	)
	return Issued{Token: token, Link: link}, nil
}

func (i *Issuer) lookup(ctx context.Context, token string) (store.ShareLink, error) {
	if token == "" {
		return store.ShareLink{}, errdefs.InvalidLink()
	}
	link, err := i.repo.GetShareLinkByDigest(ctx, Digest(token))
	if errors.Is(err, store.ErrNotFound) {
		return store.ShareLink{}, errdefs.InvalidLink()
	}
	if err != nil {
		return store.ShareLink{}, fmt.Errorf("lookup share link: %w", err)
	}
	return link, nil
}

// Redeem grants the link's role to username unless the role username already
// holds dominates it. Redeeming twice never lowers a role.
func (i *Issuer) Redeem(ctx context.Context, token, username string) (rbac.Role, error) {
	role, err := i.redeem(ctx, token, username)
	switch {
	case err == nil:
		metrics.RecordRedemption(metrics.OutcomeOK)
	case errors.Is(err, errdefs.ErrInvalidLink), errors.Is(err, errdefs.ErrInactiveLink):
		metrics.RecordRedemption(metrics.OutcomeInvalid)
	default:
		metrics.RecordRedemption(metrics.OutcomeError)
	}
	return role, err
}

func (i *Issuer) redeem(ctx context.Context, token, username string) (rbac.Role, error) {
	if err := validation.Var("username", username, "required,username"); err != nil {
		return "", err
	}
	link, err := i.lookup(ctx, token)
	if err != nil {
		return "", err
	}
	if !link.Active {
		return "", errdefs.InactiveLink(link.ID)
	}

	role, err := i.access.Upsert(ctx, link.Project, username, link.DefaultRole)
	if err != nil {
		return "", err
	}
	i.logger.Info("share link redeemed",
		zap.String("project", link.Project.Key()),
		zap.String("linkId", link.ID),
		zap.String("user", username),
		zap.String("role", string(role)),
	)
	return role, nil
}

func (i *Issuer) Deactivate(ctx context.Context, token, actor string) error {
	link, err := i.lookup(ctx, token)
	if err != nil {
		return err
	}
	return i.deactivate(ctx, link, actor)
}

func (i *Issuer) DeactivateByID(ctx context.Context, ref store.ProjectRef, id, actor string) error {
	link, err := i.repo.GetShareLink(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && link.Project != ref) {
		return errdefs.NotFound("share link not found", map[string]any{"linkId": id})
	}
	if err != nil {
		return fmt.Errorf("get share link: %w", err)
	}
	return i.deactivate(ctx, link, actor)
}

func (i *Issuer) deactivate(ctx context.Context, link store.ShareLink, actor string) error {
	if actor != link.Issuer {
		if err := i.access.Authorize(ctx, link.Project, actor, rbac.CapIssueLinks); err != nil {
			return err
		}
	}
	if err := i.repo.DeactivateShareLink(ctx, link.ID, actor, util.Stamp(i.clock.Now())); err != nil {
		return fmt.Errorf("deactivate share link: %w", err)
	}
	i.logger.Info("share link deactivated",
		zap.String("project", link.Project.Key()),
		zap.String("linkId", link.ID),
		zap.String("actor", actor),
	)
	return nil
}

// List returns the project's links; digests are cleared.
func (i *Issuer) List(ctx context.Context, ref store.ProjectRef, actor string) ([]store.ShareLink, error) {
	if err := i.access.Authorize(ctx, ref, actor, rbac.CapIssueLinks); err != nil {
		return nil, err
	}
	links, err := i.repo.ListShareLinks(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("list share links: %w", err)
	}
	for idx := range links {
		links[idx].TokenDigest = ""
	}
	return links, nil
}
